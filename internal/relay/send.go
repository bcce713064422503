package relay

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/talkincode/wabridge/internal/crm"
	"github.com/talkincode/wabridge/internal/domain"
	"github.com/talkincode/wabridge/internal/messaging"
	"github.com/talkincode/wabridge/internal/phone"
	"go.uber.org/zap"
)

// SendRequest is a dashboard send. Exactly one of Body and MediaRef is set.
type SendRequest struct {
	SessionID int64
	To        string
	Body      string
	MediaRef  string
	MediaMime string
	FileName  string
}

type SendResult struct {
	MessageID      string    `json:"messageId"`
	SavedMessageID *string   `json:"savedMessageId"`
	Recipient      string    `json:"recipient"`
	Timestamp      time.Time `json:"timestamp"`
}

// Send validates and dispatches a message on behalf of tenantID.
func (r *Relay) Send(ctx context.Context, tenantID string, req SendRequest) (*SendResult, error) {
	hasBody, hasMedia := req.Body != "", req.MediaRef != ""
	if hasBody == hasMedia {
		return nil, errors.Wrap(domain.ErrEmptyMessage, "exactly one of body or media is required")
	}

	sess, err := r.sessionFor(ctx, tenantID, req.SessionID)
	if err != nil {
		return nil, err
	}
	client, err := r.liveClient(sess)
	if err != nil {
		return nil, err
	}
	to, err := phone.Normalize(req.To)
	if err != nil {
		return nil, err
	}

	content := messaging.Content{Text: req.Body, MediaRef: req.MediaRef, MediaMime: req.MediaMime, FileName: req.FileName}
	networkID, err := client.Send(ctx, phone.ToNetworkAddress(to), content)
	if err != nil {
		return nil, errors.Wrap(err, "send message")
	}

	msg := outbound(sess, to, networkID)
	msg.Body = optional(req.Body)
	msg.MediaURL = optional(req.MediaRef)
	msg.MediaMime = optional(req.MediaMime)

	result := &SendResult{MessageID: networkID, Recipient: to, Timestamp: time.Now()}
	if id, ok := r.persistOutbound(ctx, sess, msg); ok {
		result.SavedMessageID = formatID(id)
	}
	return result, nil
}

// ProviderSend is an outbound message pushed by the CRM for a location.
type ProviderSend struct {
	LocationID  string
	Phone       string
	Message     string
	Attachments []crm.Attachment
}

type ProviderSendResult struct {
	MessageID string `json:"messageId"`
	AltID     string `json:"altId"`
	SentCount int    `json:"sentCount"`
	Recipient string `json:"recipient"`
}

// SendForLocation delivers a CRM outbound message through the session that
// is mapped to the location. Text goes first, then one message per
// attachment.
func (r *Relay) SendForLocation(ctx context.Context, req ProviderSend) (*ProviderSendResult, error) {
	if req.Message == "" && len(req.Attachments) == 0 {
		return nil, errors.Wrap(domain.ErrEmptyMessage, "message or attachments is required")
	}
	if req.Phone == "" {
		return nil, errors.Wrap(domain.ErrInvalidPhoneFormat, "phone is required")
	}

	m, err := r.store.LocationMaps.GetByLocation(ctx, req.LocationID)
	if err != nil {
		return nil, err
	}
	sess, err := r.store.Sessions.GetByID(ctx, m.SessionID)
	if err != nil {
		return nil, err
	}
	client, err := r.liveClient(sess)
	if err != nil {
		return nil, err
	}
	to, err := phone.Normalize(req.Phone)
	if err != nil {
		return nil, err
	}
	address := phone.ToNetworkAddress(to)

	var contents []messaging.Content
	if req.Message != "" {
		contents = append(contents, messaging.Content{Text: req.Message})
	}
	for _, a := range req.Attachments {
		if a.URL == "" {
			continue
		}
		contents = append(contents, messaging.Content{MediaRef: a.URL, MediaMime: a.Type, FileName: a.Name})
	}

	result := &ProviderSendResult{MessageID: unknownSender, AltID: unknownSender, Recipient: to}
	for _, c := range contents {
		networkID, err := client.Send(ctx, address, c)
		if err != nil {
			if result.SentCount == 0 {
				return nil, errors.Wrap(err, "send message")
			}
			zap.L().Error("relay: partial provider send",
				zap.Int64("session_id", sess.ID),
				zap.Int("sent", result.SentCount),
				zap.Error(err))
			break
		}
		if result.SentCount == 0 {
			result.MessageID, result.AltID = networkID, networkID
		}
		result.SentCount++

		msg := outbound(sess, to, networkID)
		if c.IsMedia() {
			msg.MediaURL = optional(c.MediaRef)
			msg.MediaMime = optional(c.MediaMime)
		} else {
			msg.Body = optional(c.Text)
		}
		r.persistOutbound(ctx, sess, msg)
	}
	return result, nil
}

func outbound(sess *domain.Session, to, networkID string) *domain.Message {
	from := unknownSender
	if sess.PhoneNumber != nil && *sess.PhoneNumber != "" {
		from = *sess.PhoneNumber
	}
	return &domain.Message{
		SessionID:         sess.ID,
		UserID:            sess.UserID,
		SubaccountID:      sess.SubaccountID,
		FromNumber:        from,
		ToNumber:          to,
		Direction:         domain.DirectionOut,
		ProviderMessageID: optional(networkID),
	}
}

// persistOutbound stores a sent message. The message is already on the
// network, so a failure here is only logged.
func (r *Relay) persistOutbound(ctx context.Context, sess *domain.Session, msg *domain.Message) (int64, bool) {
	if err := r.store.Messages.Create(ctx, msg); err != nil {
		zap.L().Error("relay: save outbound message",
			zap.Int64("session_id", sess.ID),
			zap.String("to", msg.ToNumber),
			zap.Error(err))
		return 0, false
	}
	r.publish(domain.SessionRef{SessionID: sess.ID, UserID: sess.UserID, SubaccountID: sess.SubaccountID}, domain.DirectionOut)
	return msg.ID, true
}
