package relay

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/talkincode/wabridge/internal/crm"
	"github.com/talkincode/wabridge/internal/domain"
	"github.com/talkincode/wabridge/internal/messaging"
	"github.com/talkincode/wabridge/internal/phone"
	"go.uber.org/zap"
)

const broadcastSuffix = "@broadcast"

// isBroadcast matches status updates and broadcast lists.
func isBroadcast(msg *messaging.InboundMessage) bool {
	return strings.HasSuffix(msg.Chat, broadcastSuffix) || strings.HasSuffix(msg.From, broadcastSuffix)
}

// HandleInbound stores a received message against the session that owns
// it and forwards it to the CRM. Errors are logged, never returned.
func (r *Relay) HandleInbound(ctx context.Context, ref domain.SessionRef, msg *messaging.InboundMessage) {
	if msg == nil || isBroadcast(msg) {
		return
	}

	body := msg.Body
	var mediaURL, mediaMime string
	if msg.HasMedia {
		mediaURL, mediaMime = r.materialize(ctx, ref, msg)
		switch {
		case mediaURL != "" && body == "":
			body = fmt.Sprintf("[%s]", mediaMime)
		case mediaURL == "" && body == "":
			body = mediaFailedBody
		}
	}

	m := &domain.Message{
		SessionID:         ref.SessionID,
		UserID:            ref.UserID,
		SubaccountID:      ref.SubaccountID,
		FromNumber:        phone.FromNetworkAddress(msg.From),
		ToNumber:          phone.FromNetworkAddress(msg.To),
		Body:              optional(body),
		MediaURL:          optional(mediaURL),
		MediaMime:         optional(mediaMime),
		Direction:         domain.DirectionIn,
		ProviderMessageID: optional(msg.ID),
	}
	if err := r.store.Messages.Create(ctx, m); err != nil {
		zap.L().Error("relay: save inbound message",
			zap.Int64("session_id", ref.SessionID),
			zap.String("from", m.FromNumber),
			zap.Error(err))
		return
	}
	zap.L().Debug("relay: inbound message saved",
		zap.Int64("session_id", ref.SessionID),
		zap.Int64("message_id", m.ID),
		zap.String("from", m.FromNumber))
	r.publish(ref, domain.DirectionIn)

	fctx, cancel := detached(ctx, forwardTimeout)
	r.submit(func() {
		defer cancel()
		r.forward(fctx, ref, m)
	})
}

// materialize downloads an attachment into a data URL. Empty results mean
// the download failed.
func (r *Relay) materialize(ctx context.Context, ref domain.SessionRef, msg *messaging.InboundMessage) (string, string) {
	if msg.Download == nil {
		return "", ""
	}
	data, err := msg.Download(ctx)
	if err == nil && len(data) == 0 {
		err = errors.New("empty media")
	}
	if err != nil {
		zap.L().Warn("relay: media download failed",
			zap.Int64("session_id", ref.SessionID),
			zap.String("message_id", msg.ID),
			zap.Error(err))
		return "", ""
	}
	mimeType := msg.MediaMime
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return encodeDataURL(data, mimeType), mimeType
}

// forward posts a stored inbound message to the subaccount's conversation
// provider. Missing or incomplete installations skip silently.
func (r *Relay) forward(ctx context.Context, ref domain.SessionRef, m *domain.Message) {
	defer func() {
		if err := recover(); err != nil {
			zap.L().Error("relay: forward panic", zap.Int64("message_id", m.ID), zap.Any("panic", err))
		}
	}()
	if r.forwarder == nil {
		return
	}
	if !phone.IsValid(m.FromNumber) {
		zap.L().Warn("relay: sender is not a phone number, skipping forward",
			zap.Int64("message_id", m.ID),
			zap.String("from", m.FromNumber))
		return
	}

	inst, err := r.store.Installations.GetForSubaccount(ctx, ref.UserID, ref.SubaccountID)
	if errors.Is(err, domain.ErrNotFound) || (err == nil && !inst.CanForward()) {
		zap.L().Debug("relay: no usable provider installation, skipping forward",
			zap.Int64("subaccount_id", ref.SubaccountID))
		return
	}
	if err != nil {
		zap.L().Error("relay: load provider installation", zap.Int64("subaccount_id", ref.SubaccountID), zap.Error(err))
		return
	}

	locationID := ref.LocationID
	if locationID == "" {
		sub, err := r.store.Subaccounts.GetByID(ctx, ref.SubaccountID)
		if err != nil {
			zap.L().Error("relay: resolve subaccount location", zap.Int64("subaccount_id", ref.SubaccountID), zap.Error(err))
			return
		}
		locationID = sub.LocationID
	}

	if err := r.forwarder.Forward(ctx, inst, crm.NewInboundPayload(locationID, m)); err != nil {
		zap.L().Error("relay: forward to crm",
			zap.Int64("message_id", m.ID),
			zap.String("location_id", locationID),
			zap.Error(err))
		return
	}
	zap.L().Info("relay: forwarded message to crm",
		zap.Int64("message_id", m.ID),
		zap.String("location_id", locationID))
}
