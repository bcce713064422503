package whatsapp

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/talkincode/wabridge/internal/messaging"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	waTypes "go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
)

// Client is one whatsmeow connection bound to a session.
type Client struct {
	sessionID int64
	emit      messaging.Emitter
	factory   *Factory
	wa        *whatsmeow.Client
	handlerID uint32

	mu      sync.Mutex
	cancel  context.CancelFunc
	closed  bool
	started bool
}

var _ messaging.Client = (*Client)(nil)

// Initialize connects the client. An unlinked device first opens the QR
// channel so pairing codes are reported as events.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("client destroyed")
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	lifeCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.mu.Unlock()

	if c.wa.Store.ID == nil {
		qrChan, err := c.wa.GetQRChannel(lifeCtx)
		if err != nil {
			return errors.Wrap(err, "open qr channel")
		}
		go c.watchQR(lifeCtx, qrChan)
	}
	if err := c.wa.Connect(); err != nil {
		return errors.Wrap(err, "connect")
	}
	return nil
}

func (c *Client) watchQR(ctx context.Context, items <-chan whatsmeow.QRChannelItem) {
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-items:
			if !ok {
				return
			}
			if ev, ok := qrEvent(item); ok {
				c.emit(ev)
			}
		}
	}
}

// qrEvent maps a QR channel item to a lifecycle event. Success is not
// mapped; readiness is reported by the Connected event.
func qrEvent(item whatsmeow.QRChannelItem) (messaging.Event, bool) {
	switch {
	case item.Event == "code":
		return messaging.Event{Kind: messaging.EventPairingCode, Code: item.Code}, true
	case item.Event == "success":
		return messaging.Event{}, false
	case item.Event == "timeout":
		return messaging.Event{Kind: messaging.EventDisconnected, Reason: "pairing timed out"}, true
	case item.Event == "error":
		reason := "pairing failed"
		if item.Error != nil {
			reason = item.Error.Error()
		}
		return messaging.Event{Kind: messaging.EventAuthFailure, Reason: reason}, true
	case strings.HasPrefix(item.Event, "err-"):
		return messaging.Event{Kind: messaging.EventAuthFailure, Reason: strings.TrimPrefix(item.Event, "err-")}, true
	}
	return messaging.Event{}, false
}

func (c *Client) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Connected:
		id := c.wa.Store.ID
		if id == nil {
			return
		}
		c.emit(messaging.Event{
			Kind:     messaging.EventReady,
			Identity: id.ToNonAD().String(),
			Device:   id.String(),
		})
	case *events.PairSuccess:
		zap.L().Info("whatsapp: device paired",
			zap.Int64("session_id", c.sessionID),
			zap.String("jid", v.ID.String()),
			zap.String("platform", v.Platform))
	case *events.LoggedOut:
		c.emit(messaging.Event{Kind: messaging.EventDisconnected, Reason: "logged out: " + v.Reason.String()})
		go c.forgetDevice()
	case *events.StreamReplaced:
		c.emit(messaging.Event{Kind: messaging.EventDisconnected, Reason: "stream replaced"})
	case *events.ConnectFailure:
		c.emit(messaging.Event{Kind: messaging.EventAuthFailure, Reason: fmt.Sprintf("connect failure: %s %s", v.Reason.String(), v.Message)})
	case *events.ClientOutdated:
		c.emit(messaging.Event{Kind: messaging.EventAuthFailure, Reason: "client outdated"})
	case *events.TemporaryBan:
		c.emit(messaging.Event{Kind: messaging.EventAuthFailure, Reason: v.String()})
	case *events.Disconnected:
		zap.L().Debug("whatsapp: transport disconnected, reconnecting", zap.Int64("session_id", c.sessionID))
	case *events.Message:
		if in := c.inbound(v); in != nil {
			c.emit(messaging.Event{Kind: messaging.EventMessage, Message: in})
		}
	}
}

func (c *Client) forgetDevice() {
	if c.wa.Store.ID == nil {
		return
	}
	if err := c.wa.Store.Delete(context.Background()); err != nil {
		zap.L().Warn("whatsapp: delete logged out device failed",
			zap.Int64("session_id", c.sessionID), zap.Error(err))
	}
}

func (c *Client) inbound(evt *events.Message) *messaging.InboundMessage {
	var self waTypes.JID
	if id := c.wa.Store.ID; id != nil {
		self = *id
	}
	ctx, cancel := context.WithTimeout(context.Background(), lidLookupTimeout)
	defer cancel()
	in := inboundMessage(ctx, evt, self, c.wa.Store.LIDs)
	if in == nil {
		return nil
	}
	if m := mediaOf(evt.Message); m != nil {
		in.HasMedia = true
		in.MediaMime = m.mime
		in.FileName = m.fileName
		in.Download = func(ctx context.Context) ([]byte, error) {
			return c.wa.Download(ctx, m.file)
		}
	}
	return in
}

const lidLookupTimeout = 5 * time.Second

// lidResolver maps hidden user ids to phone number addresses.
type lidResolver interface {
	GetPNForLID(ctx context.Context, lid waTypes.JID) (waTypes.JID, error)
}

// inboundMessage maps a received message to network addresses keyed by
// phone number. Messages whose sender has no known phone number are dropped.
func inboundMessage(ctx context.Context, evt *events.Message, self waTypes.JID, lids lidResolver) *messaging.InboundMessage {
	if evt.Info.IsFromMe || evt.Message == nil {
		return nil
	}
	from := phoneAddress(ctx, evt.Info.Sender, evt.Info.SenderAlt, lids)
	if from.Server == waTypes.HiddenUserServer {
		zap.L().Warn("whatsapp: dropping message from unresolved lid",
			zap.String("message_id", evt.Info.ID),
			zap.String("sender", from.String()))
		return nil
	}
	chat := evt.Info.Chat.ToNonAD()
	if chat.Server == waTypes.HiddenUserServer {
		chat = from
	}
	in := &messaging.InboundMessage{
		ID:        evt.Info.ID,
		Chat:      chat.String(),
		From:      from.String(),
		Body:      messageText(evt.Message),
		Timestamp: evt.Info.Timestamp,
	}
	if !self.IsEmpty() {
		in.To = phoneAddress(ctx, self, evt.Info.RecipientAlt, lids).String()
	}
	return in
}

// phoneAddress returns jid in phone number addressing. A hidden user id is
// replaced by alt when that is a phone address, else by the stored mapping.
func phoneAddress(ctx context.Context, jid, alt waTypes.JID, lids lidResolver) waTypes.JID {
	jid = jid.ToNonAD()
	if jid.Server != waTypes.HiddenUserServer {
		return jid
	}
	if alt.Server == waTypes.DefaultUserServer {
		return alt.ToNonAD()
	}
	if lids == nil {
		return jid
	}
	pn, err := lids.GetPNForLID(ctx, jid)
	if err != nil {
		zap.L().Debug("whatsapp: lid lookup failed", zap.String("lid", jid.String()), zap.Error(err))
		return jid
	}
	if pn.IsEmpty() {
		return jid
	}
	return pn.ToNonAD()
}

func messageText(msg *waE2E.Message) string {
	switch {
	case msg.GetConversation() != "":
		return msg.GetConversation()
	case msg.GetExtendedTextMessage() != nil:
		return msg.GetExtendedTextMessage().GetText()
	case msg.GetImageMessage() != nil:
		return msg.GetImageMessage().GetCaption()
	case msg.GetVideoMessage() != nil:
		return msg.GetVideoMessage().GetCaption()
	case msg.GetDocumentMessage() != nil:
		return msg.GetDocumentMessage().GetCaption()
	}
	return ""
}

type inboundMedia struct {
	file     whatsmeow.DownloadableMessage
	mime     string
	fileName string
}

func mediaOf(msg *waE2E.Message) *inboundMedia {
	if m := msg.GetImageMessage(); m != nil {
		return &inboundMedia{file: m, mime: m.GetMimetype()}
	}
	if m := msg.GetVideoMessage(); m != nil {
		return &inboundMedia{file: m, mime: m.GetMimetype()}
	}
	if m := msg.GetAudioMessage(); m != nil {
		return &inboundMedia{file: m, mime: m.GetMimetype()}
	}
	if m := msg.GetDocumentMessage(); m != nil {
		return &inboundMedia{file: m, mime: m.GetMimetype(), fileName: m.GetFileName()}
	}
	if m := msg.GetStickerMessage(); m != nil {
		return &inboundMedia{file: m, mime: m.GetMimetype()}
	}
	return nil
}

// Send delivers text or media to address and returns the message id.
func (c *Client) Send(ctx context.Context, address string, content messaging.Content) (string, error) {
	jid, err := waTypes.ParseJID(address)
	if err != nil {
		return "", errors.Wrapf(err, "parse address %q", address)
	}
	if !c.wa.IsConnected() {
		return "", errors.New("client is not connected")
	}

	var msg *waE2E.Message
	if content.IsMedia() {
		msg, err = c.mediaMessage(ctx, content)
		if err != nil {
			return "", err
		}
	} else {
		msg = &waE2E.Message{Conversation: proto.String(content.Text)}
	}

	resp, err := c.wa.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", errors.Wrap(err, "send message")
	}
	return resp.ID, nil
}

func (c *Client) mediaMessage(ctx context.Context, content messaging.Content) (*waE2E.Message, error) {
	data, mime, err := c.factory.loadMedia(ctx, content.MediaRef, content.MediaMime)
	if err != nil {
		return nil, err
	}
	uploaded, err := c.wa.Upload(ctx, data, mediaTypeFor(mime))
	if err != nil {
		return nil, errors.Wrap(err, "upload media")
	}
	return buildMediaMessage(uploaded, mime, content.FileName, content.Text, len(data)), nil
}

func mediaTypeFor(mime string) whatsmeow.MediaType {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return whatsmeow.MediaImage
	case strings.HasPrefix(mime, "video/"):
		return whatsmeow.MediaVideo
	case strings.HasPrefix(mime, "audio/"):
		return whatsmeow.MediaAudio
	default:
		return whatsmeow.MediaDocument
	}
}

func buildMediaMessage(up whatsmeow.UploadResponse, mime, fileName, caption string, size int) *waE2E.Message {
	length := proto.Uint64(uint64(size))
	var captionPtr *string
	if caption != "" {
		captionPtr = proto.String(caption)
	}
	switch mediaTypeFor(mime) {
	case whatsmeow.MediaImage:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       captionPtr,
			Mimetype:      proto.String(mime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    length,
		}}
	case whatsmeow.MediaVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       captionPtr,
			Mimetype:      proto.String(mime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    length,
		}}
	case whatsmeow.MediaAudio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype:      proto.String(mime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    length,
			PTT:           proto.Bool(strings.HasPrefix(mime, "audio/ogg")),
		}}
	}
	if fileName == "" {
		fileName = "file"
	}
	return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
		Caption:       captionPtr,
		Mimetype:      proto.String(mime),
		Title:         proto.String(fileName),
		FileName:      proto.String(fileName),
		URL:           proto.String(up.URL),
		DirectPath:    proto.String(up.DirectPath),
		MediaKey:      up.MediaKey,
		FileEncSHA256: up.FileEncSHA256,
		FileSHA256:    up.FileSHA256,
		FileLength:    length,
	}}
}

// Destroy detaches handlers and closes the connection.
func (c *Client) Destroy() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()

	c.wa.RemoveEventHandler(c.handlerID)
	if cancel != nil {
		cancel()
	}
	c.wa.Disconnect()
	zap.L().Info("whatsapp: client destroyed", zap.Int64("session_id", c.sessionID))
}
