// Package relay moves messages between the CRM, the database and the live
// WhatsApp clients.
package relay

import (
	"context"
	"mime"
	"strconv"
	"strings"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"github.com/talkincode/wabridge/internal/crm"
	"github.com/talkincode/wabridge/internal/domain"
	"github.com/talkincode/wabridge/internal/messaging"
	"github.com/talkincode/wabridge/internal/repository"
	"github.com/vincent-petithory/dataurl"
	"go.uber.org/zap"
)

// TopicMessageRelayed carries a MessageRelayed for every stored message.
const TopicMessageRelayed = "message:relayed"

const (
	unknownSender       = "unknown"
	mediaFailedBody     = "[Media message - download failed]"
	forwardTimeout      = 30 * time.Second
	defaultPageSize     = 50
	defaultConvPageSize = 100
	maxPageSize         = 500
)

type MessageRelayed struct {
	Ref       domain.SessionRef
	Direction domain.Direction
	At        time.Time
}

// ClientLookup finds the live client of a session.
type ClientLookup interface {
	Client(sessionID int64) (messaging.Client, bool)
}

// Forwarder delivers inbound messages to the CRM.
type Forwarder interface {
	Forward(ctx context.Context, inst *domain.ProviderInstallation, payload crm.InboundPayload) error
}

// Guard answers subaccount ownership.
type Guard interface {
	RequireSubaccount(ctx context.Context, tenantID string, subaccountID int64) error
}

type Relay struct {
	store     *repository.Store
	clients   ClientLookup
	guard     Guard
	forwarder Forwarder
	pool      *ants.Pool
	bus       EventBus.Bus
}

type Option func(*Relay)

// WithPool runs CRM forwarding on pool instead of the caller's goroutine.
func WithPool(pool *ants.Pool) Option {
	return func(r *Relay) { r.pool = pool }
}

func WithBus(bus EventBus.Bus) Option {
	return func(r *Relay) { r.bus = bus }
}

func New(store *repository.Store, clients ClientLookup, guard Guard, forwarder Forwarder, opts ...Option) *Relay {
	r := &Relay{store: store, clients: clients, guard: guard, forwarder: forwarder}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetClients wires the client lookup after construction, for the case
// where the lookup itself depends on the relay.
func (r *Relay) SetClients(clients ClientLookup) {
	r.clients = clients
}

func (r *Relay) publish(ref domain.SessionRef, dir domain.Direction) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(TopicMessageRelayed, MessageRelayed{Ref: ref, Direction: dir, At: time.Now()})
}

// sessionFor resolves a session the tenant may use. Sessions of other
// tenants are reported as missing.
func (r *Relay) sessionFor(ctx context.Context, tenantID string, sessionID int64) (*domain.Session, error) {
	sess, err := r.store.Sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := r.guard.RequireSubaccount(ctx, tenantID, sess.SubaccountID); err != nil {
		if errors.Is(err, domain.ErrForbidden) {
			return nil, errors.Wrapf(domain.ErrNotFound, "session %d", sessionID)
		}
		return nil, err
	}
	return sess, nil
}

// liveClient checks the session can send right now.
func (r *Relay) liveClient(sess *domain.Session) (messaging.Client, error) {
	if sess.Status != domain.SessionReady {
		return nil, errors.Wrapf(domain.ErrSessionNotReady, "session %d is %s", sess.ID, sess.Status)
	}
	client, ok := r.clients.Client(sess.ID)
	if !ok {
		return nil, errors.Wrapf(domain.ErrClientUnavailable, "session %d has no live client", sess.ID)
	}
	return client, nil
}

// encodeDataURL renders data as a base64 data URL, keeping MIME params.
func encodeDataURL(data []byte, mimeType string) string {
	mediaType, params, err := mime.ParseMediaType(mimeType)
	if err != nil || !strings.Contains(mediaType, "/") {
		mediaType = "application/octet-stream"
		params = nil
	}
	pairs := make([]string, 0, len(params)*2)
	for k, v := range params {
		pairs = append(pairs, k, v)
	}
	return dataurl.New(data, mediaType, pairs...).String()
}

func pageSize(limit, def int) int {
	if limit <= 0 {
		return def
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}

func formatID(id int64) *string {
	s := strconv.FormatInt(id, 10)
	return &s
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (r *Relay) submit(task func()) {
	if r.pool == nil {
		task()
		return
	}
	if err := r.pool.Submit(task); err != nil {
		zap.L().Warn("relay: forward pool rejected task, running inline", zap.Error(err))
		task()
	}
}

func detached(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), d)
}
