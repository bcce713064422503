package session

import (
	"context"
	"strconv"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/pkg/errors"
	"github.com/talkincode/wabridge/internal/domain"
	"github.com/talkincode/wabridge/internal/messaging"
	"github.com/talkincode/wabridge/internal/phone"
	"github.com/talkincode/wabridge/internal/repository"
	"go.uber.org/zap"
)

// TopicStatusChanged carries a StatusChange for every persisted transition.
const TopicStatusChanged = "session:status"

const writeTimeout = 10 * time.Second

const (
	terminalWriteAttempts = 3
	terminalRetryDelay    = 50 * time.Millisecond
)

// StatusChange is published on TopicStatusChanged.
type StatusChange struct {
	Ref    domain.SessionRef
	Status domain.SessionStatus
	Detail string
	At     time.Time
}

// Guard answers whether a tenant owns a location.
type Guard interface {
	RequireLocation(ctx context.Context, tenantID, locationID string) error
}

// InboundHandler receives messages in the order the client emitted them.
type InboundHandler interface {
	HandleInbound(ctx context.Context, ref domain.SessionRef, msg *messaging.InboundMessage)
}

// StatusView is the public pairing status of a location.
type StatusView struct {
	SessionID   *string              `json:"sessionId"`
	Status      domain.SessionStatus `json:"status"`
	QR          *string              `json:"qr"`
	PhoneNumber *string              `json:"phone_number"`
	CreatedAt   *time.Time           `json:"created_at,omitempty"`
	UpdatedAt   *time.Time           `json:"updated_at,omitempty"`
}

// Controller drives the session lifecycle. Create, restart, delete and
// every lifecycle event of a subaccount run under that subaccount's lock,
// so handle replacement and the status write are one unit.
type Controller struct {
	store    *repository.Store
	registry *Registry
	factory  messaging.Factory
	guard    Guard
	inbound  InboundHandler
	locks    *keyedMutex

	bus    EventBus.Bus
	render func(code string) (string, error)
	buffer int

	ctx    context.Context
	cancel context.CancelFunc
}

type Option func(*Controller)

func WithBus(bus EventBus.Bus) Option {
	return func(c *Controller) { c.bus = bus }
}

func WithRenderer(fn func(code string) (string, error)) Option {
	return func(c *Controller) { c.render = fn }
}

func WithEventBuffer(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.buffer = n
		}
	}
}

func NewController(store *repository.Store, registry *Registry, factory messaging.Factory, guard Guard, inbound InboundHandler, opts ...Option) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		store:    store,
		registry: registry,
		factory:  factory,
		guard:    guard,
		inbound:  inbound,
		locks:    newKeyedMutex(),
		render:   RenderPairingCode,
		buffer:   64,
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Client returns the live client of a session.
func (c *Controller) Client(sessionID int64) (messaging.Client, bool) {
	return c.registry.Get(sessionID)
}

// CreateOrRestart starts a live client for the location's subaccount. The
// latest session row is reused when there is one. It returns as soon as
// the client is registered; pairing proceeds in the background.
func (c *Controller) CreateOrRestart(ctx context.Context, tenantID, locationID string) (*domain.Session, error) {
	if err := c.guard.RequireLocation(ctx, tenantID, locationID); err != nil {
		return nil, err
	}
	sub, err := c.store.Subaccounts.GetByLocation(ctx, locationID)
	if err != nil {
		return nil, err
	}

	unlock := c.locks.Lock(sub.ID)
	defer unlock()

	// the subaccount may have been deleted while waiting for the lock
	if _, err := c.store.Subaccounts.GetByID(ctx, sub.ID); err != nil {
		return nil, err
	}

	sess, err := c.store.Sessions.Latest(ctx, sub.ID)
	detail := "restarted"
	switch {
	case err == nil:
		c.terminate(sess.ID)
		reset := domain.SessionUpdate{Status: domain.SessionInitializing, ClearQR: true}
		if err := c.store.Sessions.Update(ctx, sess.ID, reset); err != nil {
			return nil, err
		}
		reset.Apply(sess)
	case errors.Is(err, domain.ErrNotFound):
		detail = "created"
		sess = &domain.Session{
			UserID:       tenantID,
			SubaccountID: sub.ID,
			Status:       domain.SessionInitializing,
		}
		if err := c.store.Sessions.Create(ctx, sess); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	ref := domain.SessionRef{
		SessionID:    sess.ID,
		UserID:       sess.UserID,
		SubaccountID: sub.ID,
		LocationID:   sub.LocationID,
	}
	c.publish(ref, domain.SessionInitializing, detail)

	var device string
	if sess.DeviceJID != nil {
		device = *sess.DeviceJID
	}
	if err := c.start(ref, device); err != nil {
		zap.L().Error("session: client start failed",
			zap.Int64("session_id", sess.ID),
			zap.String("location_id", locationID),
			zap.Error(err))
		failed := domain.SessionUpdate{Status: domain.SessionAuthFailure, ClearQR: true}
		if werr := c.store.Sessions.Update(ctx, sess.ID, failed); werr != nil {
			zap.L().Error("session: persist start failure", zap.Int64("session_id", sess.ID), zap.Error(werr))
		}
		c.publish(ref, domain.SessionAuthFailure, err.Error())
		return nil, errors.Wrap(domain.ErrClientUnavailable, err.Error())
	}

	zap.L().Info("session: client starting",
		zap.Int64("session_id", sess.ID),
		zap.String("location_id", locationID),
		zap.String("mode", detail))
	return sess, nil
}

// start builds a client for ref, registers it and begins connecting.
// Callers hold the subaccount lock.
func (c *Controller) start(ref domain.SessionRef, device string) error {
	h := newHandle(ref, c.buffer)
	client, err := c.factory.NewClient(c.ctx, messaging.Options{SessionID: ref.SessionID, DeviceJID: device}, h.emit)
	if err != nil {
		return err
	}
	h.client = client
	if prev := c.registry.install(h); prev != nil {
		prev.close()
		prev.client.Destroy()
	}
	go c.pump(h)
	go func() {
		if err := client.Initialize(c.ctx); err != nil {
			h.emit(messaging.Event{Kind: messaging.EventAuthFailure, Reason: err.Error()})
		}
	}()
	return nil
}

// terminate unregisters and destroys the live client of sessionID.
func (c *Controller) terminate(sessionID int64) {
	h := c.registry.remove(sessionID)
	if h == nil {
		return
	}
	h.close()
	if h.client != nil {
		h.client.Destroy()
	}
}

// pump applies the events of one handle strictly in order.
func (c *Controller) pump(h *handle) {
	for {
		select {
		case ev := <-h.events:
			c.dispatch(h, ev)
		case <-h.stop:
			// messages already received still belong to the session
			for {
				select {
				case ev := <-h.events:
					if ev.Kind == messaging.EventMessage {
						c.dispatch(h, ev)
					}
				default:
					return
				}
			}
		}
	}
}

func (c *Controller) dispatch(h *handle, ev messaging.Event) {
	defer func() {
		if err := recover(); err != nil {
			zap.L().Error("session: event handler panic",
				zap.Int64("session_id", h.ref.SessionID),
				zap.String("event", string(ev.Kind)),
				zap.Any("panic", err))
		}
	}()

	if ev.Kind == messaging.EventMessage {
		if h.pending != nil || h.mapPending {
			unlock := c.locks.Lock(h.ref.SubaccountID)
			if c.registry.current(h) {
				c.flush(h)
			}
			unlock()
		}
		if c.inbound != nil && ev.Message != nil {
			c.inbound.HandleInbound(c.ctx, h.ref, ev.Message)
		}
		return
	}
	c.applyLifecycle(h, ev)
}

func (c *Controller) applyLifecycle(h *handle, ev messaging.Event) {
	unlock := c.locks.Lock(h.ref.SubaccountID)
	defer unlock()

	if !c.registry.current(h) {
		zap.L().Debug("session: dropping event from superseded client",
			zap.Int64("session_id", h.ref.SessionID),
			zap.String("event", string(ev.Kind)))
		return
	}

	update, upsertMap, detail, ok := c.transition(h, ev)
	if !ok {
		return
	}
	if !domain.CanTransition(h.status, update.Status) {
		zap.L().Warn("session: ignoring invalid transition",
			zap.Int64("session_id", h.ref.SessionID),
			zap.String("from", string(h.status)),
			zap.String("to", string(update.Status)))
		return
	}

	h.status = update.Status
	if h.pending != nil {
		merged := h.pending.Merge(update)
		h.pending = &merged
	} else {
		h.pending = &update
	}
	h.mapPending = h.mapPending || upsertMap
	c.flush(h)

	if update.Status.Terminal() {
		// no later event will retry the write once the handle is gone
		for attempt := 1; h.pending != nil && attempt < terminalWriteAttempts; attempt++ {
			time.Sleep(time.Duration(attempt) * terminalRetryDelay)
			c.flush(h)
		}
		c.registry.release(h)
		h.close()
		h.client.Destroy()
	}
	c.publish(h.ref, update.Status, detail)
}

// transition maps a client event onto the session write it implies.
func (c *Controller) transition(h *handle, ev messaging.Event) (update domain.SessionUpdate, upsertMap bool, detail string, ok bool) {
	switch ev.Kind {
	case messaging.EventPairingCode:
		payload, err := c.render(ev.Code)
		if err != nil {
			zap.L().Error("session: render pairing code", zap.Int64("session_id", h.ref.SessionID), zap.Error(err))
			return update, false, "", false
		}
		update = domain.SessionUpdate{Status: domain.SessionQR, QR: &payload}
		// rotated codes keep the original pairing start
		if h.status != domain.SessionQR {
			now := time.Now()
			update.QRSince = &now
		}
		return update, false, "pairing code issued", true

	case messaging.EventReady:
		number := phone.FromNetworkAddress(ev.Identity)
		update = domain.SessionUpdate{Status: domain.SessionReady, ClearQR: true, PhoneNumber: &number}
		if ev.Device != "" {
			device := ev.Device
			update.DeviceJID = &device
		}
		return update, true, number, true

	case messaging.EventDisconnected:
		return domain.SessionUpdate{Status: domain.SessionDisconnected, ClearQR: true}, false, ev.Reason, true

	case messaging.EventAuthFailure:
		return domain.SessionUpdate{Status: domain.SessionAuthFailure, ClearQR: true}, false, ev.Reason, true
	}
	zap.L().Warn("session: unknown event", zap.String("event", string(ev.Kind)))
	return update, false, "", false
}

// flush writes the pending state of h. Whatever fails stays pending and is
// retried before the next event of the session.
func (c *Controller) flush(h *handle) {
	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()

	if h.pending != nil {
		if err := c.store.Sessions.Update(ctx, h.ref.SessionID, *h.pending); err != nil {
			zap.L().Error("session: status write failed, retrying on next event",
				zap.Int64("session_id", h.ref.SessionID),
				zap.String("status", string(h.pending.Status)),
				zap.Error(err))
		} else {
			h.pending = nil
		}
	}

	if h.mapPending {
		err := c.store.LocationMaps.Upsert(ctx, &domain.LocationSessionMap{
			UserID:       h.ref.UserID,
			SubaccountID: h.ref.SubaccountID,
			LocationID:   h.ref.LocationID,
			SessionID:    h.ref.SessionID,
		})
		if err != nil {
			zap.L().Error("session: location map upsert failed, retrying on next event",
				zap.Int64("session_id", h.ref.SessionID),
				zap.String("location_id", h.ref.LocationID),
				zap.Error(err))
		} else {
			h.mapPending = false
		}
	}
}

func (c *Controller) publish(ref domain.SessionRef, status domain.SessionStatus, detail string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(TopicStatusChanged, StatusChange{Ref: ref, Status: status, Detail: detail, At: time.Now()})
}

// GetStatus reports the current session of a location without any
// authentication. A location without sessions yields the no_session view.
func (c *Controller) GetStatus(ctx context.Context, locationID string) (*StatusView, error) {
	sub, err := c.store.Subaccounts.GetByLocation(ctx, locationID)
	if err != nil {
		return nil, err
	}
	sess, err := c.store.Sessions.Latest(ctx, sub.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return &StatusView{Status: domain.SessionNone}, nil
	}
	if err != nil {
		return nil, err
	}
	id := strconv.FormatInt(sess.ID, 10)
	return &StatusView{
		SessionID:   &id,
		Status:      sess.Status,
		QR:          sess.QR,
		PhoneNumber: sess.PhoneNumber,
		CreatedAt:   &sess.CreatedAt,
		UpdatedAt:   &sess.UpdatedAt,
	}, nil
}

// Delete removes the current session of a location together with its
// location mapping and stops its client.
func (c *Controller) Delete(ctx context.Context, tenantID, locationID string) error {
	if err := c.guard.RequireLocation(ctx, tenantID, locationID); err != nil {
		return err
	}
	sub, err := c.store.Subaccounts.GetByLocation(ctx, locationID)
	if err != nil {
		return err
	}

	unlock := c.locks.Lock(sub.ID)
	defer unlock()

	sess, err := c.store.Sessions.Latest(ctx, sub.ID)
	if err != nil {
		return err
	}
	c.terminate(sess.ID)
	if err := c.store.Sessions.Delete(ctx, sess.ID); err != nil {
		return err
	}
	zap.L().Info("session: deleted", zap.Int64("session_id", sess.ID), zap.String("location_id", locationID))
	return nil
}

// DeleteSubaccount stops the live clients of a subaccount and removes it
// with its sessions, mappings, messages and installations. Both steps hold
// the subaccount lock, so a concurrent create either finishes first and is
// torn down, or finds the subaccount gone.
func (c *Controller) DeleteSubaccount(ctx context.Context, subaccountID int64) error {
	unlock := c.locks.Lock(subaccountID)
	defer unlock()

	for _, h := range c.registry.removeSubaccount(subaccountID) {
		h.close()
		if h.client != nil {
			h.client.Destroy()
		}
	}
	if err := c.store.Subaccounts.Delete(ctx, subaccountID); err != nil {
		return err
	}
	zap.L().Info("session: subaccount deleted", zap.Int64("subaccount_id", subaccountID))
	return nil
}

// ListForTenant returns every session of a tenant with its location.
func (c *Controller) ListForTenant(ctx context.Context, tenantID string) ([]*domain.SessionWithSubaccount, error) {
	return c.store.Sessions.ListByUser(ctx, tenantID)
}

// ExpirePairing disconnects sessions that have stayed in qr for longer
// than ttl, however often the code rotated. A zero ttl disables expiry.
func (c *Controller) ExpirePairing(ctx context.Context, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		return 0, nil
	}
	stale, err := c.store.Sessions.ListPairingBefore(ctx, time.Now().Add(-ttl))
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, s := range stale {
		if c.expireOne(ctx, s, ttl) {
			expired++
		}
	}
	return expired, nil
}

func (c *Controller) expireOne(ctx context.Context, s *domain.Session, ttl time.Duration) bool {
	unlock := c.locks.Lock(s.SubaccountID)
	defer unlock()

	// the row may have moved on while waiting for the lock
	cur, err := c.store.Sessions.GetByID(ctx, s.ID)
	if err != nil || cur.Status != domain.SessionQR || time.Since(pairingStart(cur)) < ttl {
		return false
	}
	c.terminate(cur.ID)
	if err := c.store.Sessions.Update(ctx, cur.ID, domain.SessionUpdate{Status: domain.SessionDisconnected, ClearQR: true}); err != nil {
		zap.L().Error("session: expire pairing", zap.Int64("session_id", cur.ID), zap.Error(err))
		return false
	}
	ref := domain.SessionRef{SessionID: cur.ID, UserID: cur.UserID, SubaccountID: cur.SubaccountID}
	if sub, err := c.store.Subaccounts.GetByID(ctx, cur.SubaccountID); err == nil {
		ref.LocationID = sub.LocationID
	}
	c.publish(ref, domain.SessionDisconnected, "pairing expired")
	zap.L().Info("session: pairing expired", zap.Int64("session_id", cur.ID), zap.Duration("ttl", ttl))
	return true
}

func pairingStart(s *domain.Session) time.Time {
	if s.QRSince != nil {
		return *s.QRSince
	}
	return s.UpdatedAt
}

// Close destroys every live client.
func (c *Controller) Close() {
	for _, h := range c.registry.drain() {
		h.close()
		if h.client != nil {
			h.client.Destroy()
		}
	}
	c.cancel()
}
