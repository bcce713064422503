package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/wabridge/internal/auth"
	"github.com/talkincode/wabridge/internal/domain"
	"github.com/talkincode/wabridge/internal/messaging"
	"github.com/talkincode/wabridge/internal/repository"
	"github.com/talkincode/wabridge/internal/repository/repotest"
)

type fakeClient struct {
	opts      messaging.Options
	emit      messaging.Emitter
	factory   *fakeFactory
	initOnce  sync.Once
	initDone  chan struct{}
	destroyed atomic.Bool
}

func (c *fakeClient) Initialize(ctx context.Context) error {
	c.initOnce.Do(func() { close(c.initDone) })
	return nil
}

func (c *fakeClient) Send(ctx context.Context, address string, content messaging.Content) (string, error) {
	return "net-" + address, nil
}

func (c *fakeClient) Destroy() {
	if c.destroyed.CompareAndSwap(false, true) {
		c.factory.live.Add(-1)
	}
}

type fakeFactory struct {
	mu      sync.Mutex
	clients []*fakeClient
	live    atomic.Int32
	maxLive atomic.Int32
	fail    error
}

func (f *fakeFactory) NewClient(ctx context.Context, opts messaging.Options, emit messaging.Emitter) (messaging.Client, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	c := &fakeClient{opts: opts, emit: emit, factory: f, initDone: make(chan struct{})}
	n := f.live.Add(1)
	for {
		max := f.maxLive.Load()
		if n <= max || f.maxLive.CompareAndSwap(max, n) {
			break
		}
	}
	f.mu.Lock()
	f.clients = append(f.clients, c)
	f.mu.Unlock()
	return c, nil
}

func (f *fakeFactory) last() *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clients[len(f.clients)-1]
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

type recordingInbound struct {
	mu   sync.Mutex
	refs []domain.SessionRef
	ids  []string
}

func (r *recordingInbound) HandleInbound(ctx context.Context, ref domain.SessionRef, msg *messaging.InboundMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs = append(r.refs, ref)
	r.ids = append(r.ids, msg.ID)
}

func (r *recordingInbound) received() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

// flakySessions fails the next n status writes.
type flakySessions struct {
	repository.SessionRepository
	failNext atomic.Int32
}

func (f *flakySessions) Update(ctx context.Context, id int64, u domain.SessionUpdate) error {
	if f.failNext.Load() > 0 {
		f.failNext.Add(-1)
		return errors.Wrap(domain.ErrPersistence, "injected")
	}
	return f.SessionRepository.Update(ctx, id, u)
}

type fixture struct {
	store    *repository.Store
	sessions *flakySessions
	registry *Registry
	ctrl     *Controller
	factory  *fakeFactory
	inbound  *recordingInbound
	sub      *domain.Subaccount
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store := repository.NewGormStore(repotest.NewDB(t))
	sessions := &flakySessions{SessionRepository: store.Sessions}
	store.Sessions = sessions

	sub := &domain.Subaccount{UserID: "u1", LocationID: "loc-1", Name: "Main"}
	require.NoError(t, store.Subaccounts.Create(context.Background(), sub))

	f := &fixture{
		store:    store,
		sessions: sessions,
		registry: NewRegistry(),
		factory:  &fakeFactory{},
		inbound:  &recordingInbound{},
		sub:      sub,
	}
	opts = append([]Option{WithRenderer(func(code string) (string, error) {
		return "data:image/png;base64," + code, nil
	})}, opts...)
	f.ctrl = NewController(store, f.registry, f.factory, auth.NewGuard(store.Subaccounts), f.inbound, opts...)
	t.Cleanup(f.ctrl.Close)
	return f
}

func (f *fixture) waitSession(t *testing.T, id int64, cond func(*domain.Session) bool) *domain.Session {
	t.Helper()
	var last *domain.Session
	require.Eventually(t, func() bool {
		s, err := f.store.Sessions.GetByID(context.Background(), id)
		if err != nil {
			return false
		}
		last = s
		return cond(s)
	}, 3*time.Second, 10*time.Millisecond)
	return last
}

func statusIs(status domain.SessionStatus) func(*domain.Session) bool {
	return func(s *domain.Session) bool { return s.Status == status }
}

func TestCreateFreshSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.ctrl.CreateOrRestart(ctx, "u1", "loc-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionInitializing, sess.Status)

	stored, err := f.store.Sessions.Latest(ctx, f.sub.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, stored.ID)
	assert.Equal(t, domain.SessionInitializing, stored.Status)
	assert.Nil(t, stored.QR)
	assert.Equal(t, 1, f.registry.Len())

	select {
	case <-f.factory.last().initDone:
	case <-time.After(2 * time.Second):
		t.Fatal("client was never initialized")
	}
}

func TestCreateAgainReusesSessionRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.ctrl.CreateOrRestart(ctx, "u1", "loc-1")
	require.NoError(t, err)
	firstClient := f.factory.last()
	firstClient.emit(messaging.Event{Kind: messaging.EventPairingCode, Code: "abc"})
	qr := f.waitSession(t, first.ID, statusIs(domain.SessionQR))
	require.NotNil(t, qr.QR)
	assert.Equal(t, "data:image/png;base64,abc", *qr.QR)

	second, err := f.ctrl.CreateOrRestart(ctx, "u1", "loc-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	stored, err := f.store.Sessions.GetByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionInitializing, stored.Status)
	assert.Nil(t, stored.QR)

	assert.True(t, firstClient.destroyed.Load())
	assert.Equal(t, 2, f.factory.count())
	assert.Equal(t, 1, f.registry.Len())
	live, ok := f.ctrl.Client(first.ID)
	require.True(t, ok)
	assert.Same(t, f.factory.last(), live)
}

func TestPairingCodesOverwrite(t *testing.T) {
	f := newFixture(t)
	sess, err := f.ctrl.CreateOrRestart(context.Background(), "u1", "loc-1")
	require.NoError(t, err)

	c := f.factory.last()
	c.emit(messaging.Event{Kind: messaging.EventPairingCode, Code: "one"})
	c.emit(messaging.Event{Kind: messaging.EventPairingCode, Code: "two"})
	f.waitSession(t, sess.ID, func(s *domain.Session) bool {
		return s.QR != nil && *s.QR == "data:image/png;base64,two"
	})
}

func TestReadyReplacesLocationMapping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.LocationMaps.Upsert(ctx, &domain.LocationSessionMap{
		UserID: "u1", SubaccountID: f.sub.ID, LocationID: "loc-1", SessionID: 999,
	}))

	sess, err := f.ctrl.CreateOrRestart(ctx, "u1", "loc-1")
	require.NoError(t, err)
	c := f.factory.last()
	c.emit(messaging.Event{Kind: messaging.EventPairingCode, Code: "abc"})
	c.emit(messaging.Event{Kind: messaging.EventReady, Identity: "12015550123@s.whatsapp.net", Device: "12015550123:7@s.whatsapp.net"})

	ready := f.waitSession(t, sess.ID, statusIs(domain.SessionReady))
	assert.Nil(t, ready.QR)
	require.NotNil(t, ready.PhoneNumber)
	assert.Equal(t, "+12015550123", *ready.PhoneNumber)
	require.NotNil(t, ready.DeviceJID)
	assert.Equal(t, "12015550123:7@s.whatsapp.net", *ready.DeviceJID)

	require.Eventually(t, func() bool {
		m, err := f.store.LocationMaps.GetByLocation(ctx, "loc-1")
		return err == nil && m.SessionID == sess.ID
	}, 3*time.Second, 10*time.Millisecond)
	old, err := f.store.LocationMaps.ListBySession(ctx, 999)
	require.NoError(t, err)
	assert.Empty(t, old)
}

func TestRestartResumesLinkedDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.ctrl.CreateOrRestart(ctx, "u1", "loc-1")
	require.NoError(t, err)
	f.factory.last().emit(messaging.Event{Kind: messaging.EventReady, Identity: "12015550123", Device: "12015550123:7@s.whatsapp.net"})
	f.waitSession(t, sess.ID, statusIs(domain.SessionReady))

	_, err = f.ctrl.CreateOrRestart(ctx, "u1", "loc-1")
	require.NoError(t, err)
	assert.Equal(t, "12015550123:7@s.whatsapp.net", f.factory.last().opts.DeviceJID)
}

func TestTerminalEventsReleaseHandle(t *testing.T) {
	for _, tc := range []struct {
		kind   messaging.EventKind
		status domain.SessionStatus
	}{
		{messaging.EventDisconnected, domain.SessionDisconnected},
		{messaging.EventAuthFailure, domain.SessionAuthFailure},
	} {
		t.Run(string(tc.kind), func(t *testing.T) {
			f := newFixture(t)
			sess, err := f.ctrl.CreateOrRestart(context.Background(), "u1", "loc-1")
			require.NoError(t, err)
			c := f.factory.last()
			c.emit(messaging.Event{Kind: messaging.EventPairingCode, Code: "abc"})
			c.emit(messaging.Event{Kind: tc.kind, Reason: "test"})

			got := f.waitSession(t, sess.ID, statusIs(tc.status))
			assert.Nil(t, got.QR)
			require.Eventually(t, func() bool { return f.registry.Len() == 0 }, time.Second, 5*time.Millisecond)
			assert.True(t, c.destroyed.Load())
			_, ok := f.ctrl.Client(sess.ID)
			assert.False(t, ok)
		})
	}
}

func TestEventsFromSupersededClientAreDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.ctrl.CreateOrRestart(ctx, "u1", "loc-1")
	require.NoError(t, err)
	stale := f.factory.last()

	_, err = f.ctrl.CreateOrRestart(ctx, "u1", "loc-1")
	require.NoError(t, err)
	fresh := f.factory.last()

	stale.emit(messaging.Event{Kind: messaging.EventReady, Identity: "12015550123"})
	stale.emit(messaging.Event{Kind: messaging.EventDisconnected, Reason: "closed"})
	fresh.emit(messaging.Event{Kind: messaging.EventPairingCode, Code: "fresh"})

	got := f.waitSession(t, sess.ID, statusIs(domain.SessionQR))
	assert.Nil(t, got.PhoneNumber)
	assert.Equal(t, 1, f.registry.Len())
	assert.False(t, fresh.destroyed.Load())
}

func TestInvalidTransitionIgnored(t *testing.T) {
	f := newFixture(t)
	sess, err := f.ctrl.CreateOrRestart(context.Background(), "u1", "loc-1")
	require.NoError(t, err)
	c := f.factory.last()
	c.emit(messaging.Event{Kind: messaging.EventReady, Identity: "12015550123"})
	f.waitSession(t, sess.ID, statusIs(domain.SessionReady))

	// a linked client never goes back to showing a pairing code
	c.emit(messaging.Event{Kind: messaging.EventPairingCode, Code: "late"})
	c.emit(messaging.Event{Kind: messaging.EventMessage, Message: &messaging.InboundMessage{ID: "sync"}})
	require.Eventually(t, func() bool { return len(f.inbound.received()) == 1 }, 3*time.Second, 10*time.Millisecond)

	got, err := f.store.Sessions.GetByID(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionReady, got.Status)
	assert.Nil(t, got.QR)
}

func TestFailedWriteRetriedOnNextEvent(t *testing.T) {
	f := newFixture(t)
	sess, err := f.ctrl.CreateOrRestart(context.Background(), "u1", "loc-1")
	require.NoError(t, err)
	c := f.factory.last()

	f.sessions.failNext.Store(1)
	c.emit(messaging.Event{Kind: messaging.EventPairingCode, Code: "abc"})
	c.emit(messaging.Event{Kind: messaging.EventMessage, Message: &messaging.InboundMessage{ID: "m1"}})

	require.Eventually(t, func() bool { return len(f.inbound.received()) == 1 }, 3*time.Second, 10*time.Millisecond)
	got, err := f.store.Sessions.GetByID(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionQR, got.Status)
	require.NotNil(t, got.QR)
}

func TestFailedWriteMergedIntoNextTransition(t *testing.T) {
	f := newFixture(t)
	sess, err := f.ctrl.CreateOrRestart(context.Background(), "u1", "loc-1")
	require.NoError(t, err)
	c := f.factory.last()

	f.sessions.failNext.Store(1)
	c.emit(messaging.Event{Kind: messaging.EventReady, Identity: "12015550123"})
	c.emit(messaging.Event{Kind: messaging.EventDisconnected, Reason: "logged out"})

	got := f.waitSession(t, sess.ID, statusIs(domain.SessionDisconnected))
	require.NotNil(t, got.PhoneNumber)
	assert.Equal(t, "+12015550123", *got.PhoneNumber)
}

func TestTerminalWriteRetriedBeforeTeardown(t *testing.T) {
	f := newFixture(t)
	sess, err := f.ctrl.CreateOrRestart(context.Background(), "u1", "loc-1")
	require.NoError(t, err)
	c := f.factory.last()
	c.emit(messaging.Event{Kind: messaging.EventReady, Identity: "12015550123"})
	f.waitSession(t, sess.ID, statusIs(domain.SessionReady))

	f.sessions.failNext.Store(terminalWriteAttempts - 1)
	c.emit(messaging.Event{Kind: messaging.EventDisconnected, Reason: "logged out"})

	got := f.waitSession(t, sess.ID, statusIs(domain.SessionDisconnected))
	assert.Nil(t, got.QR)
	require.Eventually(t, func() bool { return c.destroyed.Load() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, f.registry.Len())
	assert.Zero(t, f.sessions.failNext.Load())
}

func TestInboundMessagesKeepEmissionOrder(t *testing.T) {
	f := newFixture(t)
	sess, err := f.ctrl.CreateOrRestart(context.Background(), "u1", "loc-1")
	require.NoError(t, err)
	c := f.factory.last()

	var want []string
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("m%02d", i)
		want = append(want, id)
		c.emit(messaging.Event{Kind: messaging.EventMessage, Message: &messaging.InboundMessage{ID: id}})
	}
	require.Eventually(t, func() bool { return len(f.inbound.received()) == len(want) }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, want, f.inbound.received())

	f.inbound.mu.Lock()
	ref := f.inbound.refs[0]
	f.inbound.mu.Unlock()
	assert.Equal(t, domain.SessionRef{SessionID: sess.ID, UserID: "u1", SubaccountID: f.sub.ID, LocationID: "loc-1"}, ref)
}

func TestCreateForbiddenForOtherTenant(t *testing.T) {
	f := newFixture(t)
	_, err := f.ctrl.CreateOrRestart(context.Background(), "intruder", "loc-1")
	assert.ErrorIs(t, err, domain.ErrForbidden)
	assert.Equal(t, 0, f.factory.count())

	_, err = f.store.Sessions.Latest(context.Background(), f.sub.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCreateClientFailure(t *testing.T) {
	f := newFixture(t)
	f.factory.fail = errors.New("store unavailable")

	_, err := f.ctrl.CreateOrRestart(context.Background(), "u1", "loc-1")
	assert.ErrorIs(t, err, domain.ErrClientUnavailable)
	assert.Equal(t, 0, f.registry.Len())

	stored, err := f.store.Sessions.Latest(context.Background(), f.sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionAuthFailure, stored.Status)
}

func TestGetStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ctrl.GetStatus(ctx, "unknown")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	view, err := f.ctrl.GetStatus(ctx, "loc-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionNone, view.Status)
	assert.Nil(t, view.SessionID)
	assert.Nil(t, view.QR)
	assert.Nil(t, view.PhoneNumber)

	sess, err := f.ctrl.CreateOrRestart(ctx, "u1", "loc-1")
	require.NoError(t, err)
	f.factory.last().emit(messaging.Event{Kind: messaging.EventPairingCode, Code: "abc"})
	f.waitSession(t, sess.ID, statusIs(domain.SessionQR))

	view, err = f.ctrl.GetStatus(ctx, "loc-1")
	require.NoError(t, err)
	require.NotNil(t, view.SessionID)
	assert.Equal(t, fmt.Sprint(sess.ID), *view.SessionID)
	assert.Equal(t, domain.SessionQR, view.Status)
	require.NotNil(t, view.QR)
}

func TestDeleteWithoutSession(t *testing.T) {
	f := newFixture(t)
	err := f.ctrl.Delete(context.Background(), "u1", "loc-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, 0, f.factory.count())

	err = f.ctrl.Delete(context.Background(), "intruder", "loc-1")
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestDeleteRemovesMappingAndHandle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.ctrl.CreateOrRestart(ctx, "u1", "loc-1")
	require.NoError(t, err)
	c := f.factory.last()
	c.emit(messaging.Event{Kind: messaging.EventReady, Identity: "12015550123"})
	require.Eventually(t, func() bool {
		_, err := f.store.LocationMaps.GetByLocation(ctx, "loc-1")
		return err == nil
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, f.ctrl.Delete(ctx, "u1", "loc-1"))

	assert.Equal(t, 0, f.registry.Len())
	assert.True(t, c.destroyed.Load())
	_, err = f.store.Sessions.GetByID(ctx, sess.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	maps, err := f.store.LocationMaps.ListBySession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, maps)

	view, err := f.ctrl.GetStatus(ctx, "loc-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionNone, view.Status)
}

func TestCloseDestroysClients(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ctrl.CreateOrRestart(ctx, "u1", "loc-1")
	require.NoError(t, err)
	c := f.factory.last()
	require.Equal(t, 1, f.registry.Len())

	f.ctrl.Close()

	assert.Equal(t, 0, f.registry.Len())
	assert.True(t, c.destroyed.Load())
	assert.Equal(t, int32(0), f.factory.live.Load())
}

func TestDeleteSubaccountWaitsForLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ctrl.CreateOrRestart(ctx, "u1", "loc-1")
	require.NoError(t, err)
	c := f.factory.last()

	unlock := f.ctrl.locks.Lock(f.sub.ID)
	done := make(chan error, 1)
	go func() { done <- f.ctrl.DeleteSubaccount(ctx, f.sub.ID) }()
	select {
	case <-done:
		t.Fatal("delete ran while the subaccount was locked")
	case <-time.After(20 * time.Millisecond):
	}
	assert.False(t, c.destroyed.Load())
	unlock()

	require.NoError(t, <-done)
	assert.True(t, c.destroyed.Load())
	assert.Equal(t, 0, f.registry.Len())
	_, err = f.store.Subaccounts.GetByID(ctx, f.sub.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.ctrl.CreateOrRestart(ctx, "u1", "loc-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, 0, f.registry.Len())
}

func TestDeleteSubaccountRacingCreateLeavesNoClient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		location := fmt.Sprintf("race-%d", i)
		sub := &domain.Subaccount{UserID: "u1", LocationID: location, Name: location}
		require.NoError(t, f.store.Subaccounts.Create(ctx, sub))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = f.ctrl.CreateOrRestart(ctx, "u1", location)
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, f.ctrl.DeleteSubaccount(ctx, sub.ID))
		}()
		wg.Wait()

		assert.Equal(t, 0, f.registry.Len(), "iteration %d", i)
		_, err := f.store.Sessions.Latest(ctx, sub.ID)
		assert.ErrorIs(t, err, domain.ErrNotFound, "iteration %d", i)
	}
	assert.Equal(t, int32(0), f.factory.live.Load())
}

func TestConcurrentCreatesKeepOneLiveClient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const callers = 16
	ids := make([]int64, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, err := f.ctrl.CreateOrRestart(ctx, "u1", "loc-1")
			if assert.NoError(t, err) {
				ids[i] = sess.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, int32(1), f.factory.maxLive.Load())
	assert.Equal(t, int32(1), f.factory.live.Load())
	assert.Equal(t, 1, f.registry.Len())

	sessions, err := f.store.Sessions.ListByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestExpirePairing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	n, err := f.ctrl.ExpirePairing(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n)

	sess, err := f.ctrl.CreateOrRestart(ctx, "u1", "loc-1")
	require.NoError(t, err)
	c := f.factory.last()
	c.emit(messaging.Event{Kind: messaging.EventPairingCode, Code: "abc"})
	f.waitSession(t, sess.ID, statusIs(domain.SessionQR))

	n, err = f.ctrl.ExpirePairing(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	time.Sleep(20 * time.Millisecond)
	n, err = f.ctrl.ExpirePairing(ctx, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.store.Sessions.GetByID(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionDisconnected, got.Status)
	assert.Nil(t, got.QR)
	assert.Equal(t, 0, f.registry.Len())
	assert.True(t, c.destroyed.Load())
}

func TestExpirePairingIgnoresCodeRotation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.ctrl.CreateOrRestart(ctx, "u1", "loc-1")
	require.NoError(t, err)
	c := f.factory.last()
	c.emit(messaging.Event{Kind: messaging.EventPairingCode, Code: "code-0"})
	first := f.waitSession(t, sess.ID, statusIs(domain.SessionQR))
	require.NotNil(t, first.QRSince)
	since := *first.QRSince

	const ttl = 150 * time.Millisecond
	deadline := time.Now().Add(3 * ttl)
	for i := 1; time.Now().Before(deadline); i++ {
		code := fmt.Sprintf("code-%d", i)
		c.emit(messaging.Event{Kind: messaging.EventPairingCode, Code: code})
		f.waitSession(t, sess.ID, func(s *domain.Session) bool {
			return s.QR != nil && *s.QR == "data:image/png;base64,"+code
		})
		time.Sleep(ttl / 3)
	}

	rotated, err := f.store.Sessions.GetByID(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, rotated.QRSince)
	assert.True(t, since.Equal(*rotated.QRSince))
	assert.True(t, rotated.UpdatedAt.After(since))

	n, err := f.ctrl.ExpirePairing(ctx, ttl)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.store.Sessions.GetByID(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionDisconnected, got.Status)
	assert.Nil(t, got.QR)
	assert.Nil(t, got.QRSince)
	assert.True(t, c.destroyed.Load())
}

func TestStatusChangesPublished(t *testing.T) {
	bus := EventBus.New()
	var mu sync.Mutex
	var seen []domain.SessionStatus
	require.NoError(t, bus.Subscribe(TopicStatusChanged, func(ev StatusChange) {
		mu.Lock()
		seen = append(seen, ev.Status)
		mu.Unlock()
	}))

	f := newFixture(t, WithBus(bus))
	sess, err := f.ctrl.CreateOrRestart(context.Background(), "u1", "loc-1")
	require.NoError(t, err)
	c := f.factory.last()
	c.emit(messaging.Event{Kind: messaging.EventPairingCode, Code: "abc"})
	c.emit(messaging.Event{Kind: messaging.EventReady, Identity: "12015550123"})
	f.waitSession(t, sess.ID, statusIs(domain.SessionReady))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []domain.SessionStatus{domain.SessionInitializing, domain.SessionQR, domain.SessionReady}, seen)
}

func TestKeyedMutexCleansUp(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock(1)
	assert.Equal(t, 1, k.size())

	acquired := make(chan struct{})
	go func() {
		u := k.Lock(1)
		close(acquired)
		u()
	}()
	select {
	case <-acquired:
		t.Fatal("second holder acquired a held key")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	<-acquired
	require.Eventually(t, func() bool { return k.size() == 0 }, time.Second, time.Millisecond)
}
