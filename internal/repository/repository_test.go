package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/wabridge/internal/domain"
	"github.com/talkincode/wabridge/internal/repository/repotest"
)

func seedSubaccount(t *testing.T, store *Store, user, location string) *domain.Subaccount {
	t.Helper()
	sub := &domain.Subaccount{UserID: user, LocationID: location, Name: "Location " + location}
	require.NoError(t, store.Subaccounts.Create(context.Background(), sub))
	return sub
}

func TestLatestSessionOrdering(t *testing.T) {
	ctx := context.Background()
	store := NewGormStore(repotest.NewDB(t))
	sub := seedSubaccount(t, store, "u1", "loc-1")

	_, err := store.Sessions.Latest(ctx, sub.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	base := time.Now().Add(-time.Hour)
	older := &domain.Session{UserID: "u1", SubaccountID: sub.ID, Status: domain.SessionReady, CreatedAt: base}
	newer := &domain.Session{UserID: "u1", SubaccountID: sub.ID, Status: domain.SessionQR, CreatedAt: base.Add(time.Minute)}
	// created out of order: the timestamp decides, not insertion order
	require.NoError(t, store.Sessions.Create(ctx, newer))
	require.NoError(t, store.Sessions.Create(ctx, older))

	got, err := store.Sessions.Latest(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, newer.ID, got.ID)

	// equal timestamps fall back to the highest id
	tie := &domain.Session{UserID: "u1", SubaccountID: sub.ID, Status: domain.SessionInitializing, CreatedAt: newer.CreatedAt}
	require.NoError(t, store.Sessions.Create(ctx, tie))
	got, err = store.Sessions.Latest(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, tie.ID, got.ID)
}

func TestSessionUpdateColumns(t *testing.T) {
	ctx := context.Background()
	store := NewGormStore(repotest.NewDB(t))
	sub := seedSubaccount(t, store, "u1", "loc-1")
	sess := &domain.Session{UserID: "u1", SubaccountID: sub.ID, Status: domain.SessionInitializing}
	require.NoError(t, store.Sessions.Create(ctx, sess))

	qr := "data:image/png;base64,AAAA"
	require.NoError(t, store.Sessions.Update(ctx, sess.ID, domain.SessionUpdate{Status: domain.SessionQR, QR: &qr}))
	got, err := store.Sessions.GetByID(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionQR, got.Status)
	require.NotNil(t, got.QR)
	assert.Equal(t, qr, *got.QR)

	phone := "+12015550123"
	require.NoError(t, store.Sessions.Update(ctx, sess.ID, domain.SessionUpdate{Status: domain.SessionReady, ClearQR: true, PhoneNumber: &phone}))
	got, err = store.Sessions.GetByID(ctx, sess.ID)
	require.NoError(t, err)
	assert.Nil(t, got.QR)
	assert.Equal(t, phone, *got.PhoneNumber)

	err = store.Sessions.Update(ctx, 42, domain.SessionUpdate{Status: domain.SessionReady})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListPairingBefore(t *testing.T) {
	ctx := context.Background()
	store := NewGormStore(repotest.NewDB(t))
	sub := seedSubaccount(t, store, "u1", "loc-1")

	started := time.Now().Add(-time.Hour)
	qr := "data:image/png;base64,AAAA"
	stale := &domain.Session{UserID: "u1", SubaccountID: sub.ID, Status: domain.SessionInitializing}
	fresh := &domain.Session{UserID: "u1", SubaccountID: sub.ID, Status: domain.SessionInitializing}
	require.NoError(t, store.Sessions.Create(ctx, stale))
	require.NoError(t, store.Sessions.Create(ctx, fresh))
	require.NoError(t, store.Sessions.Update(ctx, stale.ID, domain.SessionUpdate{Status: domain.SessionQR, QR: &qr, QRSince: &started}))
	now := time.Now()
	require.NoError(t, store.Sessions.Update(ctx, fresh.ID, domain.SessionUpdate{Status: domain.SessionQR, QR: &qr, QRSince: &now}))

	// a rotated code touches updated_at but not the pairing start
	rotated := "data:image/png;base64,BBBB"
	require.NoError(t, store.Sessions.Update(ctx, stale.ID, domain.SessionUpdate{Status: domain.SessionQR, QR: &rotated}))

	got, err := store.Sessions.ListPairingBefore(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, stale.ID, got[0].ID)
	require.NotNil(t, got[0].QRSince)
	assert.WithinDuration(t, started, *got[0].QRSince, time.Second)

	require.NoError(t, store.Sessions.Update(ctx, stale.ID, domain.SessionUpdate{Status: domain.SessionDisconnected, ClearQR: true}))
	got, err = store.Sessions.ListPairingBefore(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, got)
	cleared, err := store.Sessions.GetByID(ctx, stale.ID)
	require.NoError(t, err)
	assert.Nil(t, cleared.QRSince)
}

func TestSessionUpdateMergeKeepsPairingStart(t *testing.T) {
	started := time.Now()
	a, b := "a", "b"
	merged := domain.SessionUpdate{Status: domain.SessionQR, QR: &a, QRSince: &started}.
		Merge(domain.SessionUpdate{Status: domain.SessionQR, QR: &b})
	require.NotNil(t, merged.QRSince)
	assert.Equal(t, started, *merged.QRSince)
	assert.Equal(t, "b", *merged.QR)

	merged = merged.Merge(domain.SessionUpdate{Status: domain.SessionReady, ClearQR: true})
	assert.Nil(t, merged.QRSince)
	assert.Nil(t, merged.QR)
}

func TestLocationMapUpsertReplaces(t *testing.T) {
	ctx := context.Background()
	store := NewGormStore(repotest.NewDB(t))

	require.NoError(t, store.LocationMaps.Upsert(ctx, &domain.LocationSessionMap{UserID: "u1", SubaccountID: 1, LocationID: "loc-1", SessionID: 10}))
	require.NoError(t, store.LocationMaps.Upsert(ctx, &domain.LocationSessionMap{UserID: "u1", SubaccountID: 1, LocationID: "loc-1", SessionID: 11}))

	m, err := store.LocationMaps.GetByLocation(ctx, "loc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(11), m.SessionID)

	old, err := store.LocationMaps.ListBySession(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, old)
}

func TestSessionDeleteCascades(t *testing.T) {
	ctx := context.Background()
	store := NewGormStore(repotest.NewDB(t))
	sub := seedSubaccount(t, store, "u1", "loc-1")
	sess := &domain.Session{UserID: "u1", SubaccountID: sub.ID, Status: domain.SessionReady}
	require.NoError(t, store.Sessions.Create(ctx, sess))
	require.NoError(t, store.LocationMaps.Upsert(ctx, &domain.LocationSessionMap{UserID: "u1", SubaccountID: sub.ID, LocationID: "loc-1", SessionID: sess.ID}))
	require.NoError(t, store.Messages.Create(ctx, &domain.Message{SessionID: sess.ID, UserID: "u1", SubaccountID: sub.ID, Direction: domain.DirectionIn}))
	require.NoError(t, store.EventLogs.Create(ctx, &domain.SessionEventLog{SessionID: sess.ID, SubaccountID: sub.ID, Status: domain.SessionReady}))

	require.NoError(t, store.Sessions.Delete(ctx, sess.ID))

	_, err := store.Sessions.GetByID(ctx, sess.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = store.LocationMaps.GetByLocation(ctx, "loc-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	msgs, err := store.Messages.ListBySession(ctx, sess.ID, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	logs, err := store.EventLogs.ListBySession(ctx, sess.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, logs)

	assert.ErrorIs(t, store.Sessions.Delete(ctx, sess.ID), domain.ErrNotFound)
}

func TestOwnership(t *testing.T) {
	ctx := context.Background()
	store := NewGormStore(repotest.NewDB(t))
	sub := seedSubaccount(t, store, "u1", "loc-1")

	owns, err := store.Subaccounts.Owns(ctx, "u1", OwnByLocationID, "loc-1")
	require.NoError(t, err)
	assert.True(t, owns)

	owns, err = store.Subaccounts.Owns(ctx, "u1", OwnBySubaccountID, sub.ID)
	require.NoError(t, err)
	assert.True(t, owns)

	owns, err = store.Subaccounts.Owns(ctx, "u2", OwnByLocationID, "loc-1")
	require.NoError(t, err)
	assert.False(t, owns)

	_, err = store.Subaccounts.Owns(ctx, "u1", OwnershipKey("name; drop table"), "x")
	assert.Error(t, err)
}

func TestConversationAndPaging(t *testing.T) {
	ctx := context.Background()
	store := NewGormStore(repotest.NewDB(t))
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Messages.Create(ctx, &domain.Message{
			SessionID: 1, UserID: "u1", SubaccountID: 2,
			FromNumber: "+12015550123", ToNumber: "+923001234567",
			Direction: domain.DirectionOut, CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, store.Messages.Create(ctx, &domain.Message{
		SessionID: 1, UserID: "u1", SubaccountID: 2,
		FromNumber: "+447400123456", ToNumber: "+12015550123",
		Direction: domain.DirectionIn, CreatedAt: base,
	}))

	page, err := store.Messages.ListBySession(ctx, 1, 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.True(t, page[0].CreatedAt.After(page[1].CreatedAt))

	conv, err := store.Messages.Conversation(ctx, 1, "+923001234567", 100, 0)
	require.NoError(t, err)
	assert.Len(t, conv, 5)

	bySub, err := store.Messages.ListBySubaccount(ctx, 2, 100, 0)
	require.NoError(t, err)
	assert.Len(t, bySub, 6)
}

func TestSubaccountDeleteCascades(t *testing.T) {
	ctx := context.Background()
	store := NewGormStore(repotest.NewDB(t))
	sub := seedSubaccount(t, store, "u1", "loc-1")
	sess := &domain.Session{UserID: "u1", SubaccountID: sub.ID, Status: domain.SessionReady}
	require.NoError(t, store.Sessions.Create(ctx, sess))
	require.NoError(t, store.Installations.Save(ctx, &domain.ProviderInstallation{UserID: "u1", SubaccountID: sub.ID, AccessToken: "t", ConversationProviderID: "p"}))

	require.NoError(t, store.Subaccounts.Delete(ctx, sub.ID))

	_, err := store.Sessions.Latest(ctx, sub.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = store.Installations.GetForSubaccount(ctx, "u1", sub.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, store.Subaccounts.Delete(ctx, sub.ID), domain.ErrNotFound)
}

func TestMarketplaceAccountUpsert(t *testing.T) {
	ctx := context.Background()
	store := NewGormStore(repotest.NewDB(t))
	require.NoError(t, store.Accounts.Upsert(ctx, &domain.MarketplaceAccount{UserID: "u1", CompanyID: "c1", AccessToken: "a"}))
	require.NoError(t, store.Accounts.Upsert(ctx, &domain.MarketplaceAccount{UserID: "u1", CompanyID: "c2", AccessToken: "b"}))

	acc, err := store.Accounts.GetByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "c2", acc.CompanyID)
	assert.Equal(t, "b", acc.AccessToken)
}
