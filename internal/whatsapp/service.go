// Package whatsapp implements the messaging client contract on top of
// whatsmeow. Linked devices live in whatsmeow's sqlstore, sharing the
// application database.
package whatsapp

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/talkincode/wabridge/internal/messaging"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waTypes "go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"
)

const mediaFetchTimeout = 30 * time.Second

// Factory builds whatsmeow clients backed by a shared device store.
type Factory struct {
	container *sqlstore.Container
	http      *resty.Client
	debug     bool
}

var _ messaging.Factory = (*Factory)(nil)

// Dialect maps the application database type to a sqlstore dialect.
func Dialect(dbType string) string {
	switch strings.ToLower(strings.TrimSpace(dbType)) {
	case "sqlite", "sqlite3":
		return "sqlite3"
	default:
		return "postgres"
	}
}

// NewFactory prepares the device store on sqlDB and upgrades its schema.
func NewFactory(ctx context.Context, sqlDB *sql.DB, dialect string, debug bool) (*Factory, error) {
	if dialect == "sqlite3" {
		// sqlstore migrations need foreign keys
		if _, err := sqlDB.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
			zap.L().Warn("whatsapp: unable to enable sqlite foreign_keys pragma", zap.Error(err))
		}
	}
	container := sqlstore.NewWithDB(sqlDB, dialect, newLogger("whatsmeow.store", debug))
	if err := container.Upgrade(ctx); err != nil {
		return nil, errors.Wrap(err, "sqlstore upgrade")
	}
	store.DeviceProps.Os = stringPtr("wabridge")

	httpClient := resty.New().
		SetTimeout(mediaFetchTimeout).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(10))
	zap.L().Info("whatsapp: device store ready", zap.String("dialect", dialect))
	return &Factory{container: container, http: httpClient, debug: debug}, nil
}

// NewClient builds a client for one session. A known device JID resumes
// the linked device; otherwise a fresh device is created and paired.
func (f *Factory) NewClient(ctx context.Context, opts messaging.Options, emit messaging.Emitter) (messaging.Client, error) {
	device, resumed, err := f.device(ctx, opts.DeviceJID)
	if err != nil {
		return nil, err
	}
	wa := whatsmeow.NewClient(device, newLogger("whatsmeow.client", f.debug))
	wa.EnableAutoReconnect = true

	c := &Client{
		sessionID: opts.SessionID,
		emit:      emit,
		factory:   f,
		wa:        wa,
	}
	c.handlerID = wa.AddEventHandler(c.handleEvent)
	zap.L().Info("whatsapp: client created",
		zap.Int64("session_id", opts.SessionID),
		zap.Bool("resumed", resumed))
	return c, nil
}

func (f *Factory) device(ctx context.Context, deviceJID string) (*store.Device, bool, error) {
	if deviceJID != "" {
		jid, err := waTypes.ParseJID(deviceJID)
		if err != nil {
			zap.L().Warn("whatsapp: ignoring unparsable device jid", zap.String("jid", deviceJID), zap.Error(err))
		} else {
			dev, err := f.container.GetDevice(ctx, jid)
			if err != nil {
				return nil, false, errors.Wrap(err, "load device")
			}
			if dev != nil {
				return dev, true, nil
			}
		}
	}
	return f.container.NewDevice(), false, nil
}

func stringPtr(s string) *string {
	return &s
}
