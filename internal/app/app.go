package app

import (
	"context"
	"os"
	"runtime/debug"
	"time"
	_ "time/tzdata"

	"github.com/asaskevich/EventBus"
	"github.com/panjf2000/ants/v2"
	"github.com/robfig/cron/v3"
	"github.com/talkincode/wabridge/config"
	"github.com/talkincode/wabridge/internal/domain"
	"github.com/talkincode/wabridge/internal/relay"
	"github.com/talkincode/wabridge/internal/repository"
	"github.com/talkincode/wabridge/internal/session"
	"github.com/talkincode/wabridge/pkg/metrics"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
	"gorm.io/gorm"
)

type Application struct {
	appConfig *config.AppConfig
	gormDB    *gorm.DB
	store     *repository.Store
	sched     *cron.Cron
	bus       EventBus.Bus
	pool      *ants.Pool
}

// Ensure Application implements all interfaces
var (
	_ DBProvider        = (*Application)(nil)
	_ ConfigProvider    = (*Application)(nil)
	_ StoreProvider     = (*Application)(nil)
	_ SchedulerProvider = (*Application)(nil)
	_ BusProvider       = (*Application)(nil)
	_ PoolProvider      = (*Application)(nil)
	_ AppContext        = (*Application)(nil)
)

func NewApplication(appConfig *config.AppConfig) *Application {
	return &Application{appConfig: appConfig}
}

func (a *Application) Config() *config.AppConfig {
	return a.appConfig
}

func (a *Application) DB() *gorm.DB {
	return a.gormDB
}

func (a *Application) Store() *repository.Store {
	return a.store
}

// Scheduler returns the cron scheduler
func (a *Application) Scheduler() *cron.Cron {
	return a.sched
}

func (a *Application) Bus() EventBus.Bus {
	return a.bus
}

func (a *Application) Pool() *ants.Pool {
	return a.pool
}

// OverrideDB replaces the application's database handle (used in tests).
func (a *Application) OverrideDB(db *gorm.DB) {
	a.gormDB = db
	a.store = repository.NewGormStore(db)
}

// initLogger installs the global zap logger. With file output enabled the
// console core is teed with a rotated JSON file.
func initLogger(cfg *config.AppConfig) {
	var zapConfig zap.Config
	if cfg.Logger.Mode == "production" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}
	if cfg.System.Debug {
		zapConfig.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	zapConfig.OutputPaths = []string{"stdout"}

	var logger *zap.Logger
	if cfg.Logger.FileEnable {
		lumberJackLogger := &lumberjack.Logger{
			Filename:   cfg.Logger.Filename,
			MaxSize:    64,
			MaxBackups: 7,
			MaxAge:     7,
			Compress:   false,
		}

		core := zapcore.NewTee(
			zapcore.NewCore(
				zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
				zapcore.AddSync(lumberJackLogger),
				zapConfig.Level,
			),
			zapcore.NewCore(
				zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
				zapcore.AddSync(os.Stdout),
				zapConfig.Level,
			),
		)
		logger = zap.New(core, zap.AddCaller())
	} else {
		var err error
		logger, err = zapConfig.Build(zap.AddCaller())
		if err != nil {
			panic(err)
		}
	}
	zap.ReplaceGlobals(logger)
}

func (a *Application) Init(cfg *config.AppConfig) {
	loc, err := time.LoadLocation(cfg.System.Location)
	if err != nil {
		zap.S().Error("timezone config error")
	} else {
		time.Local = loc
	}

	initLogger(cfg)

	// Initialize metrics with workdir convention
	err = metrics.InitMetrics(cfg.System.Workdir)
	if err != nil {
		zap.S().Warn("Failed to initialize metrics:", err)
	}

	// Initialize database connection
	if cfg.Database.Type == "" {
		cfg.Database.Type = "postgres"
	}
	a.gormDB = getDatabase(cfg.Database, cfg.System.Workdir)
	zap.S().Infof("Database connection successful, type: %s", cfg.Database.Type)

	if err := a.MigrateDB(cfg.Database.Debug); err != nil {
		zap.S().Errorf("database migration failed: %v", err)
	}
	a.store = repository.NewGormStore(a.gormDB)

	workers := cfg.WhatsApp.ForwardWorkers
	if workers <= 0 {
		workers = 16
	}
	a.pool, err = ants.NewPool(workers, ants.WithPanicHandler(func(p interface{}) {
		zap.S().Errorf("worker panic: %v", p)
	}))
	if err != nil {
		panic(err)
	}

	a.bus = EventBus.New()
	a.subscribe()
	a.initJob()
}

// subscribe records every lifecycle transition in the audit log and feeds
// the message counters.
func (a *Application) subscribe() {
	if err := a.bus.SubscribeAsync(session.TopicStatusChanged, a.onStatusChanged, false); err != nil {
		zap.S().Errorf("subscribe %s: %v", session.TopicStatusChanged, err)
	}
	if err := a.bus.SubscribeAsync(relay.TopicMessageRelayed, a.onMessageRelayed, false); err != nil {
		zap.S().Errorf("subscribe %s: %v", relay.TopicMessageRelayed, err)
	}
}

func (a *Application) onStatusChanged(ev session.StatusChange) {
	metrics.Incr(metrics.SessionTransition, "status", string(ev.Status))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := a.store.EventLogs.Create(ctx, &domain.SessionEventLog{
		SessionID:    ev.Ref.SessionID,
		SubaccountID: ev.Ref.SubaccountID,
		Status:       ev.Status,
		Detail:       ev.Detail,
		CreatedAt:    ev.At,
	})
	if err != nil {
		zap.L().Warn("app: write session event log",
			zap.Int64("session_id", ev.Ref.SessionID), zap.Error(err))
	}
}

func (a *Application) onMessageRelayed(ev relay.MessageRelayed) {
	name := metrics.MessagesOut
	if ev.Direction == domain.DirectionIn {
		name = metrics.MessagesIn
	}
	metrics.Incr(name, "user", ev.Ref.UserID)
}

func (a *Application) MigrateDB(track bool) (err error) {
	defer func() {
		if err1 := recover(); err1 != nil {
			if os.Getenv("GO_DEGUB_TRACE") != "" {
				debug.PrintStack()
			}
			err2, ok := err1.(error)
			if ok {
				err = err2
				zap.S().Error(err2.Error())
			}
		}
	}()
	db := a.gormDB
	if track {
		db = db.Debug()
	}
	return db.Migrator().AutoMigrate(domain.Tables...)
}

// DropAll removes every application table.
func (a *Application) DropAll() error {
	return a.gormDB.Migrator().DropTable(domain.Tables...)
}

// InitDb drops and recreates every application table.
func (a *Application) InitDb() {
	if err := a.DropAll(); err != nil {
		zap.S().Error(err)
	}
	err := a.gormDB.Migrator().AutoMigrate(domain.Tables...)
	if err != nil {
		zap.S().Error(err)
	}
}

// Release releases application resources
func (a *Application) Release() {
	if a.sched != nil {
		a.sched.Stop()
	}
	if a.bus != nil {
		a.bus.WaitAsync()
	}
	if a.pool != nil {
		a.pool.Release()
	}
	if a.gormDB != nil {
		if sqlDB, err := a.gormDB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	_ = metrics.Close()
	_ = zap.L().Sync()
}
