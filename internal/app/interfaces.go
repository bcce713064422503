package app

import (
	"github.com/asaskevich/EventBus"
	"github.com/panjf2000/ants/v2"
	"github.com/robfig/cron/v3"
	"github.com/talkincode/wabridge/config"
	"github.com/talkincode/wabridge/internal/repository"
	"gorm.io/gorm"
)

// DBProvider provides database access
type DBProvider interface {
	DB() *gorm.DB
}

// ConfigProvider provides application configuration
type ConfigProvider interface {
	Config() *config.AppConfig
}

// StoreProvider provides the repository set built on the database
type StoreProvider interface {
	Store() *repository.Store
}

// SchedulerProvider provides task scheduling capability
type SchedulerProvider interface {
	Scheduler() *cron.Cron
}

// BusProvider provides the in-process event bus
type BusProvider interface {
	Bus() EventBus.Bus
}

// PoolProvider provides the shared worker pool
type PoolProvider interface {
	Pool() *ants.Pool
}

// AppContext combines all provider interfaces for full application context
// Services should depend on specific providers or this combined interface
type AppContext interface {
	DBProvider
	ConfigProvider
	StoreProvider
	SchedulerProvider
	BusProvider
	PoolProvider

	// Application lifecycle methods
	MigrateDB(track bool) error
	InitDb()
	DropAll() error
}
