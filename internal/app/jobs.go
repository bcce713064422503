package app

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const eventLogRetentionDays = 30

// PairingExpirer disconnects sessions that sat in the qr state too long.
type PairingExpirer interface {
	ExpirePairing(ctx context.Context, ttl time.Duration) (int, error)
}

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func (a *Application) initJob() {
	loc, err := time.LoadLocation(a.appConfig.System.Location)
	if err != nil {
		loc = time.Local
	}
	a.sched = cron.New(cron.WithLocation(loc), cron.WithParser(cronParser))

	_, err = a.sched.AddFunc("@daily", a.SchedClearEventLogs)
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}
}

// StartBackgroundJobs registers the session jobs and starts the scheduler.
func (a *Application) StartBackgroundJobs(sessions PairingExpirer) {
	if ttl := a.appConfig.WhatsApp.PairingTTL; ttl > 0 && sessions != nil {
		_, err := a.sched.AddFunc("@every 1m", func() { a.SchedExpirePairing(sessions, ttl) })
		if err != nil {
			zap.S().Errorf("init job error %s", err.Error())
		}
	}
	a.sched.Start()
}

// SchedExpirePairing drops pairing attempts older than ttl.
func (a *Application) SchedExpirePairing(sessions PairingExpirer, ttl time.Duration) {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := sessions.ExpirePairing(ctx, ttl)
	if err != nil {
		zap.L().Error("app: expire pairing", zap.Error(err))
		return
	}
	if n > 0 {
		zap.L().Info("app: pairing sessions expired", zap.Int("count", n))
	}
}

// SchedClearEventLogs trims the session audit trail.
func (a *Application) SchedClearEventLogs() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	n, err := a.store.EventLogs.DeleteOlderThan(ctx, eventLogRetentionDays)
	if err != nil {
		zap.L().Error("app: clear session event logs", zap.Error(err))
		return
	}
	zap.L().Info("app: session event logs cleared", zap.Int64("rows", n))
}
