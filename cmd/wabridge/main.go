package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/talkincode/wabridge/config"
	"github.com/talkincode/wabridge/internal/adminapi"
	"github.com/talkincode/wabridge/internal/app"
	"github.com/talkincode/wabridge/internal/auth"
	"github.com/talkincode/wabridge/internal/crm"
	"github.com/talkincode/wabridge/internal/relay"
	"github.com/talkincode/wabridge/internal/session"
	"github.com/talkincode/wabridge/internal/webserver"
	"github.com/talkincode/wabridge/internal/whatsapp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	h        = flag.Bool("h", false, "help usage")
	showVer  = flag.Bool("v", false, "show version")
	conffile = flag.String("c", "", "config yaml file")
	dump     = flag.Bool("dump", false, "print the effective config and exit")
	initdb   = flag.Bool("initdb", false, "drop and recreate all tables")
	reset    = flag.Bool("reset", false, "drop all tables and exit")
)

func main() {
	flag.Parse()
	if *h {
		flag.Usage()
		return
	}

	cfg := config.LoadConfig(*conffile)
	if *showVer {
		fmt.Println(cfg.System.Version)
		return
	}
	if *dump {
		fmt.Println(cfg.Dump())
		return
	}

	application := app.NewApplication(cfg)
	application.Init(cfg)
	defer application.Release()

	if *reset {
		if err := application.DropAll(); err != nil {
			zap.L().Error("drop tables failed", zap.Error(err))
			application.Release()
			os.Exit(1)
		}
		zap.L().Info("database reset")
		return
	}

	if *initdb {
		application.InitDb()
		zap.L().Info("database initialized")
		return
	}

	if err := run(application); err != nil {
		zap.L().Error("wabridge stopped", zap.Error(err))
		application.Release()
		os.Exit(1)
	}
}

func run(application *app.Application) error {
	cfg := application.Config()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sqlDB, err := application.DB().DB()
	if err != nil {
		return err
	}
	factory, err := whatsapp.NewFactory(ctx, sqlDB, whatsapp.Dialect(cfg.Database.Type), cfg.WhatsApp.ClientDebug)
	if err != nil {
		return err
	}

	store := application.Store()
	guard := auth.NewGuard(store.Subaccounts)
	backendURL := strings.TrimRight(cfg.Web.BackendURL, "/")

	rl := relay.New(store, nil, guard, crm.NewForwarder(cfg.CRM),
		relay.WithPool(application.Pool()),
		relay.WithBus(application.Bus()),
	)
	controller := session.NewController(store, session.NewRegistry(), factory, guard, rl,
		session.WithBus(application.Bus()),
		session.WithEventBuffer(cfg.WhatsApp.EventBuffer),
	)
	defer controller.Close()
	rl.SetClients(controller)

	application.StartBackgroundJobs(controller)

	srv := webserver.Init(cfg, auth.NewVerifier(cfg.Auth.JWTSecret))
	adminapi.Init(&adminapi.Deps{
		Config:   cfg,
		Store:    store,
		Guard:    guard,
		Sessions: controller,
		Messages: rl,
		OAuth:    crm.NewOAuthClient(cfg.CRM, backendURL+"/auth/callback"),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	zap.L().Info("wabridge started",
		zap.String("version", cfg.System.Version),
		zap.String("env", cfg.System.Env),
		zap.Int("port", cfg.Web.Port))
	err = g.Wait()
	zap.L().Info("wabridge shutting down")
	return err
}
