package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"

	"github.com/whisperim/whisperd/internal/admin"
	"github.com/whisperim/whisperd/internal/config"
	"github.com/whisperim/whisperd/internal/conversation"
	"github.com/whisperim/whisperd/internal/logger"
	"github.com/whisperim/whisperd/internal/media"
	"github.com/whisperim/whisperd/internal/metrics"
	"github.com/whisperim/whisperd/internal/presence"
	"github.com/whisperim/whisperd/internal/protocol"
	"github.com/whisperim/whisperd/internal/register"
	"github.com/whisperim/whisperd/internal/server"
	"github.com/whisperim/whisperd/internal/storage/pg"
	"github.com/whisperim/whisperd/internal/store"
	"github.com/whisperim/whisperd/internal/upload"
)

func main() {
	config.LoadConfig()
	cfg := config.AppConfig

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))
	log.Info("starting whisperd", slog.String("instance_id", logger.GetInstanceID()))

	gin.SetMode(cfg.GinMode)

	db, err := pg.InitDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Error("database initialization failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.DB.Close()

	codec, err := protocol.NewCodec(cfg.SharedSecret)
	if err != nil {
		log.Error("frame codec initialization failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	st := store.New(db.DB, log)
	m := metrics.New()

	presenceTable := presence.NewTable(log, m)
	notifier := presence.NewNotifier(presenceTable, server.NewFriendSource(st), log)

	heads := conversation.New(st, log)
	ctx := context.Background()
	if err := heads.Hydrate(ctx); err != nil {
		log.Error("conversation index hydration failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	mediaStore := media.NewStore(cfg.MediaBaseDir)
	prober := media.NewFFmpegProber(cfg.FFprobePath, cfg.FFmpegPath, log)
	uploads := upload.NewTable(log)
	machine := register.NewMachine(st, register.NewBitmapRenderer(), cfg.CaptchaTTL, log)

	srv := server.New(server.Deps{
		ListenAddr: net.JoinHostPort(cfg.ListenHost, cfg.ListenPort),
		Codec:      codec,
		Store:      st,
		Heads:      heads,
		Presence:   presenceTable,
		Notifier:   notifier,
		Uploads:    uploads,
		Media:      mediaStore,
		Prober:     prober,
		Register:   machine,
		Metrics:    m,
		Log:        log,
	})
	if err := srv.Start(); err != nil {
		log.Error("gateway start failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Background sweeps: expired captcha sessions every minute, abandoned
	// upload files hourly.
	sched := cron.New()
	if _, err := sched.AddFunc("* * * * *", func() { machine.Sweep() }); err != nil {
		log.Error("captcha sweep schedule failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if _, err := sched.AddFunc("0 * * * *", func() { uploads.SweepOrphans(cfg.UploadOrphanAge) }); err != nil {
		log.Error("orphan sweep schedule failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	sched.Start()

	var adminSrv *admin.Server
	if cfg.AdminPort != "" {
		adminSrv = admin.New(":"+cfg.AdminPort, admin.Deps{
			DB:            db.DB,
			Registry:      m.Registry,
			Connections:   srv.ConnectionCount,
			ActiveUploads: uploads.ActiveCount,
			Log:           log,
		})
		go func() {
			if err := adminSrv.Start(); err != nil {
				log.Error("admin server failed", slog.String("error", err.Error()))
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	sched.Stop()
	srv.Stop()
	if adminSrv != nil {
		if err := adminSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn("admin shutdown incomplete", slog.String("error", err.Error()))
		}
	}
	log.Info("shutdown complete")
}
