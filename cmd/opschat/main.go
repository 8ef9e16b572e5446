package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opschat/backend/internal/auth"
	"github.com/opschat/backend/internal/channels"
	"github.com/opschat/backend/internal/config"
	"github.com/opschat/backend/internal/messages"
	"github.com/opschat/backend/internal/realtime"
	"github.com/opschat/backend/internal/storage"
	"github.com/opschat/backend/internal/storage/postgres"
	"github.com/opschat/backend/internal/storage/sqlite"
	"github.com/opschat/backend/internal/users"
)

func main() {
	migrate := flag.Bool("migrate", false, "run migrations and exit")
	flag.Parse()

	// .env is optional outside local dev.
	_ = godotenv.Load()
	cfg := config.MustLoad()
	if cfg.JWTSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	var (
		db    *sql.DB
		store storage.Store
	)
	switch cfg.Driver {
	case "postgres":
		pg, err := postgres.New(cfg.PostgresDsn)
		if err != nil {
			log.Fatalf("open postgres: %v", err)
		}
		if *migrate {
			if err := pg.Migrate("sql/schema_postgres.sql"); err != nil {
				log.Fatalf("migration failed: %v", err)
			}
			slog.Info("migration completed")
			return
		}
		db, store = pg.DB, pg
	default:
		sq, err := sqlite.New(cfg.SQLiteDsn)
		if err != nil {
			log.Fatalf("open sqlite: %v", err)
		}
		if *migrate {
			if err := sq.Migrate("sql/schema.sql"); err != nil {
				log.Fatalf("migration failed: %v", err)
			}
			slog.Info("migration completed")
			return
		}
		db, store = sq.DB, sq
	}
	defer db.Close()

	opts := realtime.Options{
		TypingTTL:       cfg.TypingTTL,
		ReadCoalesce:    cfg.ReadCoalesce,
		PresenceBacklog: cfg.PresenceBacklog,
	}
	if cfg.RedisAddr != "" {
		counts := realtime.NewRedisCounts(cfg.RedisAddr)
		defer counts.Close()
		opts.Counts = counts
	}
	hub := realtime.NewHub(store, opts, slog.Default())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go hub.Run(ctx)

	r := gin.Default()
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	users.RegisterPublic(api, db, cfg)
	realtime.RegisterWS(api, hub, cfg.JWTSecret)

	protected := api.Group("", auth.JWTMiddleware(cfg.JWTSecret))
	users.RegisterProtected(protected, db)
	channels.Register(protected, db)
	messages.Register(protected, db)

	srv := &http.Server{Addr: cfg.Addr, Handler: r}
	go func() {
		slog.Info("listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
