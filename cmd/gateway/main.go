package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/suPer8Hu/chatcore/internal/ai"
	"github.com/suPer8Hu/chatcore/internal/chat"
	"github.com/suPer8Hu/chatcore/internal/config"
	"github.com/suPer8Hu/chatcore/internal/db"
	"github.com/suPer8Hu/chatcore/internal/gateway"
	"github.com/suPer8Hu/chatcore/internal/httpapi"
	"github.com/suPer8Hu/chatcore/internal/httpapi/handlers"
	"github.com/suPer8Hu/chatcore/internal/logger"
	"github.com/suPer8Hu/chatcore/internal/store/rabbitmq"
	"github.com/suPer8Hu/chatcore/internal/store/redisstore"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	gdb, err := db.Connect(cfg.DBDSN)
	if err != nil {
		log.Fatal("db connect", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// server history keeps every message
	messages := chat.NewRepo(gdb, 0)
	if err := messages.Migrate(ctx); err != nil {
		log.Fatal("migrate messages", "error", err)
	}
	store := gateway.NewStore(gdb)
	if err := store.Migrate(ctx); err != nil {
		log.Fatal("migrate gateway store", "error", err)
	}

	deps := gateway.Deps{
		Config:   cfg,
		Messages: messages,
		Store:    store,
		Registry: ai.NewDefaultRegistry(cfg),
		Log:      log,
	}

	api := &handlers.Handler{
		Messages: messages,
		Store:    store,
		Log:      log.With("component", "httpapi"),
	}

	if cfg.RedisAddr != "" {
		rs, err := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Fatal("redis connect", "addr", cfg.RedisAddr, "error", err)
		}
		defer rs.Close()
		bus, err := gateway.NewRedisBus(rs.Client(), cfg.RedisChannel, log)
		if err != nil {
			log.Fatal("redis bus", "error", err)
		}
		deps.Bus = bus
		deps.Counters = rs
		api.Unread = rs
	}

	if cfg.RabbitURL != "" {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			log.Fatal("rabbit publisher", "error", err)
		}
		defer pub.Close()
		deps.Unread = pub
	}

	srv := gateway.NewServer(deps)
	if err := srv.Start(ctx); err != nil {
		log.Fatal("start gateway", "error", err)
	}

	api.Completer = srv.Completer()

	httpSrv := &http.Server{
		Addr:              cfg.GatewayAddr,
		Handler:           srv.Router(httpapi.Routes(cfg.JWTSecret, api)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("gateway listening", "addr", cfg.GatewayAddr, "provider", cfg.AIProvider)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("gateway shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
}
