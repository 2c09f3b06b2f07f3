package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"

	"fleetpulse/internal/api/router"
	"fleetpulse/internal/cache"
	"fleetpulse/internal/config"
	"fleetpulse/internal/core/store"
	"fleetpulse/internal/protocol/server"
)

func main() {
	cfg := config.Load()

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatal("invalid LOG_LEVEL", "value", cfg.LogLevel)
	}
	log.SetLevel(level)
	log.SetReportTimestamp(true)

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", "err", err)
	}

	st, err := store.Open(store.Options{
		Backend:       cfg.StoreBackend,
		PostgresDSN:   cfg.DatabaseURL,
		MongoURI:      cfg.MongoURL,
		MongoDatabase: cfg.MongoDB,
	})
	if err != nil {
		log.Fatal("store connection failed", "backend", cfg.StoreBackend, "err", err)
	}
	defer st.Close()
	log.Info("store connected", "backend", cfg.StoreBackend)

	c := cache.New(cfg.RedisURL)
	defer c.Close()

	tcpServer := server.NewTCPServer(server.Options{
		Addr:           cfg.TCPAddr(),
		BufferSize:     cfg.BufferSize,
		MaxConnections: cfg.MaxConnections,
		IdleTimeout:    cfg.IdleTimeout,
	}, st, st, c)
	if err := tcpServer.Start(); err != nil {
		log.Fatal("tcp server failed to start", "err", err)
	}

	apiServer := &http.Server{
		Addr:    cfg.APIAddr(),
		Handler: router.NewRouter(st, c),
	}
	go func() {
		log.Info("api listening", "addr", cfg.APIAddr())
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("api server failed", "err", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("shutting down", "signal", sig)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := tcpServer.Shutdown(ctx); err != nil {
		log.Warn("tcp drain incomplete", "err", err)
	}
	if err := apiServer.Shutdown(ctx); err != nil {
		log.Warn("api shutdown incomplete", "err", err)
	}
	log.Info("server stopped")
}
