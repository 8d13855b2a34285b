package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"portalchat/internal/config"
	"portalchat/internal/httpserver"
	"portalchat/internal/security"
	"portalchat/internal/store/sqlite"
	"portalchat/internal/ws"
)

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		panic(err)
	}

	logger := newLogger(cfg.Debug)
	defer logger.Sync()
	log := logger.Sugar()

	db, err := sqlite.Open(cfg.SQLitePath)
	if err != nil {
		log.Fatalw("open database", "err", err)
	}
	defer db.Close()
	if err := sqlite.Migrate(db); err != nil {
		log.Fatalw("run migrations", "err", err)
	}

	tokenSvc := security.NewTokenService(cfg.JWTSecret, time.Duration(cfg.AccessTokenMinutes)*time.Minute)
	passwordHasher := security.NewPasswordHasher(cfg.BcryptCost)

	var encryptor *security.Encryptor
	if cfg.EncryptKey != "" {
		encryptor, err = security.NewEncryptor([]byte(cfg.EncryptKey))
		if err != nil {
			log.Fatalw("initialize encryptor", "err", err)
		}
	}

	hub := ws.NewHub(log)
	router := httpserver.NewRouter(cfg, db, hub, tokenSvc, passwordHasher, encryptor, log)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Infow("starting chat server", "addr", cfg.HTTPAddr(), "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("server error", "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warnw("graceful shutdown failed", "err", err)
	}
}

func newLogger(debug bool) *zap.Logger {
	if debug {
		l, _ := zap.NewDevelopment()
		return l
	}
	l, _ := zap.NewProduction()
	return l
}
