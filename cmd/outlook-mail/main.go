package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	outlook "github.com/BrianLeishman/go-outlook-mail"
	"github.com/BrianLeishman/go-outlook-mail/internal/api"
	"github.com/BrianLeishman/go-outlook-mail/internal/config"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	outlook.SetSlogLogger(logger)
	cfg.ApplyGlobals()

	svc, err := outlook.NewService(cfg.Options())
	if err != nil {
		logger.Error("open service", "error", err)
		os.Exit(1)
	}
	defer svc.Close()

	if cfg.AdminPassword == config.DefaultAdminPassword {
		logger.Warn("ADMIN_PASSWORD not set; using the default password")
	}
	apiServer := api.NewServer(svc, api.NewAdminAuth(cfg.AdminPassword), logger)

	httpAddr := fmt.Sprintf(":%d", cfg.HTTPPort)
	httpSrv := &http.Server{
		Addr:              httpAddr,
		Handler:           apiServer,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http server listening", "addr", httpAddr, "accounts_file", cfg.AccountsFile, "imap_host", cfg.IMAPHost)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Error("shutdown http", "error", err)
	}
}
