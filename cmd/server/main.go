package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"collection-otp-service/internal/factory"
	"collection-otp-service/internal/handler"
	"collection-otp-service/internal/util"
)

func main() {
	// Initialize factory (which loads config and initializes all clients)
	f, err := factory.NewFactory()
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}
	defer f.Close()

	cfg := f.Config()
	services := f.ServiceFactory()

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	services.Manager().StartSweeper(sweepCtx, cfg.OTP.SweepInterval, cfg.OTP.PruneInterval)

	confirmationHandler := handler.NewConfirmationHandler(services.Manager(), services.Verifier(), f, util.Get())
	router := handler.NewRouter(confirmationHandler, cfg.Server.AllowOrigins, util.Get())

	server := &http.Server{
		Addr:         cfg.GetServerAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.Fatal("Server failed to start", util.ErrorField(err))
		}
	}()

	util.Info("Server started successfully",
		util.String("environment", cfg.Environment),
		util.String("address", server.Addr),
		util.Duration("otp_ttl", cfg.OTP.TTL),
	)

	waitForShutdown(server, stopSweeper)
}

func waitForShutdown(server *http.Server, stopSweeper context.CancelFunc) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	sig := <-signalChan
	util.Info("Received shutdown signal", util.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		util.Error("Failed to shutdown server gracefully", util.ErrorField(err))
	} else {
		util.Info("Server shutdown completed")
	}
	stopSweeper()
}
