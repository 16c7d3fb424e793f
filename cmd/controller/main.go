package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/opencloud-community/ot-controller-sub009/internal/bootstrap"
)

func main() {
	app, err := bootstrap.NewApp()
	if err != nil {
		logrus.Errorf("failed to initialize application: %v", err)
		os.Exit(1)
	}

	serverErr := app.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		app.Log.Info("shutdown signal received")
		app.Shutdown()
	case err := <-serverErr:
		app.Log.WithError(err).Error("server failed, shutting down")
		app.Shutdown()
		os.Exit(2)
	}
}
