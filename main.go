package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/googleforgames/open-saves/gridfs-adapter/server"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/config.yaml", "Path to configuration file, or ssm:<parameter> for Parameter Store")
	logLevel := flag.String("log-level", "", "Log level, overrides log.level from the configuration")
	flag.Parse()

	logrus.SetFormatter(&logrus.JSONFormatter{})

	// Load configuration
	config, err := server.LoadConfig(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	level := config.Log.Level
	if *logLevel != "" {
		level = *logLevel
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		logrus.Fatalf("Invalid log level %q: %v", level, err)
	}
	logrus.SetLevel(parsed)

	// Create and start server
	srv, err := server.NewServer(config)
	if err != nil {
		logrus.Fatalf("Failed to create server: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		logrus.Info("Starting GridFS upload adapter")
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logrus.Fatalf("Failed to start server: %v", err)
		}
	case sig := <-sigCh:
		logrus.Infof("Received %s, shutting down", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		logrus.Errorf("Failed to stop server cleanly: %v", err)
	}
}
