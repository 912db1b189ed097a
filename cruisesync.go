package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sgaunet/cruisesync/pkg/app"
	"github.com/sgaunet/cruisesync/pkg/config"
)

func main() {
	var fileName string
	flag.StringVar(&fileName, "f", "", "Configuration file")
	flag.Parse()

	if fileName == "" {
		fmt.Fprintf(os.Stderr, "Configuration file not provided. Exit 1")
		fmt.Fprintf(os.Stderr, "\nUsage:\n")
		flag.PrintDefaults()
		os.Exit(1)
	}

	cfg, err := config.ReadYamlCnxFile(fileName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading configuration file: %s\n", err.Error())
		os.Exit(1)
	}

	l := initTrace(cfg.LogLevel)

	ctx, cancelFunc := context.WithCancel(context.Background())
	SetupCloseHandler(cancelFunc, l)

	s, err := app.NewApp(cfg)
	if err != nil {
		l.Error("error creating the app", slog.String("error", err.Error()))
		os.Exit(1)
	}
	s.SetLogger(l)
	if err := s.Start(ctx); err != nil {
		l.Error("error starting the app", slog.String("error", err.Error()))
		os.Exit(1)
	}

	<-ctx.Done()
	l.Info("stop the server")
	s.Stop()
}

// SetupCloseHandler cancels the root context on SIGTERM/SIGINT.
func SetupCloseHandler(cancelFunc context.CancelFunc, log *slog.Logger) {
	c := make(chan os.Signal, 5)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		s := <-c
		log.Info("INFO: signal received", slog.String("signal", s.String()))
		cancelFunc()
	}()
}

// initTrace initializes the logger
func initTrace(debugLevel string) *slog.Logger {
	handlerOptions := &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}

	switch debugLevel {
	case "debug":
		handlerOptions.Level = slog.LevelDebug
		handlerOptions.AddSource = true
	case "info":
		handlerOptions.Level = slog.LevelInfo
	case "warn":
		handlerOptions.Level = slog.LevelWarn
	case "error":
		handlerOptions.Level = slog.LevelError
	default:
		handlerOptions.Level = slog.LevelInfo
	}

	handler := slog.NewTextHandler(os.Stdout, handlerOptions)
	return slog.New(handler)
}
