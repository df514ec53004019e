package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/meridianmail/meridian/config"
	"github.com/meridianmail/meridian/logger"
	"github.com/meridianmail/meridian/pkg/metrics"
	"github.com/meridianmail/meridian/server/smtp"
	"github.com/meridianmail/meridian/store"
	"github.com/meridianmail/meridian/store/filestore"
	"github.com/meridianmail/meridian/store/sqlitestore"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	cfg := config.NewDefaultConfig()

	configPath := flag.String("config", "", "Path to TOML configuration file")
	flag.Usage = usage
	flag.Parse()

	// Exactly one positional argument: the TCP port.
	if flag.NArg() != 1 {
		usage()
		os.Exit(1)
	}
	port := flag.Arg(0)

	if *configPath != "" {
		if err := config.Load(*configPath, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "meridian-smtpd: %v\n", err)
			os.Exit(1)
		}
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meridian-smtpd: warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	logger.Infof("meridian-smtpd starting (version %s, commit: %s)", version, commit)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Infof("Received signal: %s, shutting down...", sig)
		cancel()
	}()

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		logger.Fatal("Failed to open store", "error", err)
	}
	defer st.Close()

	hostname := cfg.Hostname
	if hostname == "" {
		hostname, err = os.Hostname()
		if err != nil {
			logger.Fatal("Failed to resolve hostname", "error", err)
		}
	}

	if cfg.Metrics.Enabled {
		metrics.StartServer(ctx, cfg.Metrics.Addr)
	}

	idleTimeout, err := cfg.SMTP.GetIdleTimeout()
	if err != nil {
		logger.Fatal("Invalid idle timeout", "error", err)
	}

	srv := smtp.New(ctx, cfg.SMTP.Name, hostname, ":"+port, st, smtp.SMTPServerOptions{
		MaxConnections:      cfg.SMTP.MaxConnections,
		MaxConnectionsPerIP: cfg.SMTP.MaxConnectionsPerIP,
		MaxRecipients:       cfg.SMTP.MaxRecipients,
		MaxMessageSize:      cfg.SMTP.MaxMessageSize,
		IdleTimeout:         idleTimeout,
	})

	errChan := make(chan error, 1)
	go srv.Start(errChan)

	select {
	case err := <-errChan:
		logger.Error("SMTP server failed", "error", err)
		srv.Close()
		os.Exit(1)
	case <-ctx.Done():
		srv.Close()
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Invalid arguments. Expected: %s <port>\n", os.Args[0])
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.UserStore, error) {
	switch cfg.Backend {
	case "sqlite":
		return sqlitestore.New(ctx, cfg.Database)
	default:
		return filestore.New(cfg.Path, cfg.UsersFile)
	}
}
