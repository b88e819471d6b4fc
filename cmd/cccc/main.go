package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/cccc-kernel/cccc/internal/config"
	"github.com/cccc-kernel/cccc/internal/daemon"
	"github.com/cccc-kernel/cccc/internal/logging"
)

var version = "dev"

func main() {
	logging.Setup()

	if len(os.Args) >= 2 && os.Args[1] == "version" {
		fmt.Println(version)
		return
	}

	if err := run(os.Args[1:]); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("cccc", flag.ExitOnError)
	runtimeHome := fs.String("runtime-home", "", "runtime home directory (default ~/.cccc)")
	configPath := fs.String("config", "", "explicit config.yaml path (default <runtime-home>/config.yaml)")
	tcpAddr := fs.String("tcp-addr", "", "optional loopback/TCP IPC listener (default: unix socket only)")
	metricsAddr := fs.String("metrics-addr", "", "ambient Prometheus /metrics listener address (default disabled)")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	if lvl, err := logging.ParseLevel(*logLevel); err == nil {
		logging.SetLevel(lvl)
	}

	cfgPath := *configPath
	if cfgPath == "" && *runtimeHome != "" {
		candidate := filepath.Join(*runtimeHome, "config.yaml")
		if _, err := os.Stat(candidate); err == nil {
			cfgPath = candidate
		}
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *runtimeHome != "" {
		cfg.RuntimeHome = *runtimeHome
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("validate config: %w", err)
		}
	}
	if *tcpAddr != "" {
		cfg.TCPAddr = *tcpAddr
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}

	logging.PrintBanner(version, cfg.RuntimeHome, cfg.SocketPath())

	d, err := daemon.New(cfg)
	if err != nil {
		return fmt.Errorf("construct daemon: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return d.Run(ctx)
}
