package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"avaneesh/ese-go/pkg/config"
	"avaneesh/ese-go/pkg/ese"
	"avaneesh/ese-go/pkg/server"
)

func main() {
	path := flag.String("config", "esed.toml", "config path")
	genConfig := flag.String("gen-config", "", "write a sample config to this path and exit")
	force := flag.Bool("force", false, "overwrite an existing config with -gen-config")
	simulate := flag.Bool("simulate", false, "serve one simulated card without a config file")
	flag.Parse()

	if *genConfig != "" {
		if err := config.WriteTemplate(*genConfig, *force); err != nil {
			fmt.Fprintf(os.Stderr, "esed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Wrote sample config to %s\n", *genConfig)
		return
	}

	cfg, err := loadConfig(*path, *simulate)
	if err != nil {
		fmt.Fprintf(os.Stderr, "esed: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "esed: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string, simulate bool) (config.Config, error) {
	if simulate {
		cfg := config.Default()
		cfg.Devices = []config.DeviceEntry{{ID: "sim0", Kind: config.KindSimulated}}
		return cfg, nil
	}
	return config.Load(path)
}

func run(cfg config.Config) error {
	log := newLogger(cfg)
	ese.EnableFrameDebug(cfg.FrameDebug)

	mgr := ese.NewManagerWithLogger(log)
	stops, err := addDevices(mgr, cfg.Devices, log)
	defer func() {
		mgr.Shutdown()
		for _, stop := range stops {
			stop()
		}
	}()
	if err != nil {
		return err
	}

	srv, err := server.New(mgr, server.Options{
		Addr:        cfg.Listen,
		CorsOrigins: cfg.CorsOrigins,
		Logger:      log,
	})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return srv.Run(ctx)
}

func newLogger(cfg config.Config) ese.Logger {
	level, _ := ese.ParseLogLevel(cfg.LogLevel)
	if cfg.LogFormat == "json" {
		return ese.NewLogger(os.Stdout, level, "esed")
	}
	return ese.NewConsoleLogger(level)
}
