package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"resticserver/internal/config"
	"resticserver/internal/server"
	"resticserver/internal/state"
	"resticserver/internal/storage"
)

func main() {
	defaultConfigPath, err := state.ConfigPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "state path error: %v\n", err)
		os.Exit(1)
	}

	var configPath, listen, root string
	flag.StringVar(&configPath, "config", defaultConfigPath, "path to config file")
	flag.StringVar(&listen, "listen", "", "listen address (overrides config)")
	flag.StringVar(&root, "root", "", "repository root directory (overrides config)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if root != "" {
		cfg.Root = root
	}
	if cfg.Root == "" {
		cfg.Root, err = state.DefaultRoot()
		if err != nil {
			fmt.Fprintf(os.Stderr, "state path error: %v\n", err)
			os.Exit(1)
		}
	}

	cfg.Listen, err = server.ValidateListenAddress(cfg.Listen, cfg.Htpasswd != "", cfg.AllowRemote)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen address error: %v\n", err)
		os.Exit(1)
	}

	store, err := storage.NewFromConfig(cfg.S3, cfg.Root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "storage error: %v\n", err)
		os.Exit(1)
	}

	srv, err := server.New(cfg, store, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}
