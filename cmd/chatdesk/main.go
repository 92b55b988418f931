package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"chatdesk.dev/internal/cli"
	"chatdesk.dev/internal/client"
)

func main() {
	configPath := flag.String("config", client.DefaultConfigPath(), "path to client TOML config")
	baseURL := flag.String("url", "", "API base URL (overrides config and CHATDESK_URL)")
	flag.Parse()

	cfg, err := client.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "chatdesk:", err)
		os.Exit(1)
	}
	if *baseURL != "" {
		cfg.BaseURL = *baseURL
	}

	c, err := client.New(cfg.BaseURL, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "chatdesk:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	line := cli.NewLiner()
	repl := cli.NewREPL(c, line, os.Stdout, cli.NewRenderer(os.Stdout, cfg.WordWrap), cfg.Username)
	err = repl.Run(ctx)
	_ = line.Close()
	if err != nil {
		fmt.Fprintln(os.Stderr, "chatdesk:", err)
		os.Exit(1)
	}
}
