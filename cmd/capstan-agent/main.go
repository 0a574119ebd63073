// ABOUTME: Entry point for the capstan agent.
// ABOUTME: Dials out to a capstan server and tunnels the local Docker daemon.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/capstan-io/capstan/internal/remote"
)

// Version is set by goreleaser at build time.
var version = "dev"

func main() {
	serverURL := flag.String("server", envOr("CAPSTAN_SERVER_URL", ""), "capstan server URL, e.g. https://capstan.example.com")
	token := flag.String("token", envOr("CAPSTAN_AGENT_TOKEN", ""), "agent token issued by the server")
	name := flag.String("name", envOr("CAPSTAN_AGENT_NAME", defaultAgentName()), "agent display name")
	dockerHost := flag.String("docker-host", os.Getenv("DOCKER_HOST"), "Docker daemon address (defaults to the local socket)")
	logLevel := flag.String("log-level", "info", "log level (debug/info/warn/error)")
	logJSON := flag.Bool("log-json", false, "emit JSON logs")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	logger := setupLogger(*logLevel, *logJSON)

	if err := run(*serverURL, *token, *name, *dockerHost, logger); err != nil {
		logger.Error("agent exited", "error", err)
		os.Exit(1)
	}
}

func run(serverURL, token, name, dockerHost string, logger *slog.Logger) error {
	if serverURL == "" {
		return errors.New("-server is required (or set CAPSTAN_SERVER_URL)")
	}
	if token == "" {
		return errors.New("-token is required (or set CAPSTAN_AGENT_TOKEN)")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	agent, err := remote.New(remote.Options{
		ServerURL: serverURL,
		Token:     token,
		Name:      name,
		Version:   version,
	}, dockerHost, logger)
	if err != nil {
		return fmt.Errorf("creating agent: %w", err)
	}

	logger.Info("starting capstan agent",
		"server", serverURL,
		"name", name,
		"version", version,
	)

	return agent.Run(ctx)
}

func setupLogger(level string, jsonFormat bool) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if jsonFormat {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func defaultAgentName() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "capstan-agent"
	}
	return hostname
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
