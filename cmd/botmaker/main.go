// BotMaker is the control plane binary. It serves the operator HTTP
// API, owns the bot metadata database and secrets vault, renders
// per-bot workspaces, and drives worker containers through the Docker
// daemon.
//
// All configuration is loaded from environment variables.
//
// Required environment variables:
//
//	ADMIN_PASSWORD(_FILE)    - operator password, at least 12 characters
//
// Optional environment variables:
//
//	PORT                     - HTTP listen port (default: 7100)
//	HOST                     - HTTP listen host (default: 0.0.0.0)
//	DATA_DIR                 - database + per-bot workspaces (default: ./data)
//	SECRETS_DIR              - per-bot secret files (default: ./secrets)
//	DATA_VOLUME_NAME         - named volume backing DATA_DIR when containerized
//	SECRETS_VOLUME_NAME      - named volume backing SECRETS_DIR when containerized
//	OPENCLAW_IMAGE           - worker image (default: ghcr.io/openclaw/openclaw:latest)
//	BOT_PORT_START           - bottom of the bot port range (default: 19000)
//	DOCKER_NETWORK           - container network bots join (default: daemon default)
//	PROXY_ADMIN_URL          - keyring admin base URL; keyring disabled when empty
//	PROXY_ADMIN_TOKEN(_FILE) - keyring admin bearer (required with PROXY_ADMIN_URL)
//	PROXY_DATA_URL           - keyring data-plane base URL as reachable from
//	                           workers (default: PROXY_ADMIN_URL host, port 9101)
//	SESSION_EXPIRY_MS        - operator session lifetime (default: 86400000)
//	RECONCILE_INTERVAL       - periodic reconcile cadence, 0 disables (default: 5m)
//	LOG_LEVEL                - "debug", "info", "warn", "error" (default: "info")
//	LOG_FORMAT               - "text" or "json" (default: "text")
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/openclaw/botmaker/common/environment"
	"github.com/openclaw/botmaker/common/logging"
	"github.com/openclaw/botmaker/common/version"
	"github.com/openclaw/botmaker/internal/botmaker/app"
	"github.com/openclaw/botmaker/internal/botmaker/reconcile"
)

func main() {
	fmt.Printf("BotMaker Control Plane\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	logger := logging.Setup(
		environment.StringOr("LOG_LEVEL", "info"),
		environment.StringOr("LOG_FORMAT", "text"),
	)

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	botmaker, err := app.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: failed to initialize: %v\n", err)
		os.Exit(1)
	}
	defer botmaker.Stop()

	if err := botmaker.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig assembles the app configuration from the environment.
func loadConfig() (*app.Config, error) {
	password, err := environment.RequiredStringOrFile("ADMIN_PASSWORD")
	if err != nil {
		return nil, err
	}
	if len(password) < 12 {
		return nil, fmt.Errorf("ADMIN_PASSWORD must be at least 12 characters")
	}

	proxyAdminURL := environment.StringOr("PROXY_ADMIN_URL", "")
	proxyToken := ""
	if proxyAdminURL != "" {
		proxyToken, err = environment.RequiredStringOrFile("PROXY_ADMIN_TOKEN")
		if err != nil {
			return nil, fmt.Errorf("PROXY_ADMIN_URL is set: %w", err)
		}
	}
	proxyDataURL := environment.StringOr("PROXY_DATA_URL", "")
	if proxyDataURL == "" && proxyAdminURL != "" {
		proxyDataURL = app.DataURLFromAdmin(proxyAdminURL)
		if proxyDataURL == "" {
			return nil, fmt.Errorf("cannot derive PROXY_DATA_URL from PROXY_ADMIN_URL %q", proxyAdminURL)
		}
	}

	return &app.Config{
		Host:              environment.StringOr("HOST", "0.0.0.0"),
		Port:              environment.IntOr("PORT", 7100),
		DataDir:           environment.StringOr("DATA_DIR", "./data"),
		SecretsDir:        environment.StringOr("SECRETS_DIR", "./secrets"),
		DataVolume:        environment.StringOr("DATA_VOLUME_NAME", ""),
		SecretsVolume:     environment.StringOr("SECRETS_VOLUME_NAME", ""),
		Image:             environment.StringOr("OPENCLAW_IMAGE", "ghcr.io/openclaw/openclaw:latest"),
		PortStart:         environment.IntOr("BOT_PORT_START", 19000),
		Network:           environment.StringOr("DOCKER_NETWORK", ""),
		ProxyAdminURL:     proxyAdminURL,
		ProxyAdminToken:   proxyToken,
		ProxyDataURL:      proxyDataURL,
		AdminPassword:     password,
		SessionExpiry:     environment.MillisOr("SESSION_EXPIRY_MS", 24*time.Hour),
		ReconcileInterval: environment.DurationOr("RECONCILE_INTERVAL", reconcile.DefaultInterval),
	}, nil
}
