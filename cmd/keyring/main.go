// Keyring is the credential vault and data-plane proxy binary. It stores
// provider API keys encrypted at rest, serves the management API the
// control plane talks to, and proxies bot LLM traffic to vendors with the
// right credential injected.
//
// All configuration is loaded from environment variables.
//
// Required environment variables:
//
//	MASTER_KEY(_FILE)  - AES-256 key sealing stored secrets: 64 hex chars
//	                     or 32 raw bytes. Losing it orphans every stored key.
//	ADMIN_TOKEN(_FILE) - static bearer guarding the admin API
//
// Optional environment variables:
//
//	ADMIN_PORT - management API port (default: 9100)
//	DATA_PORT  - data-plane proxy port (default: 9101)
//	DB_PATH    - SQLite database file (default: ./keyring.db)
//	LOG_LEVEL  - "debug", "info", "warn", "error" (default: "info")
//	LOG_FORMAT - "text" or "json" (default: "text")
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/openclaw/botmaker/common/crypto"
	"github.com/openclaw/botmaker/common/environment"
	"github.com/openclaw/botmaker/common/logging"
	"github.com/openclaw/botmaker/common/version"
	"github.com/openclaw/botmaker/internal/keyring/app"
)

func main() {
	fmt.Printf("BotMaker Keyring\n")
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

	keyring, err := app.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: failed to initialize: %v\n", err)
		os.Exit(1)
	}
	defer keyring.Stop()

	if err := keyring.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig assembles the app configuration from the environment.
func loadConfig() (*app.Config, error) {
	rawKey, err := environment.RequiredStringOrFile("MASTER_KEY")
	if err != nil {
		return nil, err
	}
	masterKey, err := crypto.ParseMasterKey(rawKey)
	if err != nil {
		return nil, fmt.Errorf("MASTER_KEY: %w", err)
	}

	token, err := environment.RequiredStringOrFile("ADMIN_TOKEN")
	if err != nil {
		return nil, err
	}

	return &app.Config{
		AdminAddr:  ":" + strconv.Itoa(environment.IntOr("ADMIN_PORT", 9100)),
		DataAddr:   ":" + strconv.Itoa(environment.IntOr("DATA_PORT", 9101)),
		DBPath:     environment.StringOr("DB_PATH", "./keyring.db"),
		MasterKey:  masterKey,
		AdminToken: token,
	}, nil
}
