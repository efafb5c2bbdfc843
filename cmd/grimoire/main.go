// ABOUTME: Entry point for the grimoire server
// ABOUTME: Serves published tool modules as MCP endpoints and manages local setup

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/grimoire/internal/auth"
	"github.com/2389/grimoire/internal/config"
	"github.com/2389/grimoire/internal/gateway"
	"github.com/2389/grimoire/internal/loader"
	"github.com/2389/grimoire/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
            _                _
  __ _ _ __(_)_ __ ___   ___ (_)_ __ ___
 / _' | '__| | '_ ' _ \ / _ \| | '__/ _ \
| (_| | |  | | | | | | | (_) | | | |  __/
 \__, |_|  |_|_| |_| |_|\___/|_|_|  \___|
 |___/
`

// getConfigPath returns the path to the server config file.
// Priority: GRIMOIRE_CONFIG env var > XDG_CONFIG_HOME/grimoire/config.yaml > ~/.config/grimoire/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("GRIMOIRE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "grimoire", "config.yaml")
}

// getDataPath returns the grimoire data directory.
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "grimoire")
}

func printUsage() {
	fmt.Println("Usage: grimoire <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                         Start the server")
	fmt.Println("  init                          Create a new config file interactively")
	fmt.Println("  token [--subject S] [--role R] [--ttl D]")
	fmt.Println("                                Issue an admin API token")
	fmt.Println("  module import NAME FILE       Import a Go tool module from FILE")
	fmt.Println("  health                        Check server health")
	fmt.Println("  version                       Print the version")
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "token":
		err = runToken(os.Args[2:])
	case "module":
		err = runModule(ctx, os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("Health:    %s (gRPC)\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Quota:     %s (%s)\n", cfg.Quota.Backend, cfg.Quota.Timezone)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.TLS.AutocertEnabled {
		green.Print("    ▶ ")
		fmt.Printf("TLS:       %s\n", strings.Join(cfg.TLS.Domains, ", "))
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! admin API is unauthenticated (auth.jwt_secret not set)")
	}

	fmt.Println()

	logger.Info("starting grimoire",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("not ready: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Println(string(body))
	return nil
}

// runToken signs an admin API token with the configured JWT secret and
// writes it next to the config file for grimoire-admin to pick up.
func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fs.String("subject", "admin", "token subject (owner id)")
	role := fs.String("role", auth.RoleAdmin, "token role: admin or user")
	ttl := fs.Duration("ttl", 0, "token lifetime (default auth.admin_token_ttl)")
	save := fs.Bool("save", true, "write the token file next to the config")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *role != auth.RoleAdmin && *role != auth.RoleUser {
		return fmt.Errorf("role must be %q or %q", auth.RoleAdmin, auth.RoleUser)
	}

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret not configured in %s", configPath)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}

	lifetime := *ttl
	if lifetime <= 0 {
		lifetime = cfg.Auth.AdminTokenTTL
	}
	token, err := verifier.Generate(*subject, *role, lifetime)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	if *save {
		tokenPath := filepath.Join(filepath.Dir(configPath), "token")
		if err := os.WriteFile(tokenPath, []byte(token), 0600); err != nil {
			return fmt.Errorf("writing token file: %w", err)
		}
		color.New(color.FgGreen).Fprintf(os.Stderr, "  ✓ Saved token: %s (expires %s)\n",
			tokenPath, time.Now().Add(lifetime).Format("Jan 02, 2006 15:04"))
	}

	fmt.Println(token)
	return nil
}

// runModule handles "module import NAME FILE", writing directly to the store.
func runModule(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] != "import" {
		return errors.New("usage: grimoire module import [--owner ID] [--description TEXT] NAME FILE")
	}

	fs := flag.NewFlagSet("module import", flag.ContinueOnError)
	owner := fs.String("owner", "admin", "owner id recorded on the module")
	description := fs.String("description", "", "module description")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return errors.New("usage: grimoire module import [--owner ID] [--description TEXT] NAME FILE")
	}
	name, file := fs.Arg(0), fs.Arg(1)

	source, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("reading module source: %w", err)
	}

	tools, err := loader.Inspect(name, string(source))
	if err != nil {
		return err
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("GRIMOIRE_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	mod := &store.Module{
		Name:        name,
		Description: *description,
		Source:      string(source),
		OwnerID:     *owner,
	}
	if err := s.CreateModule(ctx, mod); err != nil {
		return fmt.Errorf("saving module: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Imported module %s\n", name)
	fmt.Printf("  ID:    %s\n", mod.ID)
	fmt.Printf("  Tools: %s\n", strings.Join(tools, ", "))
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("grimoire configuration setup")
	fmt.Println("============================")
	fmt.Println()

	defaultDbPath := filepath.Join(getDataPath(), "grimoire.db")

	outputFile := prompt(reader, "Config file path", getConfigPath())

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")
	grpcAddr := prompt(reader, "gRPC health address (empty to disable)", "")
	pathPrefix := prompt(reader, "Canonical path prefix", "mcp")

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	fmt.Println("\n--- Quota Configuration ---")
	quotaBackend := prompt(reader, "Quota backend (local/redis)", "local")
	var redisAddr string
	if quotaBackend == "redis" {
		redisAddr = prompt(reader, "Redis address", "localhost:6379")
	}
	timezone := prompt(reader, "Quota day timezone", "UTC")

	fmt.Println("\n--- Tailscale Configuration ---")
	tailscaleEnabled := isYes(prompt(reader, "Enable Tailscale?", "no"))
	var tsHostname, tsAuthKey string
	var tsEphemeral, tsFunnel bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "grimoire")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty to use TS_AUTHKEY)", "")
		tsEphemeral = isYes(prompt(reader, "Ephemeral node?", "no"))
		tsFunnel = isYes(prompt(reader, "Enable Funnel (public HTTPS)?", "no"))
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	jwtSecret := base64.StdEncoding.EncodeToString(secretBytes)

	var cfg strings.Builder
	cfg.WriteString("# grimoire configuration\n")
	cfg.WriteString("# Generated by grimoire init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", httpAddr))
	if grpcAddr != "" {
		cfg.WriteString(fmt.Sprintf("  grpc_addr: %q\n", grpcAddr))
	}
	cfg.WriteString(fmt.Sprintf("  path_prefix: %q\n", pathPrefix))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("quota:\n")
	cfg.WriteString(fmt.Sprintf("  backend: %q\n", quotaBackend))
	if redisAddr != "" {
		cfg.WriteString(fmt.Sprintf("  redis_addr: %q\n", redisAddr))
	}
	cfg.WriteString(fmt.Sprintf("  timezone: %q\n", timezone))
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  jwt_secret: %q\n", jwtSecret))
	cfg.WriteString("\n")

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", tailscaleEnabled))
	if tailscaleEnabled {
		cfg.WriteString(fmt.Sprintf("  hostname: %q\n", tsHostname))
		if tsAuthKey != "" {
			cfg.WriteString(fmt.Sprintf("  auth_key: %q\n", tsAuthKey))
		}
		cfg.WriteString(fmt.Sprintf("  ephemeral: %t\n", tsEphemeral))
		cfg.WriteString(fmt.Sprintf("  funnel: %t\n", tsFunnel))
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", logFormat))

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	// Contains the JWT secret
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nNext steps:")
	fmt.Println("  grimoire token            # issue an admin token")
	fmt.Println("  grimoire serve            # start the server")

	return nil
}

func isYes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
