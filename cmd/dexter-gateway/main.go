// ABOUTME: Entry point for the dexter-gateway collaboration server
// ABOUTME: Dispatches the serve, init, token and health subcommands

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/Gliksbot/Dexter/internal/auth"
	"github.com/Gliksbot/Dexter/internal/config"
	"github.com/Gliksbot/Dexter/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
     _           _
  __| | _____  _| |_ ___ _ __
 / _' |/ _ \ \/ / __/ _ \ '__|
| (_| |  __/>  <| ||  __/ |
 \__,_|\___/_/\_\\__\___|_|
`

const defaultTokenTTL = 30 * 24 * time.Hour

// getDataPath returns the path to the dexter data directory.
// Priority: XDG_DATA_HOME/dexter > ~/.local/share/dexter
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "dexter")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: dexter-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                        Start the gateway server")
		fmt.Println("  init                         Create a new config file interactively")
		fmt.Println("  token --sub NAME [--ttl D]   Issue a bearer token for the HTTP API")
		fmt.Println("  health                       Check gateway health")
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
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, closeLog := setupLogger(cfg.Logging, os.Stdout)
	defer closeLog()

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Clarify:   ")
	cyan.Print(cfg.Clarify.Mode)
	if cfg.Clarify.Mode == "model" {
		gray.Printf(" (%s %s)", cfg.Clarify.Provider, cfg.Clarify.Model)
	}
	fmt.Println()
	green.Print("    ▶ ")
	fmt.Printf("Graph:     %s\n", cfg.Graph.Backend)

	var sinks []string
	if cfg.Sinks.Log.Enabled {
		sinks = append(sinks, "log")
	}
	if cfg.Sinks.Kafka.Enabled {
		sinks = append(sinks, "kafka:"+cfg.Sinks.Kafka.Topic)
	}
	if len(sinks) > 0 {
		green.Print("    ▶ ")
		fmt.Printf("Sinks:     %s\n", strings.Join(sinks, ", "))
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! HTTP API is unauthenticated (auth.jwt_secret is empty)")
	}

	fmt.Println()

	logger.Info("starting dexter-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"clarify_mode", cfg.Clarify.Mode,
		"graph_backend", cfg.Graph.Backend,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// tokenArgs holds parsed flags for the token command.
type tokenArgs struct {
	subject string
	ttl     time.Duration
}

// parseTokenArgs accepts --sub NAME, --sub=NAME, --ttl D and --ttl=D.
func parseTokenArgs(args []string) (tokenArgs, error) {
	out := tokenArgs{ttl: defaultTokenTTL}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, value, hasValue := strings.Cut(arg, "=")
		if name != "--sub" && name != "--ttl" {
			return out, fmt.Errorf("unknown flag: %s", arg)
		}
		if !hasValue {
			if i+1 >= len(args) {
				return out, fmt.Errorf("%s requires a value", name)
			}
			i++
			value = args[i]
		}

		switch name {
		case "--sub":
			out.subject = value
		case "--ttl":
			d, err := time.ParseDuration(value)
			if err != nil {
				return out, fmt.Errorf("invalid --ttl: %w", err)
			}
			if d <= 0 {
				return out, errors.New("--ttl must be positive")
			}
			out.ttl = d
		}
	}

	if out.subject == "" {
		return out, errors.New("--sub is required\nUsage: dexter-gateway token --sub NAME [--ttl 720h]")
	}
	return out, nil
}

func runToken(args []string) error {
	parsed, err := parseTokenArgs(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not set; the HTTP API does not check tokens")
	}

	token, err := issueToken(cfg.Auth.JWTSecret, parsed)
	if err != nil {
		return err
	}

	fmt.Println(token)
	return nil
}

func issueToken(secret string, parsed tokenArgs) (string, error) {
	verifier, err := auth.NewJWTVerifier([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("creating verifier: %w", err)
	}
	token, err := verifier.Generate(parsed.subject, parsed.ttl)
	if err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return token, nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}
