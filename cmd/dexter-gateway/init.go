// ABOUTME: Interactive config file creation for dexter-gateway
// ABOUTME: Prompts for the main settings and writes a YAML config with a fresh JWT secret

package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Gliksbot/Dexter/internal/config"
)

// initAnswers are the values collected by runInit.
type initAnswers struct {
	HTTPAddr     string
	DBPath       string
	JWTSecret    string
	ClarifyMode  string
	Provider     string
	Model        string
	GraphBackend string
	LogLevel     string
	LogFormat    string
}

// generateSecret returns a random base64 secret long enough for HS256.
func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func isYes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("dexter-gateway configuration setup")
	fmt.Println("==================================")
	fmt.Println()

	defaultDBPath := filepath.Join(getDataPath(), "dexter.db")

	outputFile := prompt(reader, "Config file path", config.DefaultPath())

	if _, err := os.Stat(outputFile); err == nil {
		if !isYes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	var a initAnswers

	fmt.Println("\n--- Server Configuration ---")
	a.HTTPAddr = prompt(reader, "HTTP address", "localhost:8080")

	fmt.Println("\n--- Database Configuration ---")
	a.DBPath = prompt(reader, "SQLite database path", defaultDBPath)

	fmt.Println("\n--- Authentication ---")
	if isYes(prompt(reader, "Require bearer tokens on the HTTP API?", "yes")) {
		secret, err := generateSecret()
		if err != nil {
			return err
		}
		a.JWTSecret = secret
	}

	fmt.Println("\n--- Clarification ---")
	a.ClarifyMode = prompt(reader, "Clarify mode (heuristic/model)", "heuristic")
	if a.ClarifyMode == "model" {
		a.Provider = prompt(reader, "Model provider (ollama/openai)", "ollama")
		a.Model = prompt(reader, "Model name", "llama3.2")
	}

	fmt.Println("\n--- Knowledge Graph ---")
	a.GraphBackend = prompt(reader, "Graph backend (sqlite/neo4j)", "sqlite")

	fmt.Println("\n--- Logging Configuration ---")
	a.LogLevel = prompt(reader, "Log level (debug/info/warn/error)", "info")
	a.LogFormat = prompt(reader, "Log format (text/json)", "text")

	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// The file may hold the JWT secret
	if err := os.WriteFile(outputFile, []byte(renderConfig(a)), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(a.DBPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  dexter-gateway serve\n")
	if a.JWTSecret != "" {
		fmt.Println("\nTo issue an API token:")
		fmt.Printf("  dexter-gateway token --sub <name>\n")
	}

	return nil
}

// renderConfig writes the YAML config for the collected answers.
func renderConfig(a initAnswers) string {
	var cfg strings.Builder
	cfg.WriteString("# dexter-gateway configuration\n")
	cfg.WriteString("# Generated by dexter-gateway init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", a.HTTPAddr))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", a.DBPath))
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  jwt_secret: \"%s\"\n", a.JWTSecret))
	cfg.WriteString("\n")

	cfg.WriteString("hub:\n")
	cfg.WriteString("  queue_size: 64\n")
	cfg.WriteString("  event_log: true\n")
	cfg.WriteString("\n")

	cfg.WriteString("memory:\n")
	cfg.WriteString("  short_term_capacity: 50\n")
	cfg.WriteString("  history_limit: 10\n")
	cfg.WriteString("  embedding:\n")
	cfg.WriteString("    enabled: false\n")
	cfg.WriteString("\n")

	cfg.WriteString("clarify:\n")
	cfg.WriteString(fmt.Sprintf("  mode: \"%s\"\n", a.ClarifyMode))
	cfg.WriteString("  answer_timeout: \"5m\"\n")
	if a.ClarifyMode == "model" {
		cfg.WriteString(fmt.Sprintf("  provider: \"%s\"\n", a.Provider))
		cfg.WriteString(fmt.Sprintf("  model: \"%s\"\n", a.Model))
		cfg.WriteString("  timeout: \"30s\"\n")
		cfg.WriteString("  requests_per_second: 2\n")
	}
	cfg.WriteString("\n")

	cfg.WriteString("graph:\n")
	cfg.WriteString(fmt.Sprintf("  backend: \"%s\"\n", a.GraphBackend))
	if a.GraphBackend == "neo4j" {
		cfg.WriteString("  uri: \"neo4j://localhost:7687\"\n")
		cfg.WriteString("  username: \"neo4j\"\n")
		cfg.WriteString("  password: \"${NEO4J_PASSWORD}\"\n")
	}
	cfg.WriteString("\n")

	cfg.WriteString("sinks:\n")
	cfg.WriteString("  log:\n")
	cfg.WriteString("    enabled: false\n")
	cfg.WriteString("  kafka:\n")
	cfg.WriteString("    enabled: false\n")
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", a.LogLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", a.LogFormat))

	return cfg.String()
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
