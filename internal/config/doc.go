// Package config handles configuration loading for dexter-gateway.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files (chosen by extension) with
// environment variable expansion, duration parsing, defaults and validation.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from DEXTER_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/dexter/gateway.yaml
//  3. ~/.config/dexter/gateway.yaml
//
// DEXTER_DB_PATH overrides database.path.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${DEXTER_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	clarify:
//	  answer_timeout: "5m"
//
// # Sections
//
//	server:    http_addr
//	database:  path
//	auth:      jwt_secret (empty disables API auth)
//	hub:       queue_size, event_log
//	memory:    short_term_capacity, history_limit, embedding {enabled, base_url, model, timeout}
//	clarify:   mode (heuristic|model), answer_timeout, provider (ollama|openai),
//	           base_url, model, api_key, seed, requests_per_second, timeout, cache_ttl, cache_size,
//	           handoff_ttl
//	graph:     backend (sqlite|neo4j), uri, username, password
//	sinks:     log {enabled}, kafka {enabled, brokers, topic, batch_timeout}
//	logging:   level, format (text|json), file, max_size_mb, max_backups, max_age_days
package config
