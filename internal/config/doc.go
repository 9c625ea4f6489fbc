// Package config handles configuration loading for parley-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults for all timing knobs.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${PARLEY_JWT_SECRET}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	sessions:
//	  ttl: "30m"
//	  sweep_interval: "1m"
//	questions:
//	  wait_timeout: "60s"
//	  max_age: "10m"
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//
// Engine subprocess:
//
//	engine:
//	  command: "parley-engine"
//	  args: ["--output-format", "stream-json"]
//	  agent_dir: "/etc/parley/agents"
//	  default_agent: "assistant"
//
// Database:
//
//	database:
//	  path: "/var/lib/parley/gateway.db"
//
// Tailscale:
//
//	tailscale:
//	  enabled: false
//	  hostname: "parley-gateway"
//	  auth_key: "${TS_AUTHKEY}"
//	  https: true
package config
