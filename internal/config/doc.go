// Package config handles configuration loading for chat-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${CHAT_GATEWAY_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  origin_patterns: ["example.com"]
//
// Database:
//
//	database:
//	  path: "/var/lib/chat-gateway/gateway.db"
//
// Authentication:
//
//	auth:
//	  jwt_secret: "${CHAT_GATEWAY_JWT_SECRET}"
//	  insecure: false   # accept tokens verbatim, development only
//
// Streaming:
//
//	stream:
//	  queue_size: 256   # event bridge capacity per response stream
//
// Socket frame handling:
//
//	socket:
//	  replay_ttl: "2m"        # how long a frame id is remembered
//	  replay_capacity: 4096
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
