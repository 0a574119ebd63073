// ABOUTME: Package documentation for the config package.
// ABOUTME: Describes configuration file format and loading behavior.

// Package config handles loading and validation of the capstan server
// configuration from YAML files.
//
// # Configuration Format
//
// Configuration is expressed as YAML with five top-level sections:
//
//	server:
//	  http_addr: ":8080"
//
//	database:
//	  path: "capstan.db"
//
//	auth:
//	  jwt_secret: "${CAPSTAN_JWT_SECRET}"
//
//	tunnel:
//	  heartbeat_interval: "5s"
//	  heartbeat_timeout: "60s"
//	  request_timeout: "30s"
//
//	logging:
//	  level: "info"
//	  format: "json"
//
// # Environment Variable Expansion
//
// String values may reference environment variables using the ${VAR_NAME}
// syntax. Variables are expanded before YAML parsing, so a variable may
// supply any part of the document. Unset variables expand to the empty
// string, which for required fields surfaces as a validation error.
//
// # Duration Parsing
//
// Tunnel timing fields accept Go duration strings such as "30s" or "1m30s".
// Fields left empty fall back to the tunnel package defaults.
package config
