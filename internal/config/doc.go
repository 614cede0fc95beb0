// Package config handles configuration loading for coven-supervisor.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_SUPERVISOR_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/supervisor.yaml
//  3. ~/.config/coven/supervisor.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	identity_providers:
//	  - name: "cognito"
//	    client_secret: "${COVEN_CLIENT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	supervisor:
//	  deadline: "60s"
//	  grace: "2s"
//	retry:
//	  base_delay: "200ms"
//	  max_delay: "5s"
//
// A zero duration leaves the component default in place.
//
// # Configuration Sections
//
// Tool endpoints. Each endpoint is an MCP gateway, a gRPC ToolService or a
// Lambda tool target. Tools are declared statically or discovered at startup:
//
//	endpoints:
//	  - name: "gateway"
//	    type: "mcp"
//	    url: "https://gateway.example.com/mcp"
//	    provider: "cognito"
//	    audience: "gateway"
//	    discover: true
//	  - name: "pubmed"
//	    type: "lambda"
//	    function: "pubmed-tools"
//	    target: "pubmed"
//	    tools:
//	      - name: "search_pubmed"
//
// Specialists and oracle:
//
//	specialists:
//	  catalog: "specialists.toml"   # relative to this file
//	oracle:
//	  type: "claude"                # rules, claude
//	  use_bedrock: true
//	  aws_region: "us-east-1"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
