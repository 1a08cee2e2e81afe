// Package config handles configuration loading for switchboard.
//
// # Overview
//
// Configuration is loaded from a YAML file, then layered with environment
// overrides and defaults, then validated.
//
// # Layers
//
// In order of application:
//
//  1. .env files loaded with LoadDotenv (existing variables win)
//  2. ${VAR_NAME} references inside the YAML are expanded
//  3. SWITCHBOARD_<SECTION>_<FIELD> variables override individual fields,
//     for example SWITCHBOARD_AUTH_JWT_SECRET or SWITCHBOARD_PRESENCE_BACKEND
//  4. Defaults fill anything still empty
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	notifications:
//	  retention: "720h"
//	messages:
//	  pending_ttl: "5m"
//
// # Configuration Sections
//
//	server:
//	  http_addr: ":8080"
//	  grpc_addr: ":50051"                 # gRPC health service, optional
//	  public_url: "https://support.example.com"
//
//	database:
//	  path: "./switchboard.db"
//
//	auth:
//	  jwt_secret: "${SWITCHBOARD_JWT_SECRET}"
//	  provider_token: "${PROVIDER_TOKEN}"  # guards provider callbacks
//
//	channels:
//	  matrix: {enabled: true, homeserver: ..., user_id: ..., access_token: ...}
//	  http:
//	    - {name: whatsapp, base_url: ..., token: ...}
//
//	assistant:
//	  auto_assign: true
//	  keywords: ["human", "agent"]
//
//	presence:
//	  backend: "memory"                   # memory, redis
//
// # Usage
//
//	_ = config.LoadDotenv(".env")
//	cfg, err := config.Load("config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
