// Package config handles configuration loading for waypost.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from WAYPOST_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/waypost/gateway.yaml
//  3. ~/.config/waypost/gateway.yaml
//
// Files ending in .toml are decoded as TOML; anything else is YAML. Both
// formats use the same keys.
//
// # Environment Variables
//
// Values can reference environment variables with ${VAR_NAME}. After parsing,
// these variables override the file when set:
//
//	WAYPOST_AUTH_STRATEGY   credentials.strategy
//	REDIS_URL               credentials.remote.url
//	REDIS_PASSWORD          credentials.remote.password
//	WEBHOOK_URL             webhook.url
//	WEBHOOK_SECRET          webhook.secret
//	WAYPOST_DB_PATH         database.path
//	AUTO_RESTORE_SESSIONS   sessions.auto_restore
//
// # Example
//
//	server:
//	  grpc_addr: "0.0.0.0:50051"  # gRPC health
//	  http_addr: "0.0.0.0:8080"   # admin API and SSE
//
//	database:
//	  path: "/var/lib/waypost/ledger.db"
//
//	credentials:
//	  strategy: "local"           # local, remote
//	  local:
//	    auth_root: "/var/lib/waypost/auth"
//	    cache_root: "/var/lib/waypost/cache"
//	  remote:
//	    url: "redis://localhost:6379/0"
//	    key_prefix: "RemoteAuth"
//
//	sessions:
//	  stale_after: "5m"
//	  disconnect_grace: "30s"
//	  auto_restore: true
//
//	webhook:
//	  url: "https://example.com/hooks/waypost"
//	  secret: "${WEBHOOK_SECRET}"
//	  timeout: "10s"
//
//	matrix:
//	  homeserver: "https://matrix.example.com"
//	  encryption: true
//	  pickle_key: "${WAYPOST_PICKLE_KEY}"
//
// Duration values use Go's time.ParseDuration syntax.
package config
