/*
Package log provides structured logging for nacosd using zerolog: a global
logger configured once at process startup, plus per-component loggers that
attach stable fields (node ID, connection ID, service key, lock key) to
every line a subsystem emits.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  log.Init(Config{Level, JSONOutput, Output})               │
	│        sets the package-level zerolog.Logger                │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Context Loggers                     │          │
	│  │  WithComponent("api-server")                │          │
	│  │  WithNodeID(nodeID)                         │          │
	│  │  WithConnectionID(connID)                   │          │
	│  │  WithServiceKey(key)  WithLockKey(key)       │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │   JSON (production) or console (dev) output  │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Configuration

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

JSONOutput false routes through zerolog's ConsoleWriter for readable local
development output; true emits one JSON object per line for production
log aggregation. Output defaults to os.Stdout when left nil.

# Levels

DebugLevel, InfoLevel, WarnLevel, and ErrorLevel gate what WithComponent's
returned zerolog.Logger will emit. Package-level Info/Debug/Warn/Error/
Errorf write through the unscoped global logger for call sites with no
natural component; Fatal logs at fatal level and calls os.Exit(1).

# Context Loggers

	connLog := log.WithConnectionID(conn.ConnectionID())
	connLog.Info().Str("type", req.Type).Msg("dispatching request")

	log.WithServiceKey(key.Key()).Warn().Msg("instance health flapping")
	log.WithLockKey(lock.Key).Debug().Int64("fenceToken", tok).Msg("lock acquired")

Each helper returns a zerolog.Logger with one field pre-attached
(component, node_id, connection_id, service_key, or lock_key) rather than
mutating global state, so concurrent call sites never race on shared
logger configuration.

# Integration Points

  - pkg/api: request dispatch and connection lifecycle logging
  - pkg/consensus: Raft state transitions and apply errors
  - pkg/naming, pkg/configsvc, pkg/lockservice: per-key operation logs
  - cmd/nacosd: Init is called once in cobra's OnInitialize hook, reading
    --log-level/--log-json from persistent flags
*/
package log
