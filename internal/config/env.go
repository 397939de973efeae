package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// FromEnv overlays RELAY_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("RELAY_NODE_ID"); v != "" {
		cfg.NodeID = v
	}
	if v := os.Getenv("RELAY_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("RELAY_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("RELAY_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}
	overlayDuration("RELAY_OWNERSHIP_TTL", &cfg.Stream.OwnershipTTL)
	overlayDuration("RELAY_SESSION_TTL", &cfg.Stream.SessionTTL)
	overlayDuration("RELAY_CHUNK_TTL", &cfg.Stream.ChunkTTL)
	overlayDuration("RELAY_COMPLETED_RETENTION", &cfg.Stream.CompletedRetention)
	overlayDuration("RELAY_HEARTBEAT_TIMEOUT", &cfg.Stream.HeartbeatTimeout)
	overlayDuration("RELAY_SWEEP_INTERVAL", &cfg.Stream.SweepInterval)
	if v := os.Getenv("RELAY_MAX_PENDING_CHUNKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Stream.MaxPendingChunks = n
		}
	}
	if v := os.Getenv("RELAY_RECOVERY_MAX_CHUNKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Recovery.MaxChunksPerRequest = n
		}
	}
	if v := os.Getenv("RELAY_RECOVERY_DURABLE_FALLBACK"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Recovery.EnableDurableFallback = b
		}
	}
	overlayDuration("RELAY_RECOVERY_SESSION_TTL", &cfg.Recovery.SessionTTL)
	overlayDuration("RELAY_RECOVERY_LOCK_WAIT", &cfg.Recovery.LockWait)
	if v := os.Getenv("RELAY_CACHE_LOCAL_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Cache.LocalMaxEntries = n
		}
	}
	overlayDuration("RELAY_CACHE_LOCAL_TTL", &cfg.Cache.LocalTTL)
	if v := os.Getenv("RELAY_WS_AUTH_SECRET"); v != "" {
		cfg.WS.AuthSecret = v
	}
	if v := os.Getenv("RELAY_KAFKA_BROKERS"); v != "" {
		parts := strings.Split(v, ",")
		cfg.Events.Brokers = nil
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cfg.Events.Brokers = append(cfg.Events.Brokers, p)
			}
		}
	}
	if v := os.Getenv("RELAY_KAFKA_TOPIC_PREFIX"); v != "" {
		cfg.Events.TopicPrefix = v
	}
	if v := os.Getenv("RELAY_HISTORY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.History.Limit = n
		}
	}
}

func overlayDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}
