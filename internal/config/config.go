package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	NodeID string `json:"nodeId"`

	Redis    Redis    `json:"redis"`
	Stream   Stream   `json:"stream"`
	Cache    Cache    `json:"cache"`
	Recovery Recovery `json:"recovery"`
	WS       WS       `json:"ws"`
	Events   Events   `json:"events"`
	History  History  `json:"history"`
}

// Redis addresses the distributed cache/pub-sub tier.
type Redis struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// Stream captures streaming lifecycle limits.
type Stream struct {
	OwnershipTTL       Duration `json:"ownershipTtl"`
	SessionTTL         Duration `json:"sessionTtl"`
	ChunkTTL           Duration `json:"chunkTtl"`
	CompletedRetention Duration `json:"completedRetention"`
	MaxPendingChunks   int      `json:"maxPendingChunks"`
	BackpressureDelay  Duration `json:"backpressureDelay"`
	HeartbeatTimeout   Duration `json:"heartbeatTimeout"`
	SweepInterval      Duration `json:"sweepInterval"`
	AppendLockWait     Duration `json:"appendLockWait"`
	AppendLockHold     Duration `json:"appendLockHold"`
}

// Cache configures the local session cache tier.
type Cache struct {
	LocalMaxEntries int      `json:"localMaxEntries"`
	LocalTTL        Duration `json:"localTtl"`
}

// Recovery bounds the reconnect protocol.
type Recovery struct {
	SessionTTL            Duration `json:"sessionTtl"`
	MaxChunksPerRequest   int      `json:"maxChunksPerRequest"`
	EnableDurableFallback bool     `json:"enableDurableFallback"`
	LockWait              Duration `json:"lockWait"`
	LockHold              Duration `json:"lockHold"`
}

// WS configures the WebSocket transport.
type WS struct {
	ReadTimeout    Duration `json:"readTimeout"`
	WriteTimeout   Duration `json:"writeTimeout"`
	PingInterval   Duration `json:"pingInterval"`
	MaxMessageSize int64    `json:"maxMessageSize"`
	AuthSecret     string   `json:"authSecret"`
}

// Events configures the optional analytics/audit sink. The sink is disabled
// when Brokers is empty.
type Events struct {
	Brokers     []string `json:"brokers"`
	TopicPrefix string   `json:"topicPrefix"`
}

// History bounds the buffered-history replay on connect.
type History struct {
	Limit int `json:"limit"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Redis: Redis{Addr: "127.0.0.1:6379"},
		Stream: Stream{
			OwnershipTTL:       Duration(10 * time.Minute),
			SessionTTL:         Duration(10 * time.Minute),
			ChunkTTL:           Duration(5 * time.Minute),
			CompletedRetention: Duration(5 * time.Minute),
			MaxPendingChunks:   1000,
			BackpressureDelay:  Duration(10 * time.Millisecond),
			HeartbeatTimeout:   Duration(60 * time.Second),
			SweepInterval:      Duration(30 * time.Second),
			AppendLockWait:     Duration(100 * time.Millisecond),
			AppendLockHold:     Duration(5 * time.Second),
		},
		Cache: Cache{
			LocalMaxEntries: 10_000,
			LocalTTL:        Duration(5 * time.Minute),
		},
		Recovery: Recovery{
			SessionTTL:            Duration(10 * time.Minute),
			MaxChunksPerRequest:   1000,
			EnableDurableFallback: true,
			LockWait:              Duration(5 * time.Second),
			LockHold:              Duration(30 * time.Second),
		},
		WS: WS{
			ReadTimeout:    Duration(90 * time.Second),
			WriteTimeout:   Duration(10 * time.Second),
			PingInterval:   Duration(30 * time.Second),
			MaxMessageSize: 64 << 10,
		},
		Events:  Events{TopicPrefix: "chat"},
		History: History{Limit: 50},
	}
}

// Load reads configuration from a JSON file. If path is empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultDataDir returns the OS-specific data directory for relay state.
func DefaultDataDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "relay")
	}
	return filepath.Join(os.TempDir(), "relay")
}

// Duration is a time.Duration that (un)marshals as a string like "5m".
type Duration time.Duration

// Std converts to a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalJSON renders the duration as its string form.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts either a duration string or integer nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*d = Duration(n)
	return nil
}
