package sessiond

import (
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":8088"
	// DefaultListenProto controls the network used when none is configured.
	DefaultListenProto = "tcp"
	// DefaultMetricsListen is the default Prometheus scrape endpoint. Empty
	// disables the metrics listener.
	DefaultMetricsListen = ""
	// DefaultStore points the server at the in-memory registry when no store
	// is provided.
	DefaultStore = "mem://"
	// DefaultSessionTTL is the instance-session lease length; endpoints must
	// ping within this window or lose their claims.
	DefaultSessionTTL = 10 * time.Second
	// DefaultPruneInterval sets the tick frequency for expired-session sweeps.
	DefaultPruneInterval = 15 * time.Second
	// DefaultShutdownTimeout caps graceful HTTP shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultEventsSubjectPrefix roots the NATS subject hierarchy for device
	// lifecycle events.
	DefaultEventsSubjectPrefix = "events"
	// DefaultConfigFileName is the config file searched for when --config is
	// omitted.
	DefaultConfigFileName = "config.yaml"
)

// Config describes a sessiond server instance.
type Config struct {
	// Listen is the bind address, host:port for tcp or a path for unix.
	Listen string
	// ListenProto is "tcp" or "unix".
	ListenProto string
	// MetricsListen exposes Prometheus metrics when non-empty.
	MetricsListen string
	// Store selects the registry backend: "mem://" or a PostgreSQL DSN
	// (postgres:// or postgresql://).
	Store string
	// SessionTTL is the lease granted by init and renewed by ping.
	SessionTTL time.Duration
	// PruneInterval is the background sweep cadence; zero disables the
	// pruner (tests drive Prune directly).
	PruneInterval time.Duration
	// MaxConns caps the PostgreSQL pool; zero keeps the driver default.
	MaxConns int32
	// RegistryURL points create-validation at a device registry. Empty
	// accepts every application.
	RegistryURL string
	// NATSURL enables event publishing when non-empty.
	NATSURL string
	// EventsSubjectPrefix overrides the NATS subject prefix.
	EventsSubjectPrefix string
	// OTLPEndpoint enables trace export when non-empty.
	OTLPEndpoint string
	// ShutdownTimeout caps graceful shutdown.
	ShutdownTimeout time.Duration
}

// Validate applies defaults and rejects unusable configurations.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	if c.ListenProto != "tcp" && c.ListenProto != "unix" {
		return fmt.Errorf("config: unsupported listen protocol %q", c.ListenProto)
	}
	if c.Store == "" {
		c.Store = DefaultStore
	}
	if !storeIsMemory(c.Store) && !storeIsPostgres(c.Store) {
		return fmt.Errorf("config: unsupported store %q (want mem:// or a postgres DSN)", c.Store)
	}
	if c.SessionTTL == 0 {
		c.SessionTTL = DefaultSessionTTL
	}
	if c.SessionTTL < 0 {
		return fmt.Errorf("config: session ttl must be positive")
	}
	if c.PruneInterval < 0 {
		return fmt.Errorf("config: prune interval must not be negative")
	}
	if c.EventsSubjectPrefix == "" {
		c.EventsSubjectPrefix = DefaultEventsSubjectPrefix
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return nil
}

func storeIsMemory(store string) bool {
	return store == "mem://" || store == "mem"
}

func storeIsPostgres(store string) bool {
	return strings.HasPrefix(store, "postgres://") || strings.HasPrefix(store, "postgresql://")
}
