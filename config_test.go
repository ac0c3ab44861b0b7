package sessiond

import (
	"testing"
	"time"
)

func TestConfigValidateDefaults(t *testing.T) {
	t.Parallel()

	var cfg Config
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Listen != DefaultListen {
		t.Fatalf("expected default listen %q, got %q", DefaultListen, cfg.Listen)
	}
	if cfg.ListenProto != "tcp" {
		t.Fatalf("expected tcp, got %q", cfg.ListenProto)
	}
	if cfg.Store != DefaultStore {
		t.Fatalf("expected default store %q, got %q", DefaultStore, cfg.Store)
	}
	if cfg.SessionTTL != DefaultSessionTTL {
		t.Fatalf("expected default ttl %s, got %s", DefaultSessionTTL, cfg.SessionTTL)
	}
	if cfg.PruneInterval != 0 {
		t.Fatalf("prune interval must stay zero unless configured, got %s", cfg.PruneInterval)
	}
	if cfg.EventsSubjectPrefix != DefaultEventsSubjectPrefix {
		t.Fatalf("expected default subject prefix, got %q", cfg.EventsSubjectPrefix)
	}
	if cfg.ShutdownTimeout != DefaultShutdownTimeout {
		t.Fatalf("expected default shutdown timeout, got %s", cfg.ShutdownTimeout)
	}
}

func TestConfigValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  Config
	}{
		{name: "bad proto", cfg: Config{ListenProto: "sctp"}},
		{name: "bad store", cfg: Config{Store: "redis://host"}},
		{name: "negative ttl", cfg: Config{SessionTTL: -time.Second}},
		{name: "negative prune interval", cfg: Config{PruneInterval: -time.Second}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := tc.cfg
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestStoreSchemes(t *testing.T) {
	t.Parallel()

	if !storeIsMemory("mem://") || !storeIsMemory("mem") {
		t.Fatalf("mem scheme not recognized")
	}
	if !storeIsPostgres("postgres://u@h/db") || !storeIsPostgres("postgresql://u@h/db") {
		t.Fatalf("postgres scheme not recognized")
	}
	if storeIsPostgres("mem://") || storeIsMemory("postgres://u@h/db") {
		t.Fatalf("schemes overlap")
	}
}
