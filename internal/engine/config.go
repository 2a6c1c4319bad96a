package engine

import (
	"net"

	"github.com/chr15m/syncjams/internal/schema"
	"github.com/chr15m/syncjams/internal/transport"
)

// DefaultNamespace is the address prefix every datagram carries unless
// overridden (spec §3, §6: NAMESPACE).
const DefaultNamespace = "/syncjams"

// DefaultPort is the UDP port bound by default (spec §6: PORT).
const DefaultPort = 23232

// protocolVersion is the leading argument on every datagram (spec §6).
const protocolVersion = "v1"

// Logger is the narrow diagnostics sink the engine logs through —
// dropped datagrams, send failures, decode errors (spec §7).
type Logger interface {
	Printf(format string, v ...interface{})
}

type noopLogger struct{}

func (noopLogger) Printf(string, ...interface{}) {}

// Config configures a new Engine (spec §4.1 "new(initial_state, options)",
// §6 "Configuration").
type Config struct {
	// Namespace is the address prefix on every datagram. Default "/syncjams".
	Namespace string

	// Port is the UDP port to bind. Default 23232.
	Port int

	// Destinations are the addresses every outbound datagram fans out
	// to. Default: limited broadcast plus the hard-coded subnet
	// broadcast (transport.DefaultDestinations).
	Destinations []*net.UDPAddr

	// InitialState seeds the state store at construction. "/BPM" is
	// inserted with value 180 if not present (spec §4.1).
	InitialState map[string][]any

	// Observer receives tick/message/state/join/leave notifications.
	// Default: a no-op observer.
	Observer Observer

	// Logger receives diagnostic output. Default: discarded.
	Logger Logger

	// Schemas, if set, validates every set_state call against a
	// registered per-prefix JSON Schema before it is accepted.
	Schemas *schema.Registry

	// SnapshotPath, if non-empty, persists the state store to a local
	// SQLite file: every accepted write is saved, and the store is
	// restored from it at construction, so a restarted node recovers
	// without waiting on anti-entropy. Disabled by default.
	SnapshotPath string

	// MessageLogCapacity bounds the rolling, searchable history of
	// accepted broadcast messages and state writes kept in memory.
	// 0 disables the message log entirely.
	MessageLogCapacity int
}

// DefaultConfig returns the configuration spec §6's constants describe.
func DefaultConfig() Config {
	return Config{
		Namespace: DefaultNamespace,
		Port:      DefaultPort,
	}
}

func (cfg Config) withDefaults() Config {
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if len(cfg.Destinations) == 0 {
		cfg.Destinations = transport.DefaultDestinations(cfg.Port)
	}
	if cfg.Observer == nil {
		cfg.Observer = noopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}
	return cfg
}
