// Package config provides configuration loading, validation, and hot-reload
// for the syscage agent.
//
// Configuration file: /etc/syscage/config.yaml (default)
// Schema version: 1
//
// Hot-reload:
//   - Agent listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate config.yaml, then reload rule files.
//   - The re-read config is only validated; none of its values are applied.
//     Rule files are re-read from the paths in the config loaded at startup,
//     and every other config change takes effect only after a restart.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The agent does NOT crash on invalid hot-reload config.
//
// Validation:
//   - All required fields must be present.
//   - File paths must be absolute.
//   - Invalid config on startup: agent refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for syscage.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// NodeID is a unique identifier for this syscage node. Used in gossip
	// envelopes and audit ledger entries. Default: hostname.
	NodeID string `yaml:"node_id"`

	// Agent configures the userspace controller behaviour.
	Agent AgentConfig `yaml:"agent"`

	// Cgroup configures the monitored cgroup v2 subtree.
	Cgroup CgroupConfig `yaml:"cgroup"`

	// Policy configures per-domain rule files and default actions.
	Policy PolicyConfig `yaml:"policy"`

	// Storage configures the BoltDB audit trail.
	Storage StorageConfig `yaml:"storage"`

	// Gossip configures the optional fleet policy-sync layer.
	Gossip GossipConfig `yaml:"gossip"`

	// Observability configures metrics and logging.
	Observability ObservabilityConfig `yaml:"observability"`

	// Operator configures the operator override Unix socket.
	Operator OperatorConfig `yaml:"operator"`
}

// AgentConfig holds controller-level operational parameters.
type AgentConfig struct {
	// PinPath is the bpffs directory the BPF maps/links are pinned under.
	// Default: /sys/fs/bpf/syscage.
	PinPath string `yaml:"pin_path"`

	// RingBufferWorkers is validated to [1, 64] but not read by the agent:
	// the ring buffer processor always runs one reader goroutine per domain
	// and a single drain goroutine. Default: 4.
	RingBufferWorkers int `yaml:"ring_buffer_workers"`

	// EventQueueSize is the in-memory decoded-event queue depth between the
	// ring buffer reader and the storage/metrics sinks. If full, new events
	// are dropped and the drop counter is incremented. Default: 10000.
	EventQueueSize int `yaml:"event_queue_size"`

	// PendingExecArgsTTL bounds how long an unmatched pending_exec_args
	// entry (tracepoint fired, LSM hook never ran) lingers before the
	// sweeper reclaims it. Default: 5s.
	PendingExecArgsTTL time.Duration `yaml:"pending_exec_args_ttl"`

	// LightweightMode disables the Prometheus metrics server and gossip to
	// reduce resource consumption on edge/low-power nodes. When true:
	// metrics HTTP server and gossip are not started; Validate rejects a
	// config that also sets gossip.enabled. Default: false.
	LightweightMode bool `yaml:"lightweight_mode"`
}

// CgroupConfig holds cgroup v2 enumeration parameters.
type CgroupConfig struct {
	// RootPath is the cgroupfs directory whose descendants are monitored.
	// Default: /sys/fs/cgroup (the whole tree).
	RootPath string `yaml:"root_path"`

	// ReconcileInterval is how often the descendant set is re-walked and
	// republished. Default: 5s.
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
}

// PolicyConfig holds per-domain rule file paths and default actions.
type PolicyConfig struct {
	OpenRulesFile    string `yaml:"open_rules_file"`
	ExecRulesFile    string `yaml:"exec_rules_file"`
	ConnectRulesFile string `yaml:"connect_rules_file"`

	// DefaultOpenAction, DefaultExecAction, DefaultConnectAction are the
	// verdicts applied when no rule in a domain matches. "allow" or "deny".
	DefaultOpenAction    string `yaml:"default_open_action"`
	DefaultExecAction    string `yaml:"default_exec_action"`
	DefaultConnectAction string `yaml:"default_connect_action"`
}

// OperatorConfig holds operator override parameters.
type OperatorConfig struct {
	// SocketPath is the Unix domain socket path the operator CLI connects
	// to issue commands (reload, set-default, add/remove-cgroup, status,
	// list-rules). Permissions: 0600, owned by root.
	// Default: /run/syscage/operator.sock.
	SocketPath string `yaml:"socket_path"`

	// Enabled controls whether the operator socket is active. Default: true.
	Enabled bool `yaml:"enabled"`
}

// StorageConfig holds BoltDB parameters.
type StorageConfig struct {
	// DBPath is the absolute path to the BoltDB audit trail file.
	// Default: /var/lib/syscage/syscage.db.
	DBPath string `yaml:"db_path"`

	// RetentionDays is the event/snapshot retention period. Default: 30.
	RetentionDays int `yaml:"retention_days"`
}

// GossipConfig holds the optional fleet policy-sync parameters.
type GossipConfig struct {
	// Enabled controls whether the gossip layer is active.
	// Default: false (standalone mode).
	Enabled bool `yaml:"enabled"`

	// ListenAddr is the gRPC listen address. Default: 0.0.0.0:9443.
	ListenAddr string `yaml:"listen_addr"`

	// Peers is the static list of peer addresses (host:port).
	Peers []string `yaml:"peers"`

	// PartitionThreshold is the fraction of configured peers that must be
	// reachable for this node to consider gossip convergence reliable.
	// Below it, the node enters partition mode (see internal/gossip.PeerTracker).
	// Default: 0.5.
	PartitionThreshold float64 `yaml:"partition_threshold"`

	// EnvelopeTTL is the maximum age of a gossip envelope before rejection.
	// Default: 30s.
	EnvelopeTTL time.Duration `yaml:"envelope_ttl"`

	// SyncInterval is how often this node broadcasts its current rule-set
	// version hashes and cgroup-set digest to peers. Default: 10s.
	SyncInterval time.Duration `yaml:"sync_interval"`

	// TLSCertFile is the path to the node's TLS certificate (PEM).
	TLSCertFile string `yaml:"tls_cert_file"`

	// TLSKeyFile is the path to the node's TLS private key (PEM).
	TLSKeyFile string `yaml:"tls_key_file"`

	// TLSCAFile is the path to the CA certificate for peer verification (PEM).
	TLSCAFile string `yaml:"tls_ca_file"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `yaml:"log_format"`
}

// DefaultDBPath mirrors the storage package constant for use in config defaults.
const DefaultDBPath = "/var/lib/syscage/syscage.db"

// DefaultPinPath mirrors internal/lsm.BPFPinPath for use in config defaults.
const DefaultPinPath = "/sys/fs/bpf/syscage"

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		Agent: AgentConfig{
			PinPath:            DefaultPinPath,
			RingBufferWorkers:  4,
			EventQueueSize:     10000,
			PendingExecArgsTTL: 5 * time.Second,
		},
		Cgroup: CgroupConfig{
			RootPath:          "/sys/fs/cgroup",
			ReconcileInterval: 5 * time.Second,
		},
		Policy: PolicyConfig{
			OpenRulesFile:        "/etc/syscage/rules/open.yaml",
			ExecRulesFile:        "/etc/syscage/rules/exec.yaml",
			ConnectRulesFile:     "/etc/syscage/rules/connect.yaml",
			DefaultOpenAction:    "allow",
			DefaultExecAction:    "allow",
			DefaultConnectAction: "allow",
		},
		Storage: StorageConfig{
			DBPath:        DefaultDBPath,
			RetentionDays: 30,
		},
		Gossip: GossipConfig{
			Enabled:            false,
			ListenAddr:         "0.0.0.0:9443",
			PartitionThreshold: 0.5,
			EnvelopeTTL:        30 * time.Second,
			SyncInterval:       10 * time.Second,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Operator: OperatorConfig{
			Enabled:    true,
			SocketPath: "/run/syscage/operator.sock",
		},
	}
}

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
// Returns an error if the file cannot be read, parsed, or validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

func validAction(s string) bool {
	return s == "allow" || s == "deny"
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}
	if !filepath.IsAbs(cfg.Agent.PinPath) {
		errs = append(errs, fmt.Sprintf("agent.pin_path must be absolute, got %q", cfg.Agent.PinPath))
	}
	if cfg.Agent.RingBufferWorkers < 1 || cfg.Agent.RingBufferWorkers > 64 {
		errs = append(errs, fmt.Sprintf("agent.ring_buffer_workers must be in [1, 64], got %d", cfg.Agent.RingBufferWorkers))
	}
	if cfg.Agent.EventQueueSize < 100 {
		errs = append(errs, fmt.Sprintf("agent.event_queue_size must be >= 100, got %d", cfg.Agent.EventQueueSize))
	}
	if cfg.Agent.PendingExecArgsTTL < time.Second {
		errs = append(errs, fmt.Sprintf("agent.pending_exec_args_ttl must be >= 1s, got %s", cfg.Agent.PendingExecArgsTTL))
	}
	if !filepath.IsAbs(cfg.Cgroup.RootPath) {
		errs = append(errs, fmt.Sprintf("cgroup.root_path must be absolute, got %q", cfg.Cgroup.RootPath))
	}
	if cfg.Cgroup.ReconcileInterval < time.Second {
		errs = append(errs, fmt.Sprintf("cgroup.reconcile_interval must be >= 1s, got %s", cfg.Cgroup.ReconcileInterval))
	}
	for name, path := range map[string]string{
		"policy.open_rules_file":    cfg.Policy.OpenRulesFile,
		"policy.exec_rules_file":    cfg.Policy.ExecRulesFile,
		"policy.connect_rules_file": cfg.Policy.ConnectRulesFile,
	} {
		if path != "" && !filepath.IsAbs(path) {
			errs = append(errs, fmt.Sprintf("%s must be absolute, got %q", name, path))
		}
	}
	if !validAction(cfg.Policy.DefaultOpenAction) {
		errs = append(errs, fmt.Sprintf("policy.default_open_action must be allow or deny, got %q", cfg.Policy.DefaultOpenAction))
	}
	if !validAction(cfg.Policy.DefaultExecAction) {
		errs = append(errs, fmt.Sprintf("policy.default_exec_action must be allow or deny, got %q", cfg.Policy.DefaultExecAction))
	}
	if !validAction(cfg.Policy.DefaultConnectAction) {
		errs = append(errs, fmt.Sprintf("policy.default_connect_action must be allow or deny, got %q", cfg.Policy.DefaultConnectAction))
	}
	if cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.db_path must not be empty")
	} else if !filepath.IsAbs(cfg.Storage.DBPath) {
		errs = append(errs, fmt.Sprintf("storage.db_path must be absolute, got %q", cfg.Storage.DBPath))
	}
	if cfg.Storage.RetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("storage.retention_days must be >= 1, got %d", cfg.Storage.RetentionDays))
	}
	if cfg.Gossip.Enabled {
		if cfg.Gossip.TLSCertFile == "" || cfg.Gossip.TLSKeyFile == "" || cfg.Gossip.TLSCAFile == "" {
			errs = append(errs, "gossip.tls_cert_file, tls_key_file, and tls_ca_file are required when gossip is enabled")
		}
		if cfg.Gossip.PartitionThreshold <= 0 || cfg.Gossip.PartitionThreshold > 1 {
			errs = append(errs, fmt.Sprintf("gossip.partition_threshold must be in (0, 1], got %v", cfg.Gossip.PartitionThreshold))
		}
		if cfg.Gossip.SyncInterval < time.Second {
			errs = append(errs, fmt.Sprintf("gossip.sync_interval must be >= 1s, got %s", cfg.Gossip.SyncInterval))
		}
	}
	if cfg.Agent.LightweightMode && cfg.Gossip.Enabled {
		errs = append(errs, "agent.lightweight_mode=true is incompatible with gossip.enabled=true")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s",
			joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
