// Package config loads and validates node configuration via Viper.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/JakeFAU/labnodes/internal/logging"
)

// Device families served by the binary.
const (
	FamilyOT2 = "ot2"
	FamilyUC2 = "uc2"
)

// History drivers.
const (
	HistoryMemory   = "memory"
	HistorySQLite   = "sqlite"
	HistoryPostgres = "postgres"
	HistoryBadger   = "badger"
)

// Default ports. A uc2 node often shares a host with ImSwitch, so the two
// defaults differ.
const (
	DefaultOT2NodePort  = 2005
	DefaultUC2NodePort  = 8002
	DefaultImSwitchPort = 8001
)

// EnvPrefix prefixes every environment override, e.g. LABNODE_NODE_ALIAS.
const EnvPrefix = "LABNODE"

// Config captures all node configuration knobs loaded via Viper.
type Config struct {
	// Family is the device family being served; set by Load.
	Family string `mapstructure:"-"`

	Node     NodeConfig     `mapstructure:"node"`
	Server   ServerConfig   `mapstructure:"server"`
	OT2      OT2Config      `mapstructure:"ot2"`
	UC2      UC2Config      `mapstructure:"uc2"`
	History  HistoryConfig  `mapstructure:"history"`
	Storage  StorageConfig  `mapstructure:"storage"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Progress ProgressConfig `mapstructure:"progress"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	Logging  logging.Config `mapstructure:"logging"`
}

// NodeConfig describes the node process itself.
type NodeConfig struct {
	Alias string `mapstructure:"alias"`
	Host  string `mapstructure:"host"`
	Port  int    `mapstructure:"port"`
	// WorkRoot holds one working directory per alias. Defaults to
	// $HOME/.wei/.<family>_temp.
	WorkRoot string `mapstructure:"work_root"`
	// AdmissionTimeout bounds the wait for a busy node; 0 waits as long as
	// the caller does.
	AdmissionTimeout time.Duration `mapstructure:"admission_timeout"`
	Version          string        `mapstructure:"version"`
}

// ServerConfig tunes the HTTP server.
type ServerConfig struct {
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxUploadBytes  int64         `mapstructure:"max_upload_bytes"`
}

// OT2Config addresses the liquid handler.
type OT2Config struct {
	IP           string         `mapstructure:"ip"`
	Port         int            `mapstructure:"port"`
	PollInterval time.Duration  `mapstructure:"poll_interval"`
	Compiler     CompilerConfig `mapstructure:"compiler"`
}

// CompilerConfig names the external YAML protocol compiler.
type CompilerConfig struct {
	Command string `mapstructure:"command"`
}

// UC2Config addresses the ImSwitch server driving the microscope.
type UC2Config struct {
	IP                 string `mapstructure:"ip"`
	Port               int    `mapstructure:"port"`
	HTTPS              bool   `mapstructure:"https"`
	Positioner         string `mapstructure:"positioner"`
	PoslistLegacyYStep bool   `mapstructure:"poslist_legacy_y_step"`
}

// HistoryConfig selects where finished actions are recorded.
type HistoryConfig struct {
	Driver   string         `mapstructure:"driver"`
	Capacity int            `mapstructure:"capacity"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Badger   BadgerConfig   `mapstructure:"badger"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// SQLiteConfig locates the history database file. An empty path puts it in
// the node's working directory.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// BadgerConfig locates the history database directory. An empty path puts it
// in the node's working directory.
type BadgerConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresConfig controls the history connection pool.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// StorageConfig enables an artifact archive: GCS when gcs_bucket is set, S3
// when s3_bucket is set.
type StorageConfig struct {
	GCSBucket   string `mapstructure:"gcs_bucket"`
	S3Bucket    string `mapstructure:"s3_bucket"`
	S3Region    string `mapstructure:"s3_region"`
	S3Endpoint  string `mapstructure:"s3_endpoint"`
	S3PathStyle bool   `mapstructure:"s3_path_style"`
	Prefix      string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for action event notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// NATSConfig publishes action events to NATS when Pub/Sub is not configured.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
}

// TracingConfig toggles the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Stdout exports finished spans to standard output.
	Stdout bool `mapstructure:"stdout"`
}

// Options tell Load which family to configure and where overrides live.
type Options struct {
	Family string
	// Path is an optional config file (yaml, json or toml).
	Path string
	// Flags are bound into Viper by name, see FlagKeys.
	Flags *pflag.FlagSet
}

// FlagKeys maps command-line flag names to configuration keys.
var FlagKeys = map[string]string{
	"alias":     "node.alias",
	"host":      "node.host",
	"port":      "node.port",
	"work-root": "node.work_root",
	"ot2-ip":    "ot2.ip",
	"uc2-ip":    "uc2.ip",
	"uc2-port":  "uc2.port",
	"log-level": "logging.level",
	"dev":       "logging.development",
}

// Load builds a Config from defaults, an optional file, the environment and
// flags, in increasing order of precedence.
func Load(opts Options) (Config, error) {
	if opts.Family != FamilyOT2 && opts.Family != FamilyUC2 {
		return Config{}, fmt.Errorf("unknown device family %q", opts.Family)
	}
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v, opts.Family)

	if opts.Path != "" {
		v.SetConfigFile(opts.Path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	if opts.Flags != nil {
		for name, key := range FlagKeys {
			if f := opts.Flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Family = opts.Family
	if cfg.Node.WorkRoot == "" {
		root, err := defaultWorkRoot(opts.Family)
		if err != nil {
			return Config{}, err
		}
		cfg.Node.WorkRoot = root
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, family string) {
	// Keys without a default are still registered so that environment
	// overrides reach Unmarshal.
	for _, key := range []string{
		"node.work_root", "ot2.ip", "ot2.compiler.command", "uc2.ip", "uc2.positioner",
		"history.sqlite.path", "history.badger.path", "history.postgres.dsn", "storage.gcs_bucket", "storage.s3_bucket", "storage.s3_region", "storage.s3_endpoint",
		"pubsub.project_id", "pubsub.topic_name", "nats.url", "logging.level",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("node.alias", family)
	v.SetDefault("node.host", "0.0.0.0")
	if family == FamilyOT2 {
		v.SetDefault("node.port", DefaultOT2NodePort)
	} else {
		v.SetDefault("node.port", DefaultUC2NodePort)
	}
	v.SetDefault("node.admission_timeout", 10*time.Minute)
	v.SetDefault("node.version", "0.1.0")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.max_upload_bytes", 64<<20)
	v.SetDefault("ot2.port", 31950)
	v.SetDefault("ot2.poll_interval", time.Second)
	v.SetDefault("uc2.port", DefaultImSwitchPort)
	v.SetDefault("uc2.https", false)
	v.SetDefault("uc2.poslist_legacy_y_step", true)
	v.SetDefault("history.driver", HistoryMemory)
	v.SetDefault("history.capacity", 1000)
	v.SetDefault("history.postgres.table", "action_history")
	v.SetDefault("history.postgres.max_conns", 4)
	v.SetDefault("history.postgres.min_conns", 0)
	v.SetDefault("history.postgres.max_conn_lifetime", 30*time.Minute)
	v.SetDefault("nats.subject_prefix", "labnode")
	v.SetDefault("storage.prefix", "artifacts")
	v.SetDefault("storage.s3_path_style", false)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 100)
	v.SetDefault("progress.max_batch_wait", 500*time.Millisecond)
	v.SetDefault("progress.sink_timeout", 10*time.Second)
	v.SetDefault("tracing.enabled", true)
	v.SetDefault("tracing.stdout", false)
	v.SetDefault("logging.development", false)
}

func defaultWorkRoot(family string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".wei", "."+family+"_temp"), nil
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Node.Alias) == "" {
		return fmt.Errorf("node.alias is required")
	}
	if c.Node.Port <= 0 || c.Node.Port > 65535 {
		return fmt.Errorf("node.port must be between 1 and 65535")
	}
	if c.Node.AdmissionTimeout < 0 {
		return fmt.Errorf("node.admission_timeout must be >= 0")
	}
	switch c.Family {
	case FamilyOT2:
		if c.OT2.IP == "" {
			return fmt.Errorf("ot2.ip is required")
		}
		if c.OT2.PollInterval <= 0 {
			return fmt.Errorf("ot2.poll_interval must be > 0")
		}
	case FamilyUC2:
		if c.UC2.IP == "" {
			return fmt.Errorf("uc2.ip is required")
		}
		if c.UC2.Port <= 0 || c.UC2.Port > 65535 {
			return fmt.Errorf("uc2.port must be between 1 and 65535")
		}
		if c.UC2.Port == c.Node.Port && isLoopback(c.UC2.IP) {
			return fmt.Errorf("node.port %d is the ImSwitch port on %s; pick another --port", c.Node.Port, c.UC2.IP)
		}
	}
	switch c.History.Driver {
	case HistoryMemory, HistorySQLite, HistoryBadger:
	case HistoryPostgres:
		if c.History.Postgres.DSN == "" {
			return fmt.Errorf("history.postgres.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("history.driver must be one of memory, sqlite, badger, postgres")
	}
	if c.Storage.GCSBucket != "" && c.Storage.S3Bucket != "" {
		return fmt.Errorf("storage.gcs_bucket and storage.s3_bucket are mutually exclusive")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id is required when pubsub.topic_name is set")
	}
	return nil
}

// Addr is the listen address of the node's HTTP server.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Node.Host, c.Node.Port)
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
