package rofsock

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Config is the file form of a session setup.
//
//	listen    = "127.0.0.1:6653"
//	heartbeat = "5s"
//	version   = 4
//
//	[transport]
//	address = "10.0.0.1:6653"
//	dial_timeout = "5s"
//
//	[queues.management]
//	quota = 8
type Config struct {
	// Listen is the address a Server accepts peers on.
	Listen    string          `toml:"listen"`
	Heartbeat time.Duration   `toml:"heartbeat"`
	Version   uint8           `toml:"version"`
	Transport TransportConfig `toml:"transport"`
	Queues    QueuesConfig    `toml:"queues"`
	Log       LogConfig       `toml:"log"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

// QueuesConfig sets quota and capacity per priority class.
type QueuesConfig struct {
	Management ClassConfig `toml:"management"`
	Flow       ClassConfig `toml:"flow"`
	Packet     ClassConfig `toml:"packet"`
}

// LogConfig selects the level and output format of NewLogger.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "console" or "json"
}

// MetricsConfig names the Prometheus namespace and scrape address.
type MetricsConfig struct {
	Namespace string `toml:"namespace"`
	Addr      string `toml:"addr"`
}

// DefaultConfig returns a config with every default filled in.
func DefaultConfig() Config {
	classes := DefaultClassConfigs()
	return Config{
		Version:   Version13,
		Transport: DefaultTransportConfig(),
		Queues: QueuesConfig{
			Management: classes[ClassManagement],
			Flow:       classes[ClassFlow],
			Packet:     classes[ClassPacket],
		},
		Log:     LogConfig{Level: "info", Format: "console"},
		Metrics: MetricsConfig{Namespace: "rofsock"},
	}
}

// LoadConfig reads a TOML file over DefaultConfig. Unknown keys are an
// error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, errors.Wrapf(err, "config: decode %s", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return Config{}, errors.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values no session could run with.
func (c Config) Validate() error {
	for name, q := range map[string]ClassConfig{
		"management": c.Queues.Management,
		"flow":       c.Queues.Flow,
		"packet":     c.Queues.Packet,
	} {
		if q.Quota <= 0 {
			return errors.Errorf("config: queues.%s.quota must be positive", name)
		}
		if q.Capacity < 0 {
			return errors.Errorf("config: queues.%s.capacity must not be negative", name)
		}
	}
	if c.Heartbeat < 0 {
		return errors.New("config: heartbeat must not be negative")
	}
	if _, ok := NewDispatcher().Schema(c.Version); !ok {
		return errors.Errorf("config: unsupported version 0x%02x", c.Version)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Transport.TLS.Enabled && (c.Transport.TLS.CertFile == "") != (c.Transport.TLS.KeyFile == "") {
		return ErrTLSCertFileRequired
	}
	return nil
}

// ClassConfigs returns the queue settings indexed by class.
func (c Config) ClassConfigs() []ClassConfig {
	return []ClassConfig{
		ClassManagement: c.Queues.Management,
		ClassFlow:       c.Queues.Flow,
		ClassPacket:     c.Queues.Packet,
	}
}

// Options turns the config into session options.
func (c Config) Options() []Option {
	return []Option{
		ClassConfigOption(c.ClassConfigs()),
		HeartbeatOption(c.Heartbeat),
		VersionOption(c.Version),
		TransportFactoryOption(TCPTransportFactory(c.Transport)),
	}
}

// NewLogger builds a zerolog-backed Logger writing to w, or to stderr
// when w is nil.
func (c LogConfig) NewLogger(w io.Writer) (Logger, error) {
	level, err := parseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	if w == nil {
		w = os.Stderr
	}
	if !strings.EqualFold(c.Format, "json") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	l := zerolog.New(w).Level(level).With().Timestamp().Str("app", "rofsock").Logger()
	return NewZerologLogger(l), nil
}

func parseLevel(raw string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return zerolog.InfoLevel, nil
	case "trace":
		return zerolog.TraceLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	case "disabled", "off", "none":
		return zerolog.Disabled, nil
	default:
		return zerolog.NoLevel, errors.Errorf("config: unknown log level %q", raw)
	}
}
