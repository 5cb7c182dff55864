package rofsock

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rofsock.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
listen    = "127.0.0.1:6653"
heartbeat = "3s"
version   = 1

[transport]
address            = "10.0.0.1:6653"
dial_timeout       = "2s"
reconnect_attempts = 9

[transport.backoff]
initial_delay = "100ms"
multiplier    = 3.0

[queues.packet]
quota    = 5
capacity = 64

[log]
level  = "warn"
format = "json"
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Listen != "127.0.0.1:6653" || cfg.Heartbeat != 3*time.Second || cfg.Version != Version10 {
		t.Errorf("top level = %+v", cfg)
	}
	if cfg.Transport.Address != "10.0.0.1:6653" || cfg.Transport.DialTimeout != 2*time.Second {
		t.Errorf("transport = %+v", cfg.Transport)
	}
	if cfg.Transport.ReconnectAttempts != 9 || cfg.Transport.Backoff.InitialDelay != 100*time.Millisecond {
		t.Errorf("reconnect = %d, backoff = %+v", cfg.Transport.ReconnectAttempts, cfg.Transport.Backoff)
	}
	// unset keys keep their defaults
	if cfg.Transport.WriteTimeout != 15*time.Second || cfg.Transport.Network != "tcp" {
		t.Errorf("defaults lost: %+v", cfg.Transport)
	}
	if cfg.Queues.Management.Quota != 8 || cfg.Queues.Flow.Quota != 4 {
		t.Errorf("queue defaults lost: %+v", cfg.Queues)
	}
	if cfg.Queues.Packet != (ClassConfig{Quota: 5, Capacity: 64}) {
		t.Errorf("packet queue = %+v", cfg.Queues.Packet)
	}

	classes := cfg.ClassConfigs()
	if len(classes) != 3 || classes[ClassPacket].Capacity != 64 {
		t.Errorf("ClassConfigs = %v", classes)
	}
}

func TestLoadConfig_UnknownKey(t *testing.T) {
	path := writeConfig(t, `
listen = "127.0.0.1:6653"
listne = "typo"
`)
	_, err := LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "listne") {
		t.Errorf("err = %v, want unknown key error", err)
	}
}

func TestLoadConfig_Missing(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Error("expected error for a missing file")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero quota", func(c *Config) { c.Queues.Flow.Quota = 0 }},
		{"negative capacity", func(c *Config) { c.Queues.Packet.Capacity = -1 }},
		{"negative heartbeat", func(c *Config) { c.Heartbeat = -time.Second }},
		{"unknown version", func(c *Config) { c.Version = 0x02 }},
		{"bad log level", func(c *Config) { c.Log.Level = "chatty" }},
		{"cert without key", func(c *Config) {
			c.Transport.TLS = TLSConfig{Enabled: true, CertFile: "switch.pem"}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestConfig_Options(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Heartbeat = time.Second
	cfg.Version = Version12
	cfg.Queues.Management.Quota = 2

	var opts options
	for _, o := range cfg.Options() {
		o(&opts)
	}
	if err := checkOptions(&opts); err != nil {
		t.Fatalf("checkOptions failed: %v", err)
	}
	if opts.heartbeat != time.Second || opts.version != Version12 {
		t.Errorf("heartbeat = %v, version = 0x%02x", opts.heartbeat, opts.version)
	}
	if opts.classes[ClassManagement].Quota != 2 {
		t.Errorf("classes = %v", opts.classes)
	}
	if opts.transportFactory == nil {
		t.Error("transport factory not set")
	}
}

func TestLogConfig_NewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := LogConfig{Level: "info", Format: "json"}.NewLogger(&buf)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	logger.Debug("hidden")
	logger.Info("visible", "session", 1)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("debug line written at info level")
	}
	if !strings.Contains(out, `"message":"visible"`) || !strings.Contains(out, `"app":"rofsock"`) {
		t.Errorf("log output = %q", out)
	}

	if _, err := (LogConfig{Level: "loud"}).NewLogger(&buf); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestTLSConfig_Disabled(t *testing.T) {
	var c TLSConfig
	client, err := c.ClientTLS()
	if err != nil || client != nil {
		t.Errorf("ClientTLS = (%v, %v), want nil", client, err)
	}
	server, err := c.ServerTLS()
	if err != nil || server != nil {
		t.Errorf("ServerTLS = (%v, %v), want nil", server, err)
	}
}

func TestTLSConfig_ServerNeedsCertificate(t *testing.T) {
	c := TLSConfig{Enabled: true}
	if _, err := c.ServerTLS(); !errors.Is(err, ErrTLSCertFileRequired) {
		t.Errorf("err = %v, want ErrTLSCertFileRequired", err)
	}
}
