package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeLayer(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaults_AreNotValidWithoutID(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, 10*time.Second, cfg.Manager.CallTimeout)
	assert.Equal(t, 2*time.Second, cfg.Synchronizer.Interval)
	assert.ErrorContains(t, cfg.Validate(), "platform.id")

	cfg.Platform.ID = "robot1"
	assert.NoError(t, cfg.Validate())
}

func TestLoader_LayersMerge(t *testing.T) {
	base := writeLayer(t, "base.json", `{
		"platform": {"org": "Lab", "id": "robot1"},
		"manager": {"call_timeout": "3s", "catalog_paths": ["pipes.yaml"]},
		"synchronizer": {"interval": "500ms"},
		"nats": {"ping_interval": "5s"}
	}`)
	override := writeLayer(t, "override.json", `{
		"manager": {"status_workers": 8},
		"metrics": {"port": 0}
	}`)

	l := NewLoader()
	l.AddLayer(base)
	l.AddLayer(override)
	l.EnableValidation(true)

	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, "lab", cfg.Platform.Org)
	assert.Equal(t, "robot1", cfg.Platform.ID)
	assert.Equal(t, 3*time.Second, cfg.Manager.CallTimeout)
	assert.Equal(t, []string{"pipes.yaml"}, cfg.Manager.CatalogPaths)
	assert.Equal(t, 8, cfg.Manager.StatusWorkers)
	assert.True(t, cfg.Manager.WatchCatalog, "untouched defaults survive the merge")
	assert.Equal(t, 500*time.Millisecond, cfg.Synchronizer.Interval)
	assert.Equal(t, "semrobotics.sync", cfg.Synchronizer.Subject)
	assert.Equal(t, 0, cfg.Metrics.Port)
	assert.Equal(t, 5*time.Second, cfg.NATS.PingInterval)
	assert.Equal(t, 30*time.Second, cfg.NATS.DrainTimeout)
}

func TestLoader_EnvOverrides(t *testing.T) {
	t.Setenv("SEMROBOTICS_PLATFORM_ID", "robot2")
	t.Setenv("SEMROBOTICS_NATS_URLS", "nats://a:4222,nats://b:4222")
	t.Setenv("SEMROBOTICS_CALL_TIMEOUT", "1500ms")
	t.Setenv("SEMROBOTICS_METRICS_PORT", "9191")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, "robot2", cfg.Platform.ID)
	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, cfg.NATS.URLs)
	assert.Equal(t, 1500*time.Millisecond, cfg.Manager.CallTimeout)
	assert.Equal(t, 9191, cfg.Metrics.Port)
}

func TestLoader_BadEnvDuration(t *testing.T) {
	t.Setenv("SEMROBOTICS_CALL_TIMEOUT", "soon")
	_, err := NewLoader().Load()
	assert.ErrorContains(t, err, "CALL_TIMEOUT")
}

func TestLoader_RejectsBadFiles(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{"non json", writeLayer(t, "cfg.yaml", "platform: {}")},
		{"traversal", "../etc/cfg.json"},
		{"bad duration", writeLayer(t, "d.json", `{"manager": {"call_timeout": "forever"}}`)},
		{"malformed", writeLayer(t, "m.json", `{"platform": `)},
		{"missing", filepath.Join(t.TempDir(), "absent.json")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader().LoadFile(tt.path)
			assert.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Defaults()
		cfg.Platform.ID = "robot1"
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing org", func(c *Config) { c.Platform.Org = "" }, "platform.org"},
		{"bad org", func(c *Config) { c.Platform.Org = "a b" }, "platform.org"},
		{"dotted id", func(c *Config) { c.Platform.ID = "a.b" }, "platform.id"},
		{"no urls", func(c *Config) { c.NATS.URLs = nil }, "nats.urls"},
		{"negative drain", func(c *Config) { c.NATS.DrainTimeout = -time.Second }, "drain_timeout"},
		{"half tls", func(c *Config) { c.NATS.TLS = NATSTLSConfig{Enabled: true, CertFile: "c"} }, "nats.tls"},
		{"zero timeout", func(c *Config) { c.Manager.CallTimeout = 0 }, "call_timeout"},
		{"no workers", func(c *Config) { c.Manager.StatusWorkers = 0 }, "status_workers"},
		{"empty launch", func(c *Config) { c.Manager.Launch = map[string][]string{"camera": {}} }, "launch"},
		{"zero interval", func(c *Config) { c.Synchronizer.Interval = 0 }, "interval"},
		{"bad port", func(c *Config) { c.Metrics.Port = 70000 }, "metrics.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestSafeConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Platform.ID = "robot1"
	sc := NewSafeConfig(cfg)

	got := sc.Get()
	got.Platform.ID = "mutated"
	assert.Equal(t, "robot1", sc.Get().Platform.ID, "Get returns a copy")

	assert.Error(t, sc.Update(nil))
	assert.Error(t, sc.Update(Defaults()))

	next := Defaults()
	next.Platform.ID = "robot9"
	require.NoError(t, sc.Update(next))
	assert.Equal(t, "robot9", sc.Get().Platform.ID)
}

func TestString_MasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.NATS.Password = "hunter2"
	cfg.NATS.Token = "tok"

	out := cfg.String()
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, `"tok"`)
	assert.Equal(t, "hunter2", cfg.NATS.Password)
}

func TestValidateJSONDepth(t *testing.T) {
	deep := make([]byte, 0, 2*maxJSONDepth+2)
	for range maxJSONDepth + 1 {
		deep = append(deep, '[')
	}
	assert.Error(t, validateJSONDepth(deep))
	assert.NoError(t, validateJSONDepth([]byte(`{"a": "[[[[[[["}`)))
}
