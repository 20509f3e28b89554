package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("HANDSHAKE_GRACE", "10s")
	t.Setenv("SEND_BUFFER", "16")
	t.Setenv("NEARBY_RADIUS_KM", "2.5")
	t.Setenv("NODE_ID", "7")
	t.Setenv("REQUEST_TIMEOUT", "3s")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.JWTSecret)
	assert.Equal(t, DriverMemory, cfg.StoreDriver)
	assert.Equal(t, 10*time.Second, cfg.HandshakeGrace)
	assert.Equal(t, 16, cfg.SendBuffer)
	assert.Equal(t, 2.5, cfg.NearbyRadiusKm)
	assert.Equal(t, int64(7), cfg.NodeID)
	assert.Equal(t, 3*time.Second, cfg.RequestTimeout)

	// untouched keys keep their defaults
	assert.Equal(t, ":5000", cfg.HTTPAddr)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.Equal(t, 3, cfg.PushMaxRetries)
}

func TestLoadFileOverridesEnv(t *testing.T) {
	t.Setenv("JWT_SECRET", "from-env")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("HTTP_ADDR", ":7000")

	path := filepath.Join(t.TempDir(), "ecolift.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_addr: ":9000"
sweep_interval: 45s
push_max_retries: 5
redis_addr: "localhost:6379"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.HTTPAddr)
	assert.Equal(t, 45*time.Second, cfg.SweepInterval)
	assert.Equal(t, 5, cfg.PushMaxRetries)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, "from-env", cfg.JWTSecret)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("SWEEP_INTERVAL", "soon")

	_, err := Load("")
	assert.ErrorContains(t, err, "SWEEP_INTERVAL")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"memory ok", func(c *Config) { c.StoreDriver = DriverMemory }, ""},
		{"missing secret", func(c *Config) { c.StoreDriver = DriverMemory; c.JWTSecret = "" }, "JWT_SECRET"},
		{"postgres needs url", func(c *Config) {}, "DATABASE_URL"},
		{"postgres with url", func(c *Config) { c.DatabaseURL = "postgres://localhost/ecolift" }, ""},
		{"mongo needs uri", func(c *Config) { c.StoreDriver = DriverMongo }, "MONGO_URI"},
		{"unknown driver", func(c *Config) { c.StoreDriver = "sqlite" }, "STORE_DRIVER"},
		{"zero request timeout", func(c *Config) { c.StoreDriver = DriverMemory; c.RequestTimeout = 0 }, "REQUEST_TIMEOUT"},
		{"zero grace", func(c *Config) { c.StoreDriver = DriverMemory; c.HandshakeGrace = 0 }, "HANDSHAKE_GRACE"},
		{"zero send buffer", func(c *Config) { c.StoreDriver = DriverMemory; c.SendBuffer = 0 }, "SEND_BUFFER"},
		{"negative retries", func(c *Config) { c.StoreDriver = DriverMemory; c.PushMaxRetries = -1 }, "PUSH_MAX_RETRIES"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			c.JWTSecret = "s3cret"
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
