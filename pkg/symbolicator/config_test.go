package symbolicator

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/symbolicator/pkg/storage"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoad_FileThenFlags(t *testing.T) {
	p := writeConfig(t, `
storage:
  backends:
    - url: https://symbols.example.com/private
      type: s3
    - type: bucket
      try: true
      bucket:
        backend: inmemory
  s3:
    access_key_id: AKID
    secret_access_key: s3cr3t
symbols:
  lookup_ttl: 1m
symbolication:
  max_jobs: 5
disk_cache:
  enabled: true
  dir: /var/cache/symbols
  max_size: 1GiB
`)
	cfg, err := Load(flag.NewFlagSet("test", flag.ContinueOnError), []string{"-config.file", p, "-symbolication.max-jobs=7"})
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Symbolication.MaxJobs)
	assert.Equal(t, time.Minute, cfg.Symbols.LookupTTL)
	require.Len(t, cfg.Storage.Backends, 2)
	assert.Equal(t, storage.TypeS3, cfg.Storage.Backends[0].Kind())
	assert.True(t, cfg.Storage.Backends[1].Try)
	assert.Equal(t, "s3cr3t", cfg.Storage.S3.SecretAccessKey.String())
	assert.Equal(t, uint64(1<<30), uint64(cfg.DiskCache.MaxSize))
	// Defaults survive a partial file.
	assert.Equal(t, 5*time.Minute, cfg.Storage.S3.SignedURLExpiry)
	// The symbol directory follows the disk cache.
	assert.Equal(t, "/var/cache/symbols", cfg.Symbols.Dir)
	require.NoError(t, cfg.Validate())
}

func TestLoad_UnknownField(t *testing.T) {
	p := writeConfig(t, "symbolication:\n  max_jobz: 5\n")
	_, err := Load(flag.NewFlagSet("test", flag.ContinueOnError), []string{"-config.file=" + p})
	require.Error(t, err)
}

func TestLoad_ExpandEnv(t *testing.T) {
	t.Setenv("SYMBOLS_MIRROR", "https://mirror.example.com")
	p := writeConfig(t, "storage:\n  backends:\n    - url: ${SYMBOLS_MIRROR}\n      public: true\n")
	cfg, err := Load(flag.NewFlagSet("test", flag.ContinueOnError), []string{"-config.file=" + p, "-config.expand-env"})
	require.NoError(t, err)
	assert.Equal(t, "https://mirror.example.com", cfg.Storage.Backends[0].BaseURL)

	p = writeConfig(t, "storage:\n  backends:\n    - url: ${SYMBOLS_UNSET_MIRROR:-https://fallback.example.com}\n      public: true\n")
	cfg, err = Load(flag.NewFlagSet("test", flag.ContinueOnError), []string{"-config.file=" + p, "-config.expand-env"})
	require.NoError(t, err)
	assert.Equal(t, "https://fallback.example.com", cfg.Storage.Backends[0].BaseURL)
}

func TestConfig_Validate(t *testing.T) {
	defaults := func(t *testing.T, args ...string) *Config {
		cfg, err := Load(flag.NewFlagSet("test", flag.ContinueOnError), args)
		require.NoError(t, err)
		return cfg
	}

	require.NoError(t, defaults(t).Validate())
	require.NoError(t, defaults(t, "-storage.public-urls=https://a.example.com,https://b.example.com").Validate())

	cfg := defaults(t, "-log.level=loud")
	assert.Error(t, cfg.Validate())

	cfg = defaults(t, "-lookup-cache.backend=memcached")
	assert.ErrorContains(t, cfg.Validate(), "lookup cache")

	cfg = defaults(t, "-symbols.lookup-ttl=10m")
	cfg.Storage.Backends = []storage.BackendConfig{{Descriptor: storage.Descriptor{BaseURL: "https://s3.example.com/bucket"}}}
	assert.ErrorContains(t, cfg.Validate(), "signed url expiry")

	cfg.Symbols.LookupTTL = time.Minute
	require.NoError(t, cfg.Validate())

	cfg = defaults(t)
	cfg.Target = nil
	assert.Error(t, cfg.Validate())
}
