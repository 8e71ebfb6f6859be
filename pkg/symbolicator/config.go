package symbolicator

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/drone/envsubst"
	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/grafana/symbolicator/pkg/diskcache"
	"github.com/grafana/symbolicator/pkg/kvcache"
	"github.com/grafana/symbolicator/pkg/storage"
	"github.com/grafana/symbolicator/pkg/symbolication"
	"github.com/grafana/symbolicator/pkg/symbols"
	"github.com/grafana/symbolicator/pkg/util"
)

type ServerConfig struct {
	HTTPListenAddress       string        `yaml:"http_listen_address"`
	HTTPListenPort          int           `yaml:"http_listen_port"`
	ReadTimeout             time.Duration `yaml:"http_server_read_timeout" category:"advanced"`
	WriteTimeout            time.Duration `yaml:"http_server_write_timeout" category:"advanced"`
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout" category:"advanced"`
}

func (cfg *ServerConfig) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.HTTPListenAddress, "server.http-listen-address", "", "HTTP server listen address.")
	f.IntVar(&cfg.HTTPListenPort, "server.http-listen-port", 8000, "HTTP server listen port.")
	f.DurationVar(&cfg.ReadTimeout, "server.http-read-timeout", 30*time.Second, "Read timeout for entire HTTP request, including headers and body.")
	f.DurationVar(&cfg.WriteTimeout, "server.http-write-timeout", 60*time.Second, "Write timeout for HTTP server.")
	f.DurationVar(&cfg.GracefulShutdownTimeout, "server.graceful-shutdown-timeout", 30*time.Second, "Timeout for graceful shutdowns.")
}

func (cfg *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", cfg.HTTPListenAddress, cfg.HTTPListenPort)
}

type Config struct {
	Target        flagext.StringSliceCSV `yaml:"target,omitempty"`
	Log           util.LogConfig         `yaml:"log"`
	Server        ServerConfig           `yaml:"server"`
	Storage       storage.Config         `yaml:"storage"`
	Symbols       symbols.Config         `yaml:"symbols"`
	LookupCache   kvcache.Config         `yaml:"lookup_cache"`
	MapCache      kvcache.Config         `yaml:"map_cache"`
	Symbolication symbolication.Config   `yaml:"symbolication"`
	DiskCache     diskcache.Config       `yaml:"disk_cache"`

	ConfigFile      string `yaml:"-"`
	ConfigExpandEnv bool   `yaml:"-"`
	ShowVersion     bool   `yaml:"-"`
}

func (c *Config) RegisterFlags(f *flag.FlagSet) {
	c.Target = []string{All}
	f.Var(&c.Target, "target", "Comma-separated list of modules to load. 'all' runs the symbolication API and the disk cache.")
	f.StringVar(&c.ConfigFile, "config.file", "", "yaml file to load")
	f.BoolVar(&c.ConfigExpandEnv, "config.expand-env", false, "Expands ${var} and ${var:-default} in config according to the values of the environment variables.")
	f.BoolVar(&c.ShowVersion, "version", false, "Show the version of symbolicator and exit")

	c.Log.RegisterFlags(f)
	c.Server.RegisterFlags(f)
	c.Storage.RegisterFlags(f)
	c.Symbols.RegisterFlags(f)
	c.LookupCache.RegisterFlagsWithPrefix("lookup-cache", f)
	c.MapCache.RegisterFlagsWithPrefix("map-cache", f)
	c.Symbolication.RegisterFlags(f)
	c.DiskCache.RegisterFlags(f)
}

func (c *Config) Validate() error {
	if len(c.Target) == 0 {
		return errors.New("no modules specified")
	}
	if err := c.Log.Validate(); err != nil {
		return err
	}
	if err := c.Storage.Validate(); err != nil {
		return errors.Wrap(err, "invalid storage config")
	}
	if err := c.Symbols.Validate(); err != nil {
		return err
	}
	if err := c.LookupCache.Validate(); err != nil {
		return errors.Wrap(err, "invalid lookup cache config")
	}
	if err := c.MapCache.Validate(); err != nil {
		return errors.Wrap(err, "invalid map cache config")
	}
	if err := c.Symbolication.Validate(); err != nil {
		return err
	}
	if err := c.DiskCache.Validate(); err != nil {
		return err
	}
	// Cached URLs must still be valid when served.
	if c.hasSignedURLs() && c.Storage.S3.SignedURLExpiry <= c.Symbols.LookupTTL {
		return fmt.Errorf("signed url expiry %s must be longer than the symbols lookup ttl %s", c.Storage.S3.SignedURLExpiry, c.Symbols.LookupTTL)
	}
	return nil
}

func (c *Config) hasSignedURLs() bool {
	for _, b := range c.Storage.BackendConfigs() {
		if b.Kind() == storage.TypeS3 {
			return true
		}
	}
	return false
}

// ApplyDefaults fills in values derived from other settings.
func (c *Config) ApplyDefaults() {
	if c.DiskCache.Enabled && c.Symbols.Dir == "" {
		c.Symbols.Dir = c.DiskCache.Dir
	}
}

// Load registers the flags on fs, reads the optional YAML config file and
// then applies the command line on top of it.
func Load(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := &Config{}
	cfg.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if cfg.ConfigFile == "" {
		cfg.ApplyDefaults()
		return cfg, nil
	}

	b, err := os.ReadFile(cfg.ConfigFile)
	if err != nil {
		return nil, errors.Wrap(err, "reading config file")
	}
	if cfg.ConfigExpandEnv {
		s, err := envsubst.EvalEnv(string(b))
		if err != nil {
			return nil, errors.Wrap(err, "expanding env vars in config file")
		}
		b = []byte(s)
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, errors.Wrapf(err, "parsing config file %s", cfg.ConfigFile)
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}
