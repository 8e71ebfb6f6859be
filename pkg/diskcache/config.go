package diskcache

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/grafana/symbolicator/pkg/util/bytesize"
)

const (
	SourceInotify  = "inotify"
	SourceFSNotify = "fsnotify"
	SourcePoll     = "poll"
)

var supportedSources = []string{SourceInotify, SourceFSNotify, SourcePoll}

type Config struct {
	Enabled bool              `yaml:"enabled"`
	Dir     string            `yaml:"dir"`
	MaxSize bytesize.ByteSize `yaml:"max_size"`
	Source  string            `yaml:"source"`
	// WaitTimeout bounds how long the loop blocks waiting for events before
	// it checks whether it has been asked to stop.
	WaitTimeout  time.Duration `yaml:"wait_timeout" category:"advanced"`
	PollInterval time.Duration `yaml:"poll_interval" category:"advanced"`
	// Files are also evicted while the filesystem is below both minimums.
	MinFreeBytes      bytesize.ByteSize `yaml:"min_free_bytes"`
	MinFreePercentage float64           `yaml:"min_free_percentage" category:"advanced"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.MaxSize = 10 * bytesize.GiB
	f.BoolVar(&cfg.Enabled, "disk-cache.enabled", false, "Bound the size of the local symbol directory by evicting least recently used files.")
	f.StringVar(&cfg.Dir, "disk-cache.dir", "./data-symbols", "Directory the disk cache watches. Shared with -symbols.dir.")
	f.Var(&cfg.MaxSize, "disk-cache.max-size", "Maximum total size of files kept in the directory, e.g. 512MiB or 20GB.")
	f.StringVar(&cfg.Source, "disk-cache.source", SourceInotify, fmt.Sprintf("Source of filesystem change events. Supported values: %s.", strings.Join(supportedSources, ", ")))
	f.DurationVar(&cfg.WaitTimeout, "disk-cache.wait-timeout", time.Second, "Maximum time the event loop blocks before checking for shutdown.")
	f.DurationVar(&cfg.PollInterval, "disk-cache.poll-interval", 10*time.Second, "Directory scan interval of the poll source.")
	f.Var(&cfg.MinFreeBytes, "disk-cache.min-free-bytes", "Evict files while the filesystem has less space available than this and less than -disk-cache.min-free-percentage. Zero disables the check.")
	f.Float64Var(&cfg.MinFreePercentage, "disk-cache.min-free-percentage", 0.05, "Share of the filesystem that must be available, between 0 and 1.")
}

func (cfg *Config) Validate() error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.Dir == "" {
		return fmt.Errorf("disk cache directory is required")
	}
	if cfg.MaxSize == 0 {
		return fmt.Errorf("disk cache max size must be positive")
	}
	if cfg.MinFreePercentage < 0 || cfg.MinFreePercentage > 1 {
		return fmt.Errorf("disk cache min free percentage %v must be between 0 and 1", cfg.MinFreePercentage)
	}
	if cfg.WaitTimeout <= 0 {
		return fmt.Errorf("disk cache wait timeout must be positive")
	}
	switch cfg.Source {
	case SourceInotify, SourceFSNotify:
	case SourcePoll:
		if cfg.PollInterval <= 0 {
			return fmt.Errorf("disk cache poll interval must be positive")
		}
	default:
		return fmt.Errorf("unsupported disk cache source %q", cfg.Source)
	}
	return nil
}

// NewSource creates the change source selected by the config.
func NewSource(cfg Config) (Source, error) {
	switch cfg.Source {
	case SourceInotify:
		s, err := NewInotifySource()
		if err != nil {
			return nil, err
		}
		return s, nil
	case SourceFSNotify:
		s, err := NewFSNotifySource()
		if err != nil {
			return nil, err
		}
		return s, nil
	case SourcePoll:
		return NewPollSource(cfg.PollInterval), nil
	}
	return nil, fmt.Errorf("unsupported disk cache source %q", cfg.Source)
}
