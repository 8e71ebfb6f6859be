// Package diskcache bounds the total size of a directory by evicting the
// least recently used files. Bookkeeping is driven by filesystem change
// events rather than periodic full scans.
package diskcache

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"go.uber.org/atomic"
)

// Manager keeps the files under a directory within a size budget. Its index
// is only mutated by the event loop.
type Manager struct {
	services.Service

	cfg     Config
	root    string
	maxSize uint64
	source  Source
	fs      afero.Fs
	volume  volumeChecker
	logger  log.Logger
	metrics *metrics

	mu    sync.Mutex
	index *index
	stop  atomic.Bool
}

func NewManager(cfg Config, source Source, logger log.Logger, reg prometheus.Registerer) *Manager {
	m := &Manager{
		cfg:     cfg,
		root:    filepath.Clean(cfg.Dir),
		maxSize: uint64(cfg.MaxSize),
		source:  source,
		fs:      afero.NewOsFs(),
		logger:  log.With(logger, "component", "disk-cache"),
		metrics: newMetrics(reg),
		index:   newIndex(),
	}
	if cfg.MinFreeBytes > 0 {
		m.volume = newVolumeChecker(uint64(cfg.MinFreeBytes), cfg.MinFreePercentage)
	}
	m.metrics.maxBytes.Set(float64(m.maxSize))
	m.Service = services.NewBasicService(m.starting, m.running, m.stopping)
	return m
}

// Init establishes the watch and seeds the index from the files already on
// disk. Failing to watch the directory is fatal.
func (m *Manager) Init() error {
	if err := m.fs.MkdirAll(m.root, 0o755); err != nil {
		return errors.Wrap(err, "creating disk cache directory")
	}
	if err := m.source.Watch(m.root); err != nil {
		return errors.Wrapf(err, "watching disk cache directory %s", m.root)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scan(m.root)
	m.enforceFreeSpace()
	m.updateGauges()
	level.Info(m.logger).Log(
		"msg", "disk cache initialised",
		"dir", m.root,
		"files", m.index.len(),
		"size", humanize.IBytes(m.index.total),
		"max_size", humanize.IBytes(m.maxSize),
	)
	return nil
}

func (m *Manager) starting(context.Context) error {
	return m.Init()
}

func (m *Manager) running(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	woken := make(chan struct{})
	go func() {
		defer close(woken)
		<-ctx.Done()
		m.source.Wake()
	}()
	// stopping closes the source, so the waker must be done with it first.
	defer func() {
		cancel()
		<-woken
	}()

	for {
		if m.stop.Load() || ctx.Err() != nil {
			return nil
		}
		events, err := m.source.Next(m.cfg.WaitTimeout)
		if err != nil {
			return errors.Wrap(err, "waiting for disk cache events")
		}
		m.handle(events)
		m.checkVolume()
	}
}

func (m *Manager) stopping(_ error) error {
	return m.source.Close()
}

// Stop asks the loop to exit. It is safe to call at any point and from any
// goroutine.
func (m *Manager) Stop() {
	m.stop.Store(true)
	m.source.Wake()
}

// Close releases the watch. Only needed when the manager is driven with
// PollOnce instead of being run as a service.
func (m *Manager) Close() error {
	return m.source.Close()
}

// PollOnce processes whatever events are pending without blocking and
// returns how many were handled.
func (m *Manager) PollOnce() (int, error) {
	events, err := m.source.Next(0)
	if err != nil {
		return 0, err
	}
	m.handle(events)
	return len(events), nil
}

// Stats returns the number of tracked files and their total size.
func (m *Manager) Stats() (files int, size uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.index.len(), m.index.total
}

// Tracked returns the tracked paths, least recently used first.
func (m *Manager) Tracked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.index.paths()
}

func (m *Manager) handle(events []Event) {
	if len(events) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range events {
		m.metrics.events.WithLabelValues(e.Op.String()).Inc()
		m.handleEvent(e)
	}
	m.updateGauges()
}

func (m *Manager) handleEvent(e Event) {
	switch e.Op {
	case Created, MovedTo, Modified:
		if e.IsDir {
			m.scan(e.Path)
			return
		}
		info, err := m.fs.Stat(e.Path)
		if err != nil {
			// Gone again before we got to it.
			m.forget(e.Path)
			return
		}
		if info.IsDir() {
			m.scan(e.Path)
			return
		}
		m.updateBookkeeping(e.Path, uint64(info.Size()))

	case Deleted, MovedFrom:
		m.forget(e.Path)

	case Accessed:
		if e.IsDir || !m.index.contains(e.Path) {
			return
		}
		if _, err := m.fs.Stat(e.Path); err != nil {
			m.forget(e.Path)
			return
		}
		m.index.touch(e.Path)

	case Overflow:
		level.Warn(m.logger).Log("msg", "filesystem event queue overflowed, rescanning")
		m.resync()
	}
}

// updateBookkeeping records the current size of path, evicts least recently
// used files while over budget and leaves path as the most recently used
// entry.
func (m *Manager) updateBookkeeping(path string, size uint64) {
	m.index.remove(path)
	for m.index.total+size > m.maxSize && m.index.len() > 0 {
		m.evictOldest()
	}
	m.index.put(path, size)
	if m.index.total > m.maxSize {
		// The file alone exceeds the budget.
		m.evictOldest()
	}
}

func (m *Manager) evictOldest() {
	path, size, ok := m.index.oldest()
	if !ok {
		return
	}
	m.index.remove(path)
	m.metrics.evictions.Inc()
	m.metrics.evictedBytes.Add(float64(size))

	err := m.fs.Remove(path)
	switch {
	case err == nil:
		level.Debug(m.logger).Log("msg", "evicted file", "path", path, "size", humanize.IBytes(size))
	case os.IsNotExist(err):
		m.metrics.evictionRaces.Inc()
		level.Debug(m.logger).Log("msg", "evicted file was already gone", "path", path)
	default:
		m.metrics.errors.WithLabelValues("remove").Inc()
		level.Warn(m.logger).Log("msg", "failed to remove evicted file", "path", path, "err", err)
	}
}

func (m *Manager) checkVolume() {
	if m.volume == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enforceFreeSpace() > 0 {
		m.updateGauges()
	}
}

// enforceFreeSpace evicts least recently used files while the filesystem is
// low on space. It gives up once an eviction no longer frees anything, which
// happens when the space is held by something other than the cache.
func (m *Manager) enforceFreeSpace() (evicted int) {
	if m.volume == nil {
		return 0
	}
	stats, err := m.volume.check(m.root)
	if err != nil {
		m.metrics.errors.WithLabelValues("statfs").Inc()
		level.Warn(m.logger).Log("msg", "failed to check free space", "dir", m.root, "err", err)
		return 0
	}
	m.metrics.volumeFree.Set(float64(stats.BytesAvailable))
	for stats.Low && m.index.len() > 0 {
		before := stats.BytesAvailable
		m.evictOldest()
		evicted++
		if stats, err = m.volume.check(m.root); err != nil {
			m.metrics.errors.WithLabelValues("statfs").Inc()
			break
		}
		m.metrics.volumeFree.Set(float64(stats.BytesAvailable))
		if stats.BytesAvailable <= before {
			break
		}
	}
	if evicted > 0 {
		level.Info(m.logger).Log(
			"msg", "evicted files to free up space",
			"files", evicted,
			"available", humanize.IBytes(stats.BytesAvailable),
			"total", humanize.IBytes(stats.BytesTotal),
		)
	}
	return evicted
}

// forget drops path, or everything below it when it was a directory.
func (m *Manager) forget(path string) {
	if _, ok := m.index.remove(path); ok {
		return
	}
	m.index.removeDir(path)
}

// scan tracks every file below dir, oldest modification first.
func (m *Manager) scan(dir string) {
	type file struct {
		path string
		info os.FileInfo
	}
	var files []file
	err := afero.Walk(m.fs, dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if !os.IsNotExist(err) {
				m.metrics.errors.WithLabelValues("scan").Inc()
				level.Warn(m.logger).Log("msg", "failed to scan path", "path", p, "err", err)
			}
			return nil
		}
		if !info.IsDir() {
			files = append(files, file{path: p, info: info})
		}
		return nil
	})
	if err != nil {
		level.Warn(m.logger).Log("msg", "failed to scan directory", "dir", dir, "err", err)
	}
	sort.SliceStable(files, func(i, j int) bool {
		return files[i].info.ModTime().Before(files[j].info.ModTime())
	})
	for _, f := range files {
		m.updateBookkeeping(f.path, uint64(f.info.Size()))
	}
}

// resync drops entries for vanished files and picks up untracked ones.
func (m *Manager) resync() {
	for _, p := range m.index.paths() {
		if _, err := m.fs.Stat(p); err != nil {
			m.index.remove(p)
		}
	}
	_ = afero.Walk(m.fs, m.root, func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || m.index.contains(p) {
			return nil
		}
		m.updateBookkeeping(p, uint64(info.Size()))
		return nil
	})
}

func (m *Manager) updateGauges() {
	m.metrics.trackedBytes.Set(float64(m.index.total))
	m.metrics.trackedFiles.Set(float64(m.index.len()))
}
