package diskcache

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/goleak"

	"github.com/grafana/symbolicator/pkg/util/bytesize"
)

type fakeSource struct {
	events   chan []Event
	wake     chan struct{}
	watchErr error
	closed   atomic.Bool
	// wakes seen after Close
	lateWakes atomic.Int32
}

func newFakeSource() *fakeSource {
	return &fakeSource{events: make(chan []Event, 64), wake: make(chan struct{}, 1)}
}

func (s *fakeSource) Watch(string) error { return s.watchErr }

func (s *fakeSource) Next(timeout time.Duration) ([]Event, error) {
	if timeout <= 0 {
		select {
		case e := <-s.events:
			return e, nil
		default:
			return nil, nil
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case e := <-s.events:
		return e, nil
	case <-s.wake:
		return nil, nil
	case <-t.C:
		return nil, nil
	}
}

func (s *fakeSource) Wake() {
	if s.closed.Load() {
		s.lateWakes.Inc()
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *fakeSource) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *fakeSource) send(events ...Event) { s.events <- events }

type testManager struct {
	*Manager
	t      *testing.T
	dir    string
	source *fakeSource
}

func newTestManager(t *testing.T, maxSize bytesize.ByteSize) *testManager {
	t.Helper()
	dir := t.TempDir()
	src := newFakeSource()
	m := NewManager(Config{Dir: dir, MaxSize: maxSize, WaitTimeout: 10 * time.Millisecond}, src, log.NewNopLogger(), prometheus.NewRegistry())
	require.NoError(t, m.Init())
	return &testManager{Manager: m, t: t, dir: dir, source: src}
}

// write creates a file of the given size and delivers its create event.
func (tm *testManager) write(name string, size int) string {
	tm.t.Helper()
	p := filepath.Join(tm.dir, name)
	require.NoError(tm.t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(tm.t, os.WriteFile(p, make([]byte, size), 0o644))
	tm.source.send(Event{Path: p, Op: Created})
	_, err := tm.PollOnce()
	require.NoError(tm.t, err)
	return p
}

func (tm *testManager) access(p string) {
	tm.t.Helper()
	tm.source.send(Event{Path: p, Op: Accessed})
	_, err := tm.PollOnce()
	require.NoError(tm.t, err)
}

func (tm *testManager) assertInvariants() {
	tm.t.Helper()
	tm.mu.Lock()
	defer tm.mu.Unlock()
	var sum uint64
	for _, p := range tm.index.paths() {
		size, ok := tm.index.lru.Peek(p)
		require.True(tm.t, ok)
		sum += size
		_, err := os.Stat(p)
		assert.NoError(tm.t, err, "tracked path %s must exist", p)
	}
	assert.Equal(tm.t, sum, tm.index.total)
	assert.LessOrEqual(tm.t, tm.index.total, tm.maxSize)
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func TestManager_EvictsLeastRecentlyUsed(t *testing.T) {
	tm := newTestManager(t, 30)
	a := tm.write("a.sym", 10)
	b := tm.write("b.sym", 10)
	c := tm.write("c.sym", 10)

	d := tm.write("d.sym", 10)
	assert.False(t, exists(a))
	assert.True(t, exists(b))
	assert.True(t, exists(c))
	assert.Equal(t, []string{b, c, d}, tm.Tracked())
	assert.Equal(t, float64(1), testutil.ToFloat64(tm.metrics.evictions))
	tm.assertInvariants()
}

func TestManager_AccessMovesToMostRecent(t *testing.T) {
	tm := newTestManager(t, 30)
	a := tm.write("a.sym", 10)
	b := tm.write("b.sym", 10)
	c := tm.write("c.sym", 10)
	tm.access(a)

	tm.write("d.sym", 10)
	assert.True(t, exists(a))
	assert.False(t, exists(b))
	assert.True(t, exists(c))
	tm.assertInvariants()
}

func TestManager_ModifyRemeasures(t *testing.T) {
	tm := newTestManager(t, 100)
	a := tm.write("a.sym", 10)
	require.NoError(t, os.WriteFile(a, make([]byte, 40), 0o644))
	tm.source.send(Event{Path: a, Op: Modified})
	_, err := tm.PollOnce()
	require.NoError(t, err)

	files, size := tm.Stats()
	assert.Equal(t, 1, files)
	assert.Equal(t, uint64(40), size)
}

func TestManager_DeleteAndMoveFrom(t *testing.T) {
	tm := newTestManager(t, 100)
	a := tm.write("a.sym", 10)
	b := tm.write("sub/b.sym", 20)
	c := tm.write("sub/c.sym", 30)

	require.NoError(t, os.Remove(a))
	tm.source.send(Event{Path: a, Op: Deleted})
	require.NoError(t, os.RemoveAll(filepath.Dir(b)))
	tm.source.send(Event{Path: filepath.Dir(b), Op: MovedFrom, IsDir: true})
	_, err := tm.PollOnce()
	require.NoError(t, err)
	_, err = tm.PollOnce()
	require.NoError(t, err)

	files, size := tm.Stats()
	assert.Zero(t, files)
	assert.Zero(t, size)
	assert.False(t, exists(c))
}

func TestManager_EvictionRaceIsTolerated(t *testing.T) {
	tm := newTestManager(t, 20)
	a := tm.write("a.sym", 10)
	tm.write("b.sym", 10)
	// Removed behind the manager's back, no event delivered.
	require.NoError(t, os.Remove(a))

	tm.write("c.sym", 10)
	assert.Equal(t, float64(1), testutil.ToFloat64(tm.metrics.evictionRaces))
	tm.assertInvariants()
}

func TestManager_AccessOfVanishedFile(t *testing.T) {
	tm := newTestManager(t, 100)
	a := tm.write("a.sym", 10)
	require.NoError(t, os.Remove(a))
	tm.access(a)
	files, _ := tm.Stats()
	assert.Zero(t, files)
}

func TestManager_FileLargerThanBudget(t *testing.T) {
	tm := newTestManager(t, 50)
	a := tm.write("a.sym", 10)
	big := tm.write("big.sym", 60)
	assert.False(t, exists(a))
	assert.False(t, exists(big))
	files, size := tm.Stats()
	assert.Zero(t, files)
	assert.Zero(t, size)
}

func TestManager_InitialScan(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "x.pdb", "AB", "x.sym")
	recent := filepath.Join(dir, "y.pdb", "CD", "y.sym")
	for i, p := range []string{old, recent} {
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, make([]byte, 10), 0o644))
		mtime := time.Now().Add(time.Duration(i-10) * time.Minute)
		require.NoError(t, os.Chtimes(p, mtime, mtime))
	}

	m := NewManager(Config{Dir: dir, MaxSize: 15, WaitTimeout: time.Millisecond}, newFakeSource(), log.NewNopLogger(), nil)
	require.NoError(t, m.Init())
	assert.False(t, exists(old))
	assert.True(t, exists(recent))
	assert.Equal(t, []string{recent}, m.Tracked())
}

func TestManager_WatchFailureIsFatal(t *testing.T) {
	src := newFakeSource()
	src.watchErr = errors.New("no more watches")
	m := NewManager(Config{Dir: t.TempDir(), MaxSize: 10, WaitTimeout: time.Millisecond}, src, log.NewNopLogger(), nil)

	err := services.StartAndAwaitRunning(context.Background(), m)
	require.Error(t, err)
	assert.ErrorContains(t, m.FailureCase(), "no more watches")
}

func TestManager_RandomEventsKeepInvariants(t *testing.T) {
	tm := newTestManager(t, 200)
	rnd := rand.New(rand.NewSource(42))
	names := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for i := 0; i < 300; i++ {
		p := filepath.Join(tm.dir, names[rnd.Intn(len(names))])
		switch rnd.Intn(4) {
		case 0, 1:
			require.NoError(t, os.WriteFile(p, make([]byte, rnd.Intn(80)), 0o644))
			tm.source.send(Event{Path: p, Op: Modified})
		case 2:
			if err := os.Remove(p); err == nil {
				tm.source.send(Event{Path: p, Op: Deleted})
			}
		case 3:
			tm.source.send(Event{Path: p, Op: Accessed})
		}
		_, err := tm.PollOnce()
		require.NoError(t, err)
		tm.assertInvariants()
	}
}

func TestManager_ServiceLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	dir := t.TempDir()
	src := newFakeSource()
	m := NewManager(Config{Dir: dir, MaxSize: 100, WaitTimeout: time.Hour}, src, log.NewNopLogger(), nil)
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), m))

	p := filepath.Join(dir, "a.sym")
	require.NoError(t, os.WriteFile(p, make([]byte, 10), 0o644))
	src.send(Event{Path: p, Op: Created})
	require.Eventually(t, func() bool {
		files, _ := m.Stats()
		return files == 1
	}, 5*time.Second, 10*time.Millisecond)

	// The loop blocks for up to an hour, so stopping must wake it.
	require.NoError(t, services.StopAndAwaitTerminated(context.Background(), m))
	assert.True(t, src.closed.Load())
}

func TestManager_CooperativeStop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	src := newFakeSource()
	m := NewManager(Config{Dir: t.TempDir(), MaxSize: 100, WaitTimeout: time.Hour}, src, log.NewNopLogger(), nil)
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), m))

	m.Stop()
	require.NoError(t, m.AwaitTerminated(context.Background()))
	assert.True(t, src.closed.Load())
}

func TestManager_NoWakeAfterSourceClosed(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	for i := 0; i < 50; i++ {
		src := newFakeSource()
		m := NewManager(Config{Dir: t.TempDir(), MaxSize: 100, WaitTimeout: time.Hour}, src, log.NewNopLogger(), nil)
		require.NoError(t, services.StartAndAwaitRunning(context.Background(), m))
		require.NoError(t, services.StopAndAwaitTerminated(context.Background(), m))
		require.True(t, src.closed.Load())
		require.Zero(t, src.lateWakes.Load(), "iteration %d", i)
	}
}

// fakeVolume reports a filesystem of the given capacity where everything
// outside the cache directory takes up other bytes.
type fakeVolume struct {
	dir      string
	capacity uint64
	other    uint64
	minFree  uint64
	fixed    bool
	err      error
	checks   int
}

func (v *fakeVolume) check(string) (volumeStats, error) {
	v.checks++
	if v.err != nil {
		return volumeStats{}, v.err
	}
	used := v.other
	if !v.fixed {
		_ = filepath.WalkDir(v.dir, func(_ string, d os.DirEntry, err error) error {
			if err == nil && !d.IsDir() {
				if info, err := d.Info(); err == nil {
					used += uint64(info.Size())
				}
			}
			return nil
		})
	}
	avail := v.capacity - used
	return volumeStats{BytesAvailable: avail, BytesTotal: v.capacity, Low: avail < v.minFree}, nil
}

func TestManager_EvictsWhenVolumeIsLow(t *testing.T) {
	tm := newTestManager(t, 100)
	a := tm.write("a.sym", 10)
	b := tm.write("b.sym", 10)
	c := tm.write("c.sym", 10)

	tm.volume = &fakeVolume{dir: tm.dir, capacity: 100, other: 50, minFree: 35}
	tm.checkVolume()
	assert.False(t, exists(a))
	assert.False(t, exists(b))
	assert.True(t, exists(c))
	assert.Equal(t, []string{c}, tm.Tracked())
	assert.Equal(t, float64(40), testutil.ToFloat64(tm.metrics.volumeFree))
	tm.assertInvariants()
}

func TestManager_VolumeEvictionStopsWhenNothingIsFreed(t *testing.T) {
	tm := newTestManager(t, 100)
	tm.write("a.sym", 10)
	b := tm.write("b.sym", 10)
	c := tm.write("c.sym", 10)

	// Space is held by something else, so evicting does not help.
	tm.volume = &fakeVolume{dir: tm.dir, capacity: 100, other: 99, minFree: 50, fixed: true}
	tm.checkVolume()
	assert.Equal(t, []string{b, c}, tm.Tracked())
}

func TestManager_VolumeCheckError(t *testing.T) {
	tm := newTestManager(t, 100)
	a := tm.write("a.sym", 10)

	v := &fakeVolume{err: errors.New("statfs failed")}
	tm.volume = v
	tm.checkVolume()
	assert.True(t, exists(a))
	assert.Equal(t, 1, v.checks)
	assert.Equal(t, float64(1), testutil.ToFloat64(tm.metrics.errors.WithLabelValues("statfs")))
}

func TestManager_VolumeCheckedOnInit(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.sym")
	require.NoError(t, os.WriteFile(p, make([]byte, 10), 0o644))

	m := NewManager(Config{Dir: dir, MaxSize: 100, WaitTimeout: time.Millisecond}, newFakeSource(), log.NewNopLogger(), nil)
	m.volume = &fakeVolume{dir: dir, capacity: 100, other: 85, minFree: 10}
	require.NoError(t, m.Init())
	assert.False(t, exists(p))
	assert.Empty(t, m.Tracked())
}

func TestManager_VolumeCheckDisabledByDefault(t *testing.T) {
	m := NewManager(Config{Dir: t.TempDir(), MaxSize: 100}, newFakeSource(), log.NewNopLogger(), nil)
	assert.Nil(t, m.volume)
	m = NewManager(Config{Dir: t.TempDir(), MaxSize: 100, MinFreeBytes: bytesize.MiB, MinFreePercentage: 0.1}, newFakeSource(), log.NewNopLogger(), nil)
	assert.NotNil(t, m.volume)
}

func TestManager_RemoveFailureIsCounted(t *testing.T) {
	tm := newTestManager(t, 20)
	a := tm.write("a.sym", 10)
	tm.write("b.sym", 10)

	tm.fs = afero.NewReadOnlyFs(afero.NewOsFs())
	c := tm.write("c.sym", 10)

	// The file stays behind but is no longer accounted for.
	assert.True(t, exists(a))
	assert.NotContains(t, tm.Tracked(), a)
	assert.Contains(t, tm.Tracked(), c)
	assert.Equal(t, float64(1), testutil.ToFloat64(tm.metrics.errors.WithLabelValues("remove")))
}
