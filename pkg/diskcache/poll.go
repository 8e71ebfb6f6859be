package diskcache

import (
	"io/fs"
	"path/filepath"
	"sort"
	"time"
)

type fileState struct {
	size    int64
	modTime time.Time
}

// PollSource diffs periodic directory scans. It is the fallback for
// platforms and filesystems without change notification and produces no
// access events.
type PollSource struct {
	root     string
	interval time.Duration
	lastScan time.Time
	files    map[string]fileState
	wake     chan struct{}
	closed   chan struct{}
	now      func() time.Time
}

func NewPollSource(interval time.Duration) *PollSource {
	return &PollSource{
		interval: interval,
		files:    make(map[string]fileState),
		wake:     make(chan struct{}, 1),
		closed:   make(chan struct{}),
		now:      time.Now,
	}
}

func (s *PollSource) Watch(root string) error {
	s.root = root
	files, err := s.scan()
	if err != nil {
		return err
	}
	s.files = files
	s.lastScan = s.now()
	return nil
}

// Next scans immediately when the timeout is zero. Otherwise it waits for
// the next scheduled scan, returning early when the timeout is shorter.
func (s *PollSource) Next(timeout time.Duration) ([]Event, error) {
	if timeout > 0 {
		wait := s.lastScan.Add(s.interval).Sub(s.now())
		if wait > timeout {
			s.sleep(timeout)
			return nil, nil
		}
		if wait > 0 && !s.sleep(wait) {
			return nil, nil
		}
	}
	select {
	case <-s.closed:
		return nil, nil
	default:
	}
	return s.diff()
}

// sleep reports whether the full duration elapsed.
func (s *PollSource) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.wake:
	case <-s.closed:
	}
	return false
}

func (s *PollSource) diff() ([]Event, error) {
	files, err := s.scan()
	if err != nil {
		return nil, err
	}
	s.lastScan = s.now()

	var events []Event
	for p, st := range files {
		prev, ok := s.files[p]
		switch {
		case !ok:
			events = append(events, Event{Path: p, Op: Created})
		case prev != st:
			events = append(events, Event{Path: p, Op: Modified})
		}
	}
	for p := range s.files {
		if _, ok := files[p]; !ok {
			events = append(events, Event{Path: p, Op: Deleted})
		}
	}
	sort.Slice(events, func(i, j int) bool {
		ti, tj := files[events[i].Path].modTime, files[events[j].Path].modTime
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return events[i].Path < events[j].Path
	})
	s.files = files
	return events, nil
}

func (s *PollSource) scan() (map[string]fileState, error) {
	files := make(map[string]fileState)
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == s.root {
				return err
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files[p] = fileState{size: info.Size(), modTime: info.ModTime()}
		return nil
	})
	return files, err
}

func (s *PollSource) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *PollSource) Close() error {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	return nil
}
