package diskcache

import (
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FSNotifySource is the portable change source. fsnotify reports neither
// access events nor the destination of a rename; renamed-in files arrive as
// Created.
type FSNotifySource struct {
	w    *fsnotify.Watcher
	wake chan struct{}
}

func NewFSNotifySource() (*FSNotifySource, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &FSNotifySource{w: w, wake: make(chan struct{}, 1)}, nil
}

func (s *FSNotifySource) Watch(root string) error {
	return walkDirs(root, s.w.Add)
}

func (s *FSNotifySource) Next(timeout time.Duration) ([]Event, error) {
	var first fsnotify.Event
	if timeout <= 0 {
		select {
		case first = <-s.w.Events:
		case err := <-s.w.Errors:
			return nil, err
		case <-s.wake:
			return nil, nil
		default:
			return nil, nil
		}
	} else {
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case first = <-s.w.Events:
		case err := <-s.w.Errors:
			return nil, err
		case <-s.wake:
			return nil, nil
		case <-t.C:
			return nil, nil
		}
	}

	events := s.convert(nil, first)
	for {
		select {
		case e := <-s.w.Events:
			events = s.convert(events, e)
		default:
			return events, nil
		}
	}
}

func (s *FSNotifySource) convert(events []Event, e fsnotify.Event) []Event {
	if e.Name == "" {
		return events
	}
	var op Op
	switch {
	case e.Has(fsnotify.Create):
		op = Created
	case e.Has(fsnotify.Write):
		op = Modified
	case e.Has(fsnotify.Remove):
		op = Deleted
	case e.Has(fsnotify.Rename):
		op = MovedFrom
	default:
		return events
	}
	isDir := false
	if op == Created {
		if fi, err := os.Stat(e.Name); err == nil && fi.IsDir() {
			isDir = true
			_ = walkDirs(e.Name, s.w.Add)
		}
	}
	return append(events, Event{Path: e.Name, Op: op, IsDir: isDir})
}

func (s *FSNotifySource) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *FSNotifySource) Close() error {
	return s.w.Close()
}
