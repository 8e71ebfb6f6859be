package diskcache

import (
	"io/fs"
	"path/filepath"
	"time"
)

type Op uint8

const (
	Created Op = iota + 1
	Modified
	Deleted
	MovedFrom
	MovedTo
	Accessed
	// Overflow means events were dropped and the directory must be
	// rescanned.
	Overflow
)

func (op Op) String() string {
	switch op {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	case MovedFrom:
		return "moved_from"
	case MovedTo:
		return "moved_to"
	case Accessed:
		return "accessed"
	case Overflow:
		return "overflow"
	}
	return "unknown"
}

type Event struct {
	Path  string
	Op    Op
	IsDir bool
}

// Source produces change events for a directory tree.
type Source interface {
	// Watch starts watching root and every directory below it.
	Watch(root string) error
	// Next waits up to timeout for events. A zero timeout does not block.
	// It returns no events when the timeout expires or Wake is called.
	Next(timeout time.Duration) ([]Event, error)
	// Wake makes a blocked or the next Next call return early.
	Wake()
	// Close releases the watch.
	Close() error
}

// walkDirs calls fn for root and each directory below it.
func walkDirs(root string, fn func(dir string) error) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			// Removed while walking.
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		return fn(p)
	})
}
