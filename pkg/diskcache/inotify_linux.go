//go:build linux

package diskcache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const inotifyMask = unix.IN_CREATE | unix.IN_CLOSE_WRITE | unix.IN_DELETE |
	unix.IN_MOVED_FROM | unix.IN_MOVED_TO | unix.IN_ACCESS | unix.IN_DELETE_SELF

// InotifySource watches a directory tree with inotify. Unlike fsnotify it
// reports access and moved-to events.
type InotifySource struct {
	fd   int
	wake [2]int // pipe: read end, write end

	mu      sync.Mutex
	watches map[int]string // wd -> directory
	buf     []byte
	closed  bool
}

func NewInotifySource() (*InotifySource, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, os.NewSyscallError("inotify_init1", err)
	}
	s := &InotifySource{
		fd:      fd,
		watches: make(map[int]string),
		buf:     make([]byte, 64*(unix.SizeofInotifyEvent+unix.NAME_MAX+1)),
	}
	if err := unix.Pipe2(s.wake[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		_ = unix.Close(fd)
		return nil, os.NewSyscallError("pipe2", err)
	}
	return s, nil
}

func (s *InotifySource) Watch(root string) error {
	return walkDirs(root, s.addWatch)
}

func (s *InotifySource) addWatch(dir string) error {
	wd, err := unix.InotifyAddWatch(s.fd, dir, inotifyMask)
	if err != nil {
		return fmt.Errorf("watching %s: %w", dir, os.NewSyscallError("inotify_add_watch", err))
	}
	s.mu.Lock()
	s.watches[wd] = dir
	s.mu.Unlock()
	return nil
}

func (s *InotifySource) Next(timeout time.Duration) ([]Event, error) {
	fds := []unix.PollFd{
		{Fd: int32(s.fd), Events: unix.POLLIN},
		{Fd: int32(s.wake[0]), Events: unix.POLLIN},
	}
	n, err := unix.Poll(fds, int(timeout/time.Millisecond))
	if errors.Is(err, unix.EINTR) || n == 0 {
		return nil, nil
	}
	if err != nil {
		return nil, os.NewSyscallError("poll", err)
	}
	if fds[1].Revents&unix.POLLIN != 0 {
		s.drainWake()
	}
	if fds[0].Revents&unix.POLLIN == 0 {
		return nil, nil
	}
	return s.read()
}

func (s *InotifySource) read() ([]Event, error) {
	n, err := unix.Read(s.fd, s.buf)
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
		return nil, nil
	}
	if err != nil {
		return nil, os.NewSyscallError("read", err)
	}

	var events []Event
	for offset := 0; offset+unix.SizeofInotifyEvent <= n; {
		raw := (*unix.InotifyEvent)(unsafe.Pointer(&s.buf[offset]))
		nameStart := offset + unix.SizeofInotifyEvent
		nameEnd := nameStart + int(raw.Len)
		offset = nameEnd
		if nameEnd > n {
			break
		}
		name := string(trimNull(s.buf[nameStart:nameEnd]))

		if raw.Mask&unix.IN_Q_OVERFLOW != 0 {
			events = append(events, Event{Op: Overflow})
			continue
		}
		s.mu.Lock()
		dir, ok := s.watches[int(raw.Wd)]
		if raw.Mask&unix.IN_IGNORED != 0 {
			delete(s.watches, int(raw.Wd))
		}
		s.mu.Unlock()
		if !ok {
			continue
		}
		path := dir
		if name != "" {
			path = filepath.Join(dir, name)
		}
		isDir := raw.Mask&unix.IN_ISDIR != 0

		var op Op
		switch {
		case raw.Mask&unix.IN_CREATE != 0:
			op = Created
		case raw.Mask&unix.IN_MOVED_TO != 0:
			op = MovedTo
		case raw.Mask&unix.IN_CLOSE_WRITE != 0:
			op = Modified
		case raw.Mask&unix.IN_DELETE != 0:
			op = Deleted
		case raw.Mask&unix.IN_MOVED_FROM != 0:
			op = MovedFrom
		case raw.Mask&unix.IN_ACCESS != 0:
			op = Accessed
		default:
			continue
		}
		if isDir && (op == Created || op == MovedTo) {
			// New subtrees are watched before the manager scans them, so
			// files created in between are seen by one or the other.
			if err := walkDirs(path, s.addWatch); err != nil && !errors.Is(err, os.ErrNotExist) {
				return events, err
			}
		}
		events = append(events, Event{Path: path, Op: op, IsDir: isDir})
	}
	return events, nil
}

// Wake is a no-op once the source is closed: the pipe's descriptor number
// may already belong to something else.
func (s *InotifySource) Wake() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	_, _ = unix.Write(s.wake[1], []byte{0})
}

func (s *InotifySource) drainWake() {
	var b [64]byte
	for {
		if n, err := unix.Read(s.wake[0], b[:]); n <= 0 || err != nil {
			return
		}
	}
}

func (s *InotifySource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := unix.Close(s.fd)
	_ = unix.Close(s.wake[0])
	_ = unix.Close(s.wake[1])
	return err
}

func trimNull(b []byte) []byte {
	for i, c := range b {
		if c == 0 {
			return b[:i]
		}
	}
	return b
}
