//go:build !linux

package diskcache

import (
	"errors"
	"time"
)

var errInotifyUnsupported = errors.New("inotify source is only available on linux, use the fsnotify or poll source")

type InotifySource struct{}

func NewInotifySource() (*InotifySource, error) {
	return nil, errInotifyUnsupported
}

func (*InotifySource) Watch(string) error                  { return errInotifyUnsupported }
func (*InotifySource) Next(time.Duration) ([]Event, error) { return nil, errInotifyUnsupported }
func (*InotifySource) Wake()                               {}
func (*InotifySource) Close() error                        { return nil }
