// Package bytesize provides a byte count that can be set from flags and YAML
// using human-readable units ("512MiB", "20 GB").
package bytesize

import (
	"errors"
	"strings"

	"github.com/dustin/go-humanize"
)

type ByteSize uint64

const (
	Byte ByteSize = 1
	KiB           = Byte << 10
	MiB           = KiB << 10
	GiB           = MiB << 10
	TiB           = GiB << 10
)

var errParse = errors.New("could not parse ByteSize")

func Parse(s string) (ByteSize, error) {
	n, err := humanize.ParseBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, errParse
	}
	return ByteSize(n), nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// Set implements flag.Value.
func (b *ByteSize) Set(s string) error {
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*b = v
	return nil
}

func (b ByteSize) MarshalYAML() (interface{}, error) {
	return b.String(), nil
}

func (b *ByteSize) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return b.Set(s)
}
