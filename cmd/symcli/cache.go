package main

import (
	"context"
	"fmt"
	"math"

	"github.com/dustin/go-humanize"

	"github.com/grafana/symbolicator/pkg/diskcache"
	"github.com/grafana/symbolicator/pkg/util/bytesize"
)

type cacheScanParams struct {
	dir     string
	maxSize bytesize.ByteSize
	list    bool
}

func addCacheScanParams(cmd commander) *cacheScanParams {
	p := &cacheScanParams{}
	cmd.Arg("dir", "Cache directory.").Required().ExistingDirVar(&p.dir)
	cmd.Flag("max-size", "Evict least recently used files until the directory fits, e.g. 2GiB. Zero only reports.").Default("0").SetValue(&p.maxSize)
	cmd.Flag("list", "List tracked files, least recently used first.").Default("false").BoolVar(&p.list)
	return p
}

// cacheScan seeds a disk cache index from the directory, which applies the
// size budget the same way the running service does.
func cacheScan(_ context.Context, p *cacheScanParams) error {
	maxSize := p.maxSize
	if maxSize == 0 {
		maxSize = bytesize.ByteSize(math.MaxInt64)
	}
	cfg := diskcache.Config{Enabled: true, Dir: p.dir, MaxSize: maxSize, Source: diskcache.SourcePoll}
	m := diskcache.NewManager(cfg, diskcache.NewPollSource(math.MaxInt64), logger, nil)
	if err := m.Init(); err != nil {
		return err
	}
	defer m.Close()

	files, size := m.Stats()
	if p.list {
		for _, path := range m.Tracked() {
			fmt.Println(path)
		}
	}
	fmt.Printf("%d files, %s\n", files, humanize.IBytes(size))
	return nil
}
