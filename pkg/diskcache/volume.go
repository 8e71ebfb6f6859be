package diskcache

type volumeChecker interface {
	// check reports the free space of the filesystem holding path and
	// whether it is below the configured minimum.
	check(path string) (volumeStats, error)
}

type volumeStats struct {
	BytesAvailable uint64
	BytesTotal     uint64
	Low            bool
}
