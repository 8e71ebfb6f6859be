package diskcache

// Free space is not checked on windows.
type noopChecker struct{}

func newVolumeChecker(uint64, float64) volumeChecker { return noopChecker{} }

func (noopChecker) check(string) (volumeStats, error) { return volumeStats{}, nil }
