//go:build !linux

package codemem

func mapRegion(size int) ([]byte, bool, error) {
	return make([]byte, size), false, nil
}

func unmapRegion(buf []byte, mapped bool) error {
	return nil
}
