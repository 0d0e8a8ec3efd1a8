//go:build !unix

package arena

// Map falls back to heap memory where anonymous mappings are unavailable. Callers only
// store pointer-free data in it, so the collector never scans its contents.
func Map(size int) ([]byte, error) {
	return make([]byte, size), nil
}

// Unmap is a no-op for heap-backed regions.
func Unmap(_ []byte) error {
	return nil
}
