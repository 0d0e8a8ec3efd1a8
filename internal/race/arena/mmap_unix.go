//go:build unix

package arena

import "golang.org/x/sys/unix"

// Map returns size bytes of zeroed, private, anonymous memory outside the Go heap.
func Map(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

// Unmap releases memory obtained from Map.
func Unmap(mem []byte) error {
	return unix.Munmap(mem)
}
