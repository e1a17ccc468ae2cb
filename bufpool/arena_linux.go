//go:build linux

package bufpool

import "golang.org/x/sys/unix"

// mmapArena maps an anonymous, pre-faulted region that backs every granule.
func mmapArena(length int) ([]byte, error) {
	return unix.Mmap(-1, 0, length,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE,
	)
}

func munmapArena(b []byte) error {
	return unix.Munmap(b)
}
