//go:build linux

package web

import "golang.org/x/sys/unix"

func snapshotDisk() *DiskSnapshot {
	var st unix.Statfs_t
	if err := unix.Statfs("/", &st); err != nil {
		return &DiskSnapshot{LastError: err.Error()}
	}

	bsize := uint64(st.Bsize)
	return &DiskSnapshot{
		RootPath:       "/",
		RootTotalBytes: st.Blocks * bsize,
		RootFreeBytes:  st.Bfree * bsize,
		RootAvailBytes: st.Bavail * bsize,
	}
}
