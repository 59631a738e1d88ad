package evolution

import "syscall"

// freeDiskMB reports free disk space at path in megabytes. No library in
// the retrieved corpus wraps statfs; this is the one place the package
// falls back to the standard library because disk-space inspection is a
// thin, one-call syscall wrapper with no meaningful ecosystem API above it.
func freeDiskMB(path string) (int, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, err
	}
	bytesFree := st.Bavail * uint64(st.Bsize)
	return int(bytesFree / (1024 * 1024)), nil
}
