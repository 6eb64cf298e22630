//go:build !darwin && !linux

package storage

// detectFilesystemType cannot inspect mounts on this platform; an unknown
// type is treated as local.
func detectFilesystemType(path string) (string, error) {
	return "unknown", nil
}
