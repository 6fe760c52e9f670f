package pollcat

// Filesystem is the part of the local filesystem the replicator writes to.
// It abstracts file access to enable testing without touching the real filesystem.
type Filesystem interface {
	// MkdirAll creates path and any missing parents.
	MkdirAll(path string) error

	// CopyFile copies src to dst, replacing dst if it exists, and returns the
	// number of bytes written.
	CopyFile(src, dst string) (int64, error)

	// Exists reports whether path exists.
	Exists(path string) (bool, error)
}
