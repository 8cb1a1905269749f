package store

import "os"

// fsyncPath fsyncs the file at path. Some filesystems don't support fsync on
// every file type; as in safeio.WriteFileSync, a permission error here is
// not treated as fatal, since the rename that follows still gives us
// atomicity, only durability across a power loss is weaker.
func fsyncPath(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Sync(); err != nil && !os.IsPermission(err) {
		return err
	}
	return nil
}

// fsyncDir fsyncs a directory's entry, needed on most POSIX filesystems so a
// rename is durable across a crash, not just atomic. Errors are ignored:
// this is a durability best-effort, and some platforms (and some
// filesystems, e.g. many network filesystems) don't support it at all.
func fsyncDir(dir string) {
	f, err := os.Open(dir)
	if err != nil {
		return
	}
	defer f.Close()
	f.Sync()
}
