// Package safeio implements convenient I/O routines that provide additional
// levels of safety in the presence of unexpected failures: atomic
// create-then-rename writes, with an optional fsync before the rename so a
// crash between operations cannot leave a half-written file under its final
// name.
package safeio

import (
	"io/ioutil"
	"os"
	"path"
	"syscall"
)

// WriteFileSync behaves like WriteFile, but fsyncs the temporary file before
// renaming it into place. This is used by the message store, where the
// commit-atomicity invariant requires that a crash between the write and the
// rename never leaves a corrupt file visible under the final name.
func WriteFileSync(filename string, data []byte, perm os.FileMode) error {
	tmpf, err := ioutil.TempFile(path.Dir(filename), "."+path.Base(filename))
	if err != nil {
		return err
	}
	tmpName := tmpf.Name()

	if err = tmpf.Chmod(perm); err != nil {
		tmpf.Close()
		os.Remove(tmpName)
		return err
	}

	if _, err = tmpf.Write(data); err != nil {
		tmpf.Close()
		os.Remove(tmpName)
		return err
	}

	if err = tmpf.Sync(); err != nil {
		// Some filesystems/platforms don't support fsync on every file type;
		// we don't treat that as fatal, since atomicity still holds via
		// rename, only durability across a power loss is weaker.
		if !os.IsPermission(err) {
			tmpf.Close()
			os.Remove(tmpName)
			return err
		}
	}

	if err = tmpf.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	return os.Rename(tmpName, filename)
}

// CreateExclusive creates a new file, failing if one already exists under
// that name. Used to detect message-id collisions when generating spool
// file names.
func CreateExclusive(filename string, perm os.FileMode) (*os.File, error) {
	return os.OpenFile(filename, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm)
}

// FileOp is a hook run on the temporary file's path before it is renamed
// into place, e.g. to adjust ownership on secrets files written by a
// privileged process on behalf of a unit.
type FileOp func(tmpPath string) error

// WriteFile writes data to a file named by filename, atomically.
// It's a wrapper to ioutil.WriteFile, but provides atomicity (and increased
// safety) by writing to a temporary file and renaming it at the end.
//
// Any ops are run, in order, on the temporary file's path after the data is
// written but before the rename; if one fails, the temporary file is removed
// and WriteFile returns that error.
//
// Note this relies on same-directory Rename being atomic, which holds in most
// reasonably modern filesystems.
func WriteFile(filename string, data []byte, perm os.FileMode, ops ...FileOp) error {
	// Note we create the temporary file in the same directory, otherwise we
	// would have no expectation of Rename being atomic.
	// We make the file names start with "." so there's no confusion with the
	// originals.
	tmpf, err := ioutil.TempFile(path.Dir(filename), "."+path.Base(filename))
	if err != nil {
		return err
	}

	if err = tmpf.Chmod(perm); err != nil {
		tmpf.Close()
		os.Remove(tmpf.Name())
		return err
	}

	if uid, gid := getOwner(filename); uid >= 0 {
		if err = tmpf.Chown(uid, gid); err != nil {
			tmpf.Close()
			os.Remove(tmpf.Name())
			return err
		}
	}

	if _, err = tmpf.Write(data); err != nil {
		tmpf.Close()
		os.Remove(tmpf.Name())
		return err
	}

	if err = tmpf.Close(); err != nil {
		os.Remove(tmpf.Name())
		return err
	}

	for _, op := range ops {
		if err = op(tmpf.Name()); err != nil {
			os.Remove(tmpf.Name())
			return err
		}
	}

	return os.Rename(tmpf.Name(), filename)
}

func getOwner(fname string) (uid, gid int) {
	uid = -1
	gid = -1
	stat, err := os.Stat(fname)
	if err == nil {
		if sysstat, ok := stat.Sys().(*syscall.Stat_t); ok {
			uid = int(sysstat.Uid)
			gid = int(sysstat.Gid)
		}
	}

	return
}
