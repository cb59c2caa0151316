package fs

import (
	"io"
	"os"
	"path/filepath"
)

// WriteFile writes data to name, fsyncing before close.
func WriteFile(fsys FileSystem, name string, data []byte, perm os.FileMode) error {
	f, err := fsys.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		fsys.Remove(name)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		fsys.Remove(name)
		return err
	}
	if err := f.Close(); err != nil {
		fsys.Remove(name)
		return err
	}
	return nil
}

// WriteFileAtomic writes data to a temporary sibling of name and renames
// it into place, so a crash mid-write can never leave a partially written
// file at name. The containing directory is synced to persist the rename.
func WriteFileAtomic(fsys FileSystem, name string, data []byte, perm os.FileMode) error {
	tmp := name + ".tmp"
	if err := WriteFile(fsys, tmp, data, perm); err != nil {
		return err
	}
	if err := fsys.Rename(tmp, name); err != nil {
		fsys.Remove(tmp)
		return err
	}
	return SyncDir(fsys, filepath.Dir(name))
}

// CopyFile copies src to dst, fsyncing dst before close.
func CopyFile(fsys FileSystem, src, dst string, perm os.FileMode) error {
	in, err := fsys.OpenFile(src, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := fsys.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		fsys.Remove(dst)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		fsys.Remove(dst)
		return err
	}
	return out.Close()
}

// SyncDir syncs a directory to persist renames and removals within it.
func SyncDir(fsys FileSystem, dir string) error {
	f, err := fsys.OpenFile(dir, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
