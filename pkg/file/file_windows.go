//go:build windows
// +build windows

package file

import "os"

func SyncDir(dirName string) error {
	// Windows does not support fsync on directory handles.
	return nil
}

// RenameFile replaces newpath with the file at oldpath. Windows cannot rename
// over an existing file, so any previous newpath is removed first.
func RenameFile(oldpath, newpath string) error {
	if err := os.Remove(newpath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return os.Rename(oldpath, newpath)
}
