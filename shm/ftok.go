package shm

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ftok derives a SysV IPC key from a file path and a project id, the same
// way the C library's ftok(3) does: low 8 bits of proj, low 8 bits of the
// file's device number, and the low 16 bits of its inode. Two processes that
// agree on path and proj always land on the same key.
//
// golang.org/x/sys/unix has no Ftok wrapper, so this is a direct
// reimplementation rather than a binding.
func ftok(path string, proj byte) (int, error) {
	if err := touchForKey(path); err != nil {
		return 0, err
	}

	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, err
	}

	key := (int(proj) << 24) | (int(st.Dev&0xff) << 16) | int(st.Ino&0xffff)
	return key, nil
}

// touchForKey ensures path exists so ftok has a stable inode to hash.
func touchForKey(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0600)
	if err != nil {
		return err
	}
	return f.Close()
}
