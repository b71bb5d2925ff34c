package tools

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

var ErrNotDirectory = errors.New("tools: path exists and is not a directory")

// Ownership names the desired owner of a path. Empty fields are left alone.
type Ownership struct {
	User  string
	Group string
}

func (o Ownership) empty() bool {
	return strings.TrimSpace(o.User) == "" && strings.TrimSpace(o.Group) == ""
}

// resolve maps names to numeric ids; -1 means unchanged.
func (o Ownership) resolve() (int, int, error) {
	uid, gid := -1, -1
	if name := strings.TrimSpace(o.User); name != "" {
		u, err := user.Lookup(name)
		if err != nil {
			return -1, -1, fmt.Errorf("lookup user %q: %w", name, err)
		}
		id, err := strconv.Atoi(u.Uid)
		if err != nil {
			return -1, -1, err
		}
		uid = id
	}
	if name := strings.TrimSpace(o.Group); name != "" {
		g, err := user.LookupGroup(name)
		if err != nil {
			return -1, -1, fmt.Errorf("lookup group %q: %w", name, err)
		}
		id, err := strconv.Atoi(g.Gid)
		if err != nil {
			return -1, -1, err
		}
		gid = id
	}
	return uid, gid, nil
}

// Exists reports whether path is present (symlinks are not followed).
func Exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// FileMatches reports whether path already holds content with mode and
// ownership.
func FileMatches(path string, content []byte, mode os.FileMode, own Ownership) (bool, error) {
	if mode == 0 {
		mode = 0o644
	}
	current, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	ownOK, err := ownershipMatches(info, own)
	if err != nil {
		return false, err
	}
	return bytes.Equal(current, content) && info.Mode().Perm() == mode.Perm() && ownOK, nil
}

// EnsureFile writes content to path only when content, mode, or ownership
// differ from what is on disk. Writes go through a temp file and rename.
func EnsureFile(path string, content []byte, mode os.FileMode, own Ownership) (bool, error) {
	if mode == 0 {
		mode = 0o644
	}
	ok, err := FileMatches(path, content, mode, own)
	if err != nil || ok {
		return false, err
	}
	if err := writeAtomic(path, content, mode, own); err != nil {
		return false, err
	}
	return true, nil
}

func writeAtomic(path string, content []byte, mode os.FileMode, own Ownership) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, mode.Perm()); err != nil {
		return err
	}
	if err := Chown(tmpName, own); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// EnsureDir creates path (optionally with parents) and converges its mode and
// ownership.
func EnsureDir(path string, mode os.FileMode, own Ownership, recursive bool) (bool, error) {
	if mode == 0 {
		mode = 0o755
	}
	info, err := os.Stat(path)
	if err == nil {
		if !info.IsDir() {
			return false, fmt.Errorf("%w: %s", ErrNotDirectory, path)
		}
		changed := false
		if info.Mode().Perm() != mode.Perm() {
			if err := os.Chmod(path, mode.Perm()); err != nil {
				return false, err
			}
			changed = true
		}
		ownOK, err := ownershipMatches(info, own)
		if err != nil {
			return false, err
		}
		if !ownOK {
			if err := Chown(path, own); err != nil {
				return false, err
			}
			changed = true
		}
		return changed, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}

	if recursive {
		err = os.MkdirAll(path, mode.Perm())
	} else {
		err = os.Mkdir(path, mode.Perm())
	}
	if err != nil {
		return false, err
	}
	// MkdirAll is subject to umask.
	if err := os.Chmod(path, mode.Perm()); err != nil {
		return false, err
	}
	if err := Chown(path, own); err != nil {
		return false, err
	}
	return true, nil
}

// EnsureSymlink points path at target, replacing a link that points elsewhere.
func EnsureSymlink(path string, target string) (bool, error) {
	current, err := os.Readlink(path)
	if err == nil && current == target {
		return false, nil
	}
	if err == nil || Exists(path) {
		info, statErr := os.Lstat(path)
		if statErr != nil {
			return false, statErr
		}
		if info.Mode()&os.ModeSymlink == 0 && info.IsDir() {
			return false, fmt.Errorf("tools: refusing to replace directory %s with a link", path)
		}
		if err := os.Remove(path); err != nil {
			return false, err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, err
	}
	if err := os.Symlink(target, path); err != nil {
		return false, err
	}
	return true, nil
}

// RemovePath deletes a file, link, or empty directory. Missing paths are not
// an error.
func RemovePath(path string) (bool, error) {
	if !Exists(path) {
		return false, nil
	}
	if err := os.Remove(path); err != nil {
		return false, err
	}
	return true, nil
}

// Chown applies own to path when any field is set.
func Chown(path string, own Ownership) error {
	if own.empty() {
		return nil
	}
	uid, gid, err := own.resolve()
	if err != nil {
		return err
	}
	return os.Lchown(path, uid, gid)
}

// ChownRecursive applies own to root and everything below it.
func ChownRecursive(root string, own Ownership) error {
	if own.empty() {
		return nil
	}
	uid, gid, err := own.resolve()
	if err != nil {
		return err
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		return os.Lchown(path, uid, gid)
	})
}

func ownershipMatches(info os.FileInfo, own Ownership) (bool, error) {
	if own.empty() {
		return true, nil
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return true, nil
	}
	uid, gid, err := own.resolve()
	if err != nil {
		return false, err
	}
	if uid >= 0 && uint32(uid) != st.Uid {
		return false, nil
	}
	if gid >= 0 && uint32(gid) != st.Gid {
		return false, nil
	}
	return true, nil
}

// IsWithin reports whether path is root or below it.
func IsWithin(path string, root string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, ".."+string(os.PathSeparator)) && rel != "..")
}
