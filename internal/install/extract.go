package install

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/danmuck/convergectl/internal/tools"
)

// Extractor unpacks archive under dest.
type Extractor interface {
	Extract(archive string, dest string) error
}

// TarExtractor handles .tar.gz, .tgz, .tar.zst and plain .tar. Entries that
// would land outside dest are rejected; a failure midway leaves whatever was
// already written.
type TarExtractor struct{}

func (TarExtractor) Extract(archive string, dest string) error {
	f, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader = f
	name := strings.ToLower(archive)
	switch {
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrExtract, filepath.Base(archive), err)
		}
		defer gz.Close()
		r = gz
	case strings.HasSuffix(name, ".tar.zst"), strings.HasSuffix(name, ".tzst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrExtract, filepath.Base(archive), err)
		}
		defer zr.Close()
		r = zr
	case strings.HasSuffix(name, ".tar"):
	default:
		return fmt.Errorf("%w: unsupported archive %s", ErrExtract, filepath.Base(archive))
	}

	root, err := filepath.Abs(dest)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	return untar(tar.NewReader(r), root)
}

func untar(tr *tar.Reader, root string) error {
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, tar.ErrInsecurePath) {
			return fmt.Errorf("%w: insecure entry under %s: %v", ErrSandboxViolation, root, err)
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrExtract, err)
		}

		target := filepath.Join(root, hdr.Name)
		if !tools.IsWithin(target, root) {
			return fmt.Errorf("%w: entry %q escapes %s", ErrSandboxViolation, hdr.Name, root)
		}
		mode := os.FileMode(hdr.Mode).Perm()

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, mode|0o700); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeEntry(tr, target, mode); err != nil {
				return err
			}
		case tar.TypeSymlink:
			resolved := hdr.Linkname
			if !filepath.IsAbs(resolved) {
				resolved = filepath.Join(filepath.Dir(target), resolved)
			}
			if !tools.IsWithin(resolved, root) {
				return fmt.Errorf("%w: link %q -> %q escapes %s", ErrSandboxViolation, hdr.Name, hdr.Linkname, root)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		case tar.TypeLink:
			source := filepath.Join(root, hdr.Linkname)
			if !tools.IsWithin(source, root) {
				return fmt.Errorf("%w: hard link %q escapes %s", ErrSandboxViolation, hdr.Linkname, root)
			}
			_ = os.Remove(target)
			if err := os.Link(source, target); err != nil {
				return err
			}
		default:
			// pax headers and device nodes carry nothing we install
		}
	}
}

func writeEntry(r io.Reader, target string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
