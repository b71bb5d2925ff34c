package resource

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/danmuck/convergectl/internal/install"
	"github.com/danmuck/convergectl/internal/tools"
)

// present asks getent whether a passwd/group entry exists.
func (r *run) present(database string, name string) (bool, error) {
	_, err := tools.Exec(r.e.runner, "getent", database, name)
	if err == nil {
		return true, nil
	}
	if tools.Missing(err) {
		return false, err
	}
	return false, nil
}

func (r *run) user(spec UserSpec) (bool, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return false, fmt.Errorf("%w: user without name", ErrInvalidResource)
	}
	exists, err := r.present("passwd", name)
	if err != nil || exists {
		return false, err
	}
	if r.e.dryRun {
		return true, nil
	}
	args := []string{}
	if spec.System {
		args = append(args, "-r")
	}
	if spec.Group != "" {
		args = append(args, "-g", spec.Group)
	}
	if spec.Home != "" {
		args = append(args, "-d", spec.Home)
	}
	if spec.CreateHome {
		args = append(args, "-m")
	} else {
		args = append(args, "-M")
	}
	if spec.Shell != "" {
		args = append(args, "-s", spec.Shell)
	}
	if spec.Comment != "" {
		args = append(args, "-c", spec.Comment)
	}
	args = append(args, name)
	if _, err := tools.Exec(r.e.runner, "useradd", args...); err != nil {
		return false, err
	}
	return true, nil
}

func (r *run) group(spec GroupSpec) (bool, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return false, fmt.Errorf("%w: group without name", ErrInvalidResource)
	}
	exists, err := r.present("group", name)
	if err != nil || exists {
		return false, err
	}
	if r.e.dryRun {
		return true, nil
	}
	args := []string{}
	if spec.System {
		args = append(args, "-r")
	}
	if spec.GID > 0 {
		args = append(args, "-g", strconv.Itoa(spec.GID))
	}
	args = append(args, name)
	if _, err := tools.Exec(r.e.runner, "groupadd", args...); err != nil {
		return false, err
	}
	return true, nil
}

func (r *run) directory(spec DirectorySpec, action Action) (bool, error) {
	path := strings.TrimSpace(spec.Path)
	if path == "" {
		return false, fmt.Errorf("%w: directory without path", ErrInvalidResource)
	}
	switch action {
	case ActionCreate:
		if r.e.dryRun {
			info, err := os.Stat(path)
			if err != nil {
				return true, nil
			}
			mode := spec.Mode
			if mode == 0 {
				mode = 0o755
			}
			return !info.IsDir() || info.Mode().Perm() != mode.Perm(), nil
		}
		return tools.EnsureDir(path, spec.Mode, tools.Ownership{User: spec.Owner, Group: spec.Group}, spec.Recursive)
	case ActionDelete:
		if !tools.Exists(path) || r.e.dryRun {
			return tools.Exists(path), nil
		}
		var err error
		if spec.Recursive {
			err = os.RemoveAll(path)
		} else {
			err = os.Remove(path)
		}
		return err == nil, err
	}
	return false, fmt.Errorf("%w: directory cannot %s", ErrUnsupportedAction, action)
}

func (r *run) link(spec LinkSpec, action Action) (bool, error) {
	path := strings.TrimSpace(spec.Path)
	if path == "" {
		return false, fmt.Errorf("%w: link without path", ErrInvalidResource)
	}
	switch action {
	case ActionCreate:
		if strings.TrimSpace(spec.Target) == "" {
			return false, fmt.Errorf("%w: link %s without target", ErrInvalidResource, path)
		}
		if r.e.dryRun {
			current, err := os.Readlink(path)
			return err != nil || current != spec.Target, nil
		}
		return tools.EnsureSymlink(path, spec.Target)
	case ActionDelete:
		info, err := os.Lstat(path)
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if info.Mode()&os.ModeSymlink == 0 {
			return false, fmt.Errorf("%w: %s is not a link", ErrInvalidResource, path)
		}
		if r.e.dryRun {
			return true, nil
		}
		return true, os.Remove(path)
	}
	return false, fmt.Errorf("%w: link cannot %s", ErrUnsupportedAction, action)
}

func (r *run) file(spec FileSpec, action Action) (bool, error) {
	path := strings.TrimSpace(spec.Path)
	if path == "" {
		return false, fmt.Errorf("%w: file without path", ErrInvalidResource)
	}
	own := tools.Ownership{User: spec.Owner, Group: spec.Group}
	switch action {
	case ActionCreateIfMissing:
		if tools.Exists(path) {
			return false, nil
		}
		fallthrough
	case ActionCreate, ActionRender:
		if r.e.dryRun {
			ok, err := tools.FileMatches(path, spec.Content, spec.Mode, own)
			return !ok, err
		}
		return tools.EnsureFile(path, spec.Content, spec.Mode, own)
	case ActionDelete:
		if r.e.dryRun {
			return tools.Exists(path), nil
		}
		return tools.RemovePath(path)
	}
	return false, fmt.Errorf("%w: file cannot %s", ErrUnsupportedAction, action)
}

// remoteFile downloads through the installer so it shares the retry policy
// and checksum rules. Without a checksum an existing file is kept.
func (r *run) remoteFile(spec RemoteFileSpec, action Action) (bool, error) {
	path := strings.TrimSpace(spec.Path)
	if path == "" {
		return false, fmt.Errorf("%w: remote_file without path", ErrInvalidResource)
	}
	if r.e.installer == nil {
		return false, fmt.Errorf("%w: installer", ErrMissingCollaborator)
	}
	if tools.Exists(path) {
		if action == ActionCreateIfMissing || strings.TrimSpace(spec.Checksum) == "" {
			return false, nil
		}
		if install.VerifyChecksum(path, spec.Checksum) == nil {
			return false, nil
		}
	}
	if r.e.dryRun {
		return true, nil
	}
	changed, err := r.e.installer.Download(r.ctx, spec.URL, spec.Checksum, path)
	if err != nil {
		return false, err
	}
	if spec.Mode != 0 {
		if err := os.Chmod(path, spec.Mode.Perm()); err != nil {
			return changed, err
		}
	}
	if err := tools.Chown(path, tools.Ownership{User: spec.Owner, Group: spec.Group}); err != nil {
		return changed, err
	}
	return changed, nil
}

func (r *run) execute(spec ExecuteSpec) (bool, error) {
	if strings.TrimSpace(spec.Command) == "" {
		return false, fmt.Errorf("%w: execute without command", ErrInvalidResource)
	}
	if spec.Creates != "" && tools.Exists(spec.Creates) {
		return false, nil
	}
	if r.e.dryRun {
		return true, nil
	}
	if _, err := tools.Exec(r.e.runner, spec.Command, spec.Args...); err != nil {
		return false, err
	}
	return true, nil
}

func (r *run) hostsEntry(spec HostsEntrySpec) (bool, error) {
	path := strings.TrimSpace(spec.Path)
	if path == "" {
		path = "/etc/hosts"
	}
	if spec.IP == "" || spec.Hostname == "" {
		return false, fmt.Errorf("%w: hosts entry needs ip and hostname", ErrInvalidResource)
	}
	current, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	if HostsHasName(current, spec.Hostname) {
		return false, nil
	}
	if r.e.dryRun {
		return true, nil
	}

	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	var buf bytes.Buffer
	buf.Write(current)
	if len(current) > 0 && !bytes.HasSuffix(current, []byte("\n")) {
		buf.WriteByte('\n')
	}
	fields := append([]string{spec.IP, spec.Hostname}, spec.Aliases...)
	buf.WriteString(strings.Join(fields, " "))
	buf.WriteByte('\n')
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, err
	}
	return tools.EnsureFile(path, buf.Bytes(), mode, tools.Ownership{})
}

// HostsHasName reports whether any non-comment line of a hosts file maps
// name.
func HostsHasName(content []byte, name string) bool {
	scanner := bufio.NewScanner(bytes.NewReader(content))
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		for _, f := range fields[min(1, len(fields)):] {
			if f == name {
				return true
			}
		}
	}
	return false
}
