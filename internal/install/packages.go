package install

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/convergectl/internal/tools"
)

// packageManager is the detected OS package tool.
type packageManager struct {
	name    string
	query   []string
	install []string
}

var knownManagers = []packageManager{
	{name: "apt-get", query: []string{"dpkg", "-s"}, install: []string{"apt-get", "install", "-y", "-q"}},
	{name: "yum", query: []string{"rpm", "-q"}, install: []string{"yum", "install", "-y"}},
}

func (i *Installer) detectManager() (*packageManager, error) {
	if i.manager != nil {
		return i.manager, nil
	}
	for idx := range knownManagers {
		m := knownManagers[idx]
		_, err := tools.Exec(i.runner, m.name, "--version")
		if err == nil {
			i.manager = &m
			return i.manager, nil
		}
		if !tools.Missing(err) {
			return nil, err
		}
	}
	return nil, ErrNoPackageManager
}

func (i *Installer) missingPackages(pkgs []string) ([]string, error) {
	names := normalizePackages(pkgs)
	if len(names) == 0 {
		return nil, nil
	}
	m, err := i.detectManager()
	if err != nil {
		return nil, err
	}
	missing := make([]string, 0, len(names))
	for _, pkg := range names {
		args := append(append([]string{}, m.query[1:]...), pkg)
		if _, err := tools.Exec(i.runner, m.query[0], args...); err != nil {
			if tools.Missing(err) {
				return nil, err
			}
			missing = append(missing, pkg)
		}
	}
	return missing, nil
}

func (i *Installer) installPackages(spec Spec) (bool, error) {
	if len(normalizePackages(spec.Packages)) == 0 {
		return false, fmt.Errorf("%w: package install needs packages", ErrInvalidSpec)
	}
	missing, err := i.missingPackages(spec.Packages)
	if err != nil {
		return false, fmt.Errorf("install %s: %w", spec.ID, err)
	}
	if len(missing) == 0 {
		return false, nil
	}

	m := i.manager
	log.Info().Str("install", spec.ID).Str("manager", m.name).Strs("packages", missing).Msg("install packages")
	args := append(append([]string{}, m.install[1:]...), missing...)
	if _, err := tools.Exec(i.runner, m.install[0], args...); err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrPackageInstallFail, strings.Join(missing, " "), err)
	}
	return true, nil
}

func normalizePackages(in []string) []string {
	out := make([]string, 0, len(in))
	for _, raw := range in {
		if v := strings.TrimSpace(raw); v != "" {
			out = append(out, v)
		}
	}
	return out
}
