package service

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/danmuck/convergectl/internal/tools"
)

func (c *Controller) runit(unit Unit, action Action) (bool, error) {
	name := unit.Name
	switch action {
	case ActionEnable:
		return c.runitEnable(unit)
	case ActionDisable:
		return tools.RemovePath(filepath.Join(c.paths.ServiceDir, name))
	case ActionStart:
		if out, _ := c.probe("sv", "status", name); strings.HasPrefix(out, "run:") {
			return false, nil
		}
		_, err := c.run("sv", "start", name)
		return err == nil, err
	case ActionStop:
		if out, _ := c.probe("sv", "status", name); strings.HasPrefix(out, "down:") {
			return false, nil
		}
		_, err := c.run("sv", "stop", name)
		return err == nil, err
	case ActionRestart:
		_, err := c.run("sv", "restart", name)
		return err == nil, err
	case ActionReload:
		_, err := c.run("sv", "hup", name)
		return err == nil, err
	case ActionStatus:
		_, err := c.run("sv", "status", name)
		return false, err
	}
	return false, fmt.Errorf("%w: %s", ErrUnknownAction, action)
}

// runitEnable lays out /etc/sv/<name> and links it into the supervised
// service directory.
func (c *Controller) runitEnable(unit Unit) (bool, error) {
	if strings.TrimSpace(unit.RunScript) == "" {
		return false, fmt.Errorf("%w: runit unit %s has no run script", ErrInvalidUnit, unit.Name)
	}
	svDir := filepath.Join(c.paths.SvDir, unit.Name)
	changed := false

	dirChanged, err := tools.EnsureDir(svDir, 0o755, tools.Ownership{}, true)
	if err != nil {
		return false, err
	}
	changed = changed || dirChanged

	runChanged, err := writeScript(filepath.Join(svDir, "run"), unit.RunScript, 0o755)
	if err != nil {
		return changed, err
	}
	changed = changed || runChanged

	if unit.DefaultLogger {
		logDir := filepath.Join(c.paths.RunitLogDir, unit.Name)
		if d, err := tools.EnsureDir(logDir, 0o755, tools.Ownership{}, true); err != nil {
			return changed, err
		} else if d {
			changed = true
		}
		script := fmt.Sprintf("#!/bin/sh\nexec svlogd -tt %s\n", logDir)
		logChanged, err := writeScript(filepath.Join(svDir, "log", "run"), script, 0o755)
		if err != nil {
			return changed, err
		}
		changed = changed || logChanged
	}

	linkChanged, err := tools.EnsureSymlink(filepath.Join(c.paths.ServiceDir, unit.Name), svDir)
	if err != nil {
		return changed, err
	}
	return changed || linkChanged, nil
}
