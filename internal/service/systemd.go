package service

import (
	"fmt"
	"path/filepath"
	"strings"
)

func (c *Controller) systemd(unit Unit, action Action) (bool, error) {
	name := unit.Name
	switch action {
	case ActionEnable:
		changed := false
		if strings.TrimSpace(unit.UnitFile) != "" {
			ok, err := writeScript(filepath.Join(c.paths.SystemdDir, name+".service"), unit.UnitFile, 0o644)
			if err != nil {
				return false, err
			}
			if ok {
				if _, err := c.run("systemctl", "daemon-reload"); err != nil {
					return true, err
				}
				changed = true
			}
		}
		if _, enabled := c.probe("systemctl", "is-enabled", name); enabled {
			return changed, nil
		}
		_, err := c.run("systemctl", "enable", name)
		return err == nil || changed, err
	case ActionDisable:
		if _, enabled := c.probe("systemctl", "is-enabled", name); !enabled {
			return false, nil
		}
		_, err := c.run("systemctl", "disable", name)
		return err == nil, err
	case ActionStart:
		if _, active := c.probe("systemctl", "is-active", name); active {
			return false, nil
		}
		_, err := c.run("systemctl", "start", name)
		return err == nil, err
	case ActionStop:
		if _, active := c.probe("systemctl", "is-active", name); !active {
			return false, nil
		}
		_, err := c.run("systemctl", "stop", name)
		return err == nil, err
	case ActionRestart:
		_, err := c.run("systemctl", "restart", name)
		return err == nil, err
	case ActionReload:
		_, err := c.run("systemctl", "reload", name)
		return err == nil, err
	case ActionStatus:
		_, err := c.run("systemctl", "is-active", name)
		return false, err
	}
	return false, fmt.Errorf("%w: %s", ErrUnknownAction, action)
}
