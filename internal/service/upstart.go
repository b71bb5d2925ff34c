package service

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/danmuck/convergectl/internal/tools"
)

func (c *Controller) upstart(unit Unit, action Action) (bool, error) {
	name := unit.Name
	switch action {
	case ActionEnable:
		changed := false
		if strings.TrimSpace(unit.InitConf) != "" {
			ok, err := writeScript(filepath.Join(c.paths.InitDir, name+".conf"), unit.InitConf, 0o644)
			if err != nil {
				return false, err
			}
			changed = changed || ok
		}
		if strings.TrimSpace(unit.Defaults) != "" {
			ok, err := writeScript(filepath.Join(c.paths.DefaultDir, name), unit.Defaults, 0o644)
			if err != nil {
				return changed, err
			}
			changed = changed || ok
		}
		return changed, nil
	case ActionDisable:
		return tools.RemovePath(filepath.Join(c.paths.InitDir, name+".conf"))
	case ActionStart:
		if c.upstartRunning(name) {
			return false, nil
		}
		_, err := c.run("initctl", "start", name)
		return err == nil, err
	case ActionStop:
		if !c.upstartRunning(name) {
			return false, nil
		}
		_, err := c.run("initctl", "stop", name)
		return err == nil, err
	case ActionRestart:
		if !c.upstartRunning(name) {
			_, err := c.run("initctl", "start", name)
			return err == nil, err
		}
		_, err := c.run("initctl", "restart", name)
		return err == nil, err
	case ActionReload:
		_, err := c.run("initctl", "reload", name)
		return err == nil, err
	case ActionStatus:
		_, err := c.run("initctl", "status", name)
		return false, err
	}
	return false, fmt.Errorf("%w: %s", ErrUnknownAction, action)
}

func (c *Controller) upstartRunning(name string) bool {
	out, ok := c.probe("initctl", "status", name)
	return ok && strings.Contains(out, "start/running")
}
