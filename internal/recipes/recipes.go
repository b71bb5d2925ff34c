// Package recipes turns a host description into an ordered resource plan.
// Each component builder reads only its own section of config.Host plus the
// gathered facts; nothing is looked up globally.
package recipes

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/convergectl/internal/config"
	"github.com/danmuck/convergectl/internal/discovery"
	"github.com/danmuck/convergectl/internal/resource"
	"github.com/danmuck/convergectl/internal/tools"
)

var ErrRecipe = errors.New("recipes: cannot build plan")

// Builder produces the resources for one component.
type Builder func(h config.Host, facts discovery.Facts) ([]resource.Resource, error)

type component struct {
	name    string
	enabled func(h config.Host) bool
	build   Builder
}

// components run in this order. Storm programs need supervisord, so the
// supervisor recipe is pulled in whenever storm is enabled.
var components = []component{
	{"supervisor", func(h config.Host) bool { return h.Supervisor.Enabled || h.Storm.Enabled }, Supervisor},
	{"zookeeper", func(h config.Host) bool { return h.Zookeeper.Enabled }, Zookeeper},
	{"kafka", func(h config.Host) bool { return h.Kafka.Enabled }, Kafka},
	{"storm", func(h config.Host) bool { return h.Storm.Enabled }, Storm},
	{"streamparse", func(h config.Host) bool { return h.Streamparse.Enabled }, Streamparse},
}

// Plan concatenates the enabled recipes in fixed order and validates the
// result as one run.
func Plan(h config.Host, facts discovery.Facts) ([]resource.Resource, error) {
	var plan []resource.Resource
	for _, c := range components {
		if !c.enabled(h) {
			continue
		}
		resources, err := c.build(h, facts)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrRecipe, c.name, err)
		}
		log.Debug().Str("recipe", c.name).Int("resources", len(resources)).Msg("recipe built")
		plan = append(plan, resources...)
	}
	if err := resource.Validate(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// Enabled lists the recipes Plan would include.
func Enabled(h config.Host) []string {
	var out []string
	for _, c := range components {
		if c.enabled(h) {
			out = append(out, c.name)
		}
	}
	return out
}

// markerPresent is a not_if guard: skip when path exists.
func markerPresent(path string) resource.Predicate {
	return func() (bool, error) {
		return tools.Exists(path), nil
	}
}

func cachePath(h config.Host, name string) string {
	return filepath.Join(h.CacheDir, name)
}

func serviceID(name string) string {
	return resource.ID("service", name)
}

func joinURL(base string, parts ...string) string {
	out := strings.TrimRight(base, "/")
	for _, p := range parts {
		out += "/" + strings.Trim(p, "/")
	}
	return out
}
