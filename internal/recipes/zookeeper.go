package recipes

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/convergectl/internal/config"
	"github.com/danmuck/convergectl/internal/discovery"
	"github.com/danmuck/convergectl/internal/install"
	"github.com/danmuck/convergectl/internal/render"
	"github.com/danmuck/convergectl/internal/resource"
)

// Zookeeper installs a release tarball, renders zoo.cfg, runs the server
// under the configured style, and converges the declared coordination nodes.
func Zookeeper(h config.Host, _ discovery.Facts) ([]resource.Resource, error) {
	z := h.Zookeeper
	release := "zookeeper-" + z.Version
	home := filepath.Join(z.InstallDir, release)
	tarball := cachePath(h, release+".tar.gz")
	marker := filepath.Join(home, release+".jar")

	dataDir := "/var/lib/zookeeper"
	if v, ok := z.Config.Get("dataDir"); ok {
		dataDir = render.FormatScalar(v)
	}
	zooCfg, err := render.Properties(z.Config)
	if err != nil {
		return nil, fmt.Errorf("zoo.cfg: %w", err)
	}
	svc := serviceID("zookeeper")

	out := []resource.Resource{
		resource.New(z.User, resource.GroupSpec{Name: z.User}),
		resource.New(z.User, resource.UserSpec{Name: z.User, Group: z.User, Shell: "/bin/false", System: true}),
		resource.New(tarball, resource.RemoteFileSpec{
			Path:     tarball,
			URL:      joinURL(z.Mirror, release, release+".tar.gz"),
			Checksum: z.Checksum,
			Mode:     0o644,
			Owner:    "root",
		}).Unless(markerPresent(marker)),
		resource.New(z.InstallDir, resource.DirectorySpec{Path: z.InstallDir, Mode: 0o700, Owner: z.User, Group: z.User, Recursive: true}),
		resource.New(dataDir, resource.DirectorySpec{Path: dataDir, Mode: 0o700, Owner: z.User, Group: z.User, Recursive: true}),
		resource.New("zookeeper", resource.InstallSpec{Install: install.Spec{
			ID:          "zookeeper",
			URL:         joinURL(z.Mirror, release, release+".tar.gz"),
			Checksum:    z.Checksum,
			Archive:     tarball,
			Destination: z.InstallDir,
			Marker:      marker,
			Owner:       z.User,
			Group:       z.User,
		}}),
		resource.New(filepath.Join(home, "conf", "zoo.cfg"), resource.FileSpec{
			Path:    filepath.Join(home, "conf", "zoo.cfg"),
			Content: zooCfg,
			Mode:    0o644,
			Owner:   z.User,
			Group:   z.User,
		}, resource.ActionRender).Notify(svc, resource.ActionRestart, resource.Delayed),
	}

	d := daemon{
		Name:          "zookeeper",
		User:          z.User,
		Directory:     home,
		Command:       filepath.Join(home, "bin", "zkServer.sh") + " start-foreground",
		Environment:   map[string]string{"ZOOCFGDIR": filepath.Join(home, "conf")},
		DefaultLogger: true,
	}
	unit, err := d.unit(z.ServiceStyle)
	if err != nil {
		return nil, err
	}
	svcRes := resource.New("zookeeper", resource.ServiceSpec{Unit: unit})
	switch unit.Style {
	case config.StyleUpstart:
		// init files changing means the running server is stale
		svcRes.Actions = []resource.Action{resource.ActionEnable}
		svcRes = svcRes.Notify(svc, resource.ActionRestart, resource.Delayed)
	case config.StyleRunit, config.StyleSystemd, config.StyleSupervisor:
		svcRes.Actions = []resource.Action{resource.ActionEnable, resource.ActionStart}
	case config.StyleExhibitor:
		svcRes.Actions = []resource.Action{resource.ActionEnable}
	default:
		log.Error().Str("style", z.ServiceStyle).Msg("invalid zookeeper service style, continuing")
		svcRes.Actions = []resource.Action{resource.ActionNothing}
	}
	out = append(out, svcRes)

	for _, node := range z.Nodes {
		out = append(out, resource.New(node.Path,
			resource.CoordNodeSpec{Path: node.Path, Data: []byte(node.Data)},
			resource.Action(node.Action),
		))
	}
	return out, nil
}
