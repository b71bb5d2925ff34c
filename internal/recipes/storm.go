package recipes

import (
	"fmt"
	"path/filepath"
	"slices"

	"github.com/danmuck/convergectl/internal/config"
	"github.com/danmuck/convergectl/internal/discovery"
	"github.com/danmuck/convergectl/internal/install"
	"github.com/danmuck/convergectl/internal/render"
	"github.com/danmuck/convergectl/internal/resource"
	"github.com/danmuck/convergectl/internal/service"
)

const stormProfileTemplate = `# managed by convergectl
export STORM_HOME={{ .Home }}
export PATH="$STORM_HOME/bin:$PATH"
`

// Storm unpacks a storm release under root_dir, points root_dir/current at
// it, renders storm.yaml and runs each configured daemon as a supervisord
// program.
func Storm(h config.Host, facts discovery.Facts) ([]resource.Resource, error) {
	st := h.Storm
	release := "storm-" + st.Version
	installDir := filepath.Join(st.RootDir, release)
	libDir := filepath.Join(installDir, "lib")
	confDir := filepath.Join(installDir, "conf")
	binDir := filepath.Join(installDir, "bin")
	current := filepath.Join(st.RootDir, "current")
	tarball := cachePath(h, release+".tar.gz")
	url := joinURL(st.DownloadURL, release+".tar.gz")

	stormYAML, err := render.YAML(StormSettings(h, facts))
	if err != nil {
		return nil, fmt.Errorf("storm.yaml: %w", err)
	}
	profile, err := render.Template("storm-profile", stormProfileTemplate, map[string]string{"Home": current})
	if err != nil {
		return nil, err
	}

	var out []resource.Resource
	if len(st.Packages) > 0 {
		out = append(out, resource.New("storm-packages", resource.InstallSpec{Install: install.Spec{
			ID:       "storm-packages",
			Method:   install.MethodPackage,
			Packages: st.Packages,
		}}))
	}
	out = append(out,
		resource.New(st.Group, resource.GroupSpec{Name: st.Group}),
		resource.New(st.User, resource.UserSpec{
			Name:       st.User,
			Group:      st.Group,
			Home:       st.Home,
			Shell:      "/bin/bash",
			Comment:    "Storm user",
			CreateHome: true,
		}),
		resource.New(filepath.Join(st.Home, ".storm"), resource.LinkSpec{Path: filepath.Join(st.Home, ".storm"), Target: confDir}),
	)
	// lib_dir is the install marker, so it is left to the archive
	for _, dir := range []string{confDir, st.LocalDir, st.LogDir, installDir, binDir} {
		out = append(out, resource.New(dir, resource.DirectorySpec{Path: dir, Owner: st.User, Group: st.Group, Recursive: true}))
	}
	out = append(out,
		resource.New(tarball, resource.RemoteFileSpec{
			Path:     tarball,
			URL:      url,
			Checksum: st.Checksum,
			Mode:     0o744,
			Owner:    st.User,
			Group:    st.Group,
		}, resource.ActionCreateIfMissing),
		resource.New("storm", resource.InstallSpec{Install: install.Spec{
			ID:          "storm",
			URL:         url,
			Checksum:    st.Checksum,
			Archive:     tarball,
			Destination: st.RootDir,
			Marker:      libDir,
			Owner:       st.User,
			Group:       st.Group,
		}}),
		resource.New(current, resource.LinkSpec{Path: current, Target: installDir}),
	)

	yamlPath := filepath.Join(confDir, "storm.yaml")
	conf := resource.New(yamlPath, resource.FileSpec{Path: yamlPath, Content: stormYAML, Mode: 0o644, Owner: st.User, Group: st.Group}, resource.ActionRender)
	profilePath := filepath.Join(st.Home, ".profile")

	programs := make([]resource.Resource, 0, len(st.Daemons))
	for _, d := range st.Daemons {
		name := "storm-" + d
		programs = append(programs, resource.New(name, resource.SupervisorProgramSpec{
			Name: name,
			Program: service.Program{
				Command:       filepath.Join(current, "bin", "storm") + " " + d,
				Directory:     current,
				User:          st.User,
				Autostart:     true,
				Autorestart:   "true",
				StartSecs:     10,
				StopSignal:    "KILL",
				StdoutLogfile: filepath.Join(st.LogDir, name+".out"),
				StderrLogfile: filepath.Join(st.LogDir, name+".err"),
			},
		}, resource.ActionEnable, resource.ActionStart))
		conf = conf.Notify(resource.ID("supervisor_program", name), resource.ActionRestart, resource.Delayed)
	}

	out = append(out,
		conf,
		resource.New(profilePath, resource.FileSpec{Path: profilePath, Content: profile, Mode: 0o644, Owner: st.User, Group: st.Group}),
	)
	return append(out, programs...), nil
}

// StormSettings builds storm.yaml: zookeeper and nimbus placement first, then
// the configured settings. A host running nimbus points at itself.
func StormSettings(h config.Host, facts discovery.Facts) *render.Map {
	st := h.Storm
	quorum := facts.ZookeeperQuorum
	if len(quorum) == 0 {
		quorum = []string{"localhost"}
	}
	nimbus := facts.NimbusHost
	if slices.Contains(st.Daemons, "nimbus") {
		nimbus = firstNonEmpty(facts.FQDN, facts.Hostname, h.Name)
	}
	if nimbus == "" {
		nimbus = "localhost"
	}

	return render.Of(
		"storm.zookeeper.servers", quorum,
		"storm.zookeeper.port", st.ZookeeperPort,
		"storm.zookeeper.root", st.ZookeeperRoot,
		"nimbus.host", nimbus,
		"storm.local.dir", st.LocalDir,
	).Merge(st.Settings)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
