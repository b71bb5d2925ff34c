package recipes

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/danmuck/convergectl/internal/config"
	"github.com/danmuck/convergectl/internal/discovery"
	"github.com/danmuck/convergectl/internal/install"
	"github.com/danmuck/convergectl/internal/render"
	"github.com/danmuck/convergectl/internal/resource"
)

type kafkaPaths struct {
	Home      string
	ConfigDir string
	BinDir    string
	LogDir    string
	HeapOpts  string
}

var kafkaBinTemplates = []struct {
	name string
	text string
}{
	{"kafka-server-start.sh", `#!/bin/bash
# managed by convergectl
if [ $# -lt 1 ]; then
  echo "USAGE: $0 [-daemon] server.properties" 1>&2
  exit 1
fi
export KAFKA_LOG4J_OPTS="-Dlog4j.configuration=file:{{ .ConfigDir }}/log4j.properties"
export KAFKA_HEAP_OPTS="${KAFKA_HEAP_OPTS:-{{ .HeapOpts }}}"
exec {{ .BinDir }}/kafka-run-class.sh kafka.Kafka "$@"
`},
	{"kafka-run-class.sh", `#!/bin/bash
# managed by convergectl
export LOG_DIR="{{ .LogDir }}"
exec {{ .Home }}/bin/kafka-run-class.sh "$@"
`},
	{"kafka-topics.sh", `#!/bin/bash
# managed by convergectl
exec {{ .BinDir }}/kafka-run-class.sh kafka.admin.TopicCommand "$@"
`},
}

// Kafka installs a broker release next to wrapper scripts, renders
// server.properties and log4j.properties, and runs the broker.
func Kafka(h config.Host, facts discovery.Facts) ([]resource.Resource, error) {
	k := h.Kafka
	tag := fmt.Sprintf("kafka_%s-%s", k.ScalaVersion, k.Version)
	home := filepath.Join(k.InstallDir, tag)
	tarball := cachePath(h, tag+".tgz")
	url := joinURL(k.Mirror, k.Version, tag+".tgz")
	paths := kafkaPaths{Home: home, ConfigDir: k.ConfigDir, BinDir: k.BinDir, LogDir: k.LogDir, HeapOpts: k.HeapOpts}
	svc := serviceID("kafka")

	out := []resource.Resource{
		resource.New(k.User, resource.UserSpec{Name: k.User, Comment: k.User, Shell: "/bin/false", System: true}),
		resource.New(k.InstallDir, resource.DirectorySpec{Path: k.InstallDir, Owner: k.User, Recursive: true}),
		resource.New(tarball, resource.RemoteFileSpec{Path: tarball, URL: url, Checksum: k.Checksum}).
			Unless(markerPresent(home)),
		resource.New("kafka", resource.InstallSpec{Install: install.Spec{
			ID:          "kafka",
			URL:         url,
			Checksum:    k.Checksum,
			Archive:     tarball,
			Destination: k.InstallDir,
			Marker:      home,
			Owner:       k.User,
		}}),
	}
	for _, dir := range []string{k.ConfigDir, k.BinDir, k.LogDir} {
		out = append(out, resource.New(dir, resource.DirectorySpec{Path: dir, Owner: k.User, Recursive: true}))
	}

	for _, bin := range kafkaBinTemplates {
		body, err := render.Template(bin.name, bin.text, paths)
		if err != nil {
			return nil, err
		}
		p := filepath.Join(k.BinDir, bin.name)
		out = append(out, resource.New(p, resource.FileSpec{Path: p, Content: body, Mode: 0o755, Owner: k.User}).
			Notify(svc, resource.ActionRestart, resource.Delayed))
	}

	server, err := render.Properties(ServerProperties(h, facts))
	if err != nil {
		return nil, fmt.Errorf("server.properties: %w", err)
	}
	log4j, err := render.Properties(k.Log4j)
	if err != nil {
		return nil, fmt.Errorf("log4j.properties: %w", err)
	}
	serverPath := filepath.Join(k.ConfigDir, "server.properties")
	log4jPath := filepath.Join(k.ConfigDir, "log4j.properties")
	out = append(out,
		resource.New(serverPath, resource.FileSpec{Path: serverPath, Content: server, Mode: 0o644, Owner: k.User}, resource.ActionRender).
			Notify(svc, resource.ActionRestart, resource.Delayed),
		resource.New(log4jPath, resource.FileSpec{Path: log4jPath, Content: log4j, Mode: 0o644, Owner: k.User}, resource.ActionRender).
			Notify(svc, resource.ActionRestart, resource.Delayed),
	)

	d := daemon{
		Name:      "kafka",
		User:      k.User,
		Directory: home,
		Command:   filepath.Join(k.BinDir, "kafka-server-start.sh") + " " + serverPath,
		Environment: map[string]string{
			"KAFKA_HOME":      home,
			"KAFKA_CONFIG":    k.ConfigDir,
			"KAFKA_BIN":       k.BinDir,
			"KAFKA_LOG":       k.LogDir,
			"KAFKA_USER":      k.User,
			"SCALA_VERSION":   k.ScalaVersion,
			"KAFKA_HEAP_OPTS": k.HeapOpts,
		},
		DefaultLogger: true,
	}
	unit, err := d.unit(k.ServiceStyle)
	if err != nil {
		return nil, err
	}
	// unknown styles still get a resource; the controller logs and skips
	out = append(out, resource.New("kafka", resource.ServiceSpec{Unit: unit}, resource.ActionEnable, resource.ActionStart))
	return out, nil
}

// ServerProperties assembles broker settings: broker.id, port and
// zookeeper.connect first, then the configured server entries in order.
func ServerProperties(h config.Host, facts discovery.Facts) *render.Map {
	k := h.Kafka
	brokerID := discovery.BrokerID(facts.IPAddress)
	if k.BrokerID != nil {
		brokerID = *k.BrokerID
	}

	m := render.Of(
		"broker.id", brokerID,
		"port", k.Port,
		"zookeeper.connect", ZookeeperConnect(h, facts),
	)
	return m.Merge(k.Server)
}

// ZookeeperConnect prefers the configured connect string, then the
// discovered quorum, then localhost. The chroot is appended once.
func ZookeeperConnect(h config.Host, facts discovery.Facts) string {
	connect := strings.TrimSpace(h.Kafka.ZookeeperConnect)
	if connect == "" && len(facts.ZookeeperQuorum) > 0 {
		port := 2181
		if v, ok := h.Zookeeper.Config.Get("clientPort"); ok {
			if p, err := strconv.Atoi(render.FormatScalar(v)); err == nil {
				port = p
			}
		}
		hosts := make([]string, 0, len(facts.ZookeeperQuorum))
		for _, q := range facts.ZookeeperQuorum {
			if strings.Contains(q, ":") {
				hosts = append(hosts, q)
				continue
			}
			hosts = append(hosts, q+":"+strconv.Itoa(port))
		}
		connect = strings.Join(hosts, ",")
	}
	if connect == "" {
		connect = "localhost:2181"
	}
	if chroot := strings.TrimRight(strings.TrimSpace(h.Kafka.Chroot), "/"); chroot != "" && !strings.HasSuffix(connect, chroot) {
		connect += chroot
	}
	return connect
}
