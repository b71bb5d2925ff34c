package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "host":
		return hostTemplate, nil
	case "agent":
		return agentTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const hostTemplate = `name: kafka-1
environment: production
cache_dir: /var/cache/convergectl

install:
  attempts: 3
  timeout: 10m

coordination:
  backend: zookeeper
  connect: zk1:2181,zk2:2181,zk3:2181
  timeout: 10s

discovery:
  mode: static
  zookeeper_quorum: [zk1, zk2, zk3]
  nimbus_host: nimbus-1

supervisor:
  enabled: true

zookeeper:
  enabled: true
  version: 3.4.6
  checksum: 01b3938547cd620dc4c93efe07c0360411f4a66962a70500b163b59014046994
  service_style: runit
  config:
    clientPort: 2181
    dataDir: /var/lib/zookeeper
    tickTime: 2000
  nodes:
    - path: /kafka
      action: create_if_missing

kafka:
  enabled: true
  version: 0.8.2.1
  scala_version: "2.11"
  checksum: 9fb84546149b477bdbf167da8ca880a2c1199aeb24b2d5cd17aac0973ba4e54b
  chroot: /kafka
  server:
    default.replication.factor: 2

storm:
  enabled: false
  daemons: [nimbus, supervisor, ui]

streamparse:
  enabled: false
`

const agentTemplate = `host_file = "/etc/convergectl/host.yaml"
interval = "30m"
addr = ":9300"
cors_origins = ["http://localhost:3000"]
token = "change-me"
report_dir = "/var/lib/convergectl"
dry_run = false
`
