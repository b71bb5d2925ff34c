package config

import (
	"crypto/tls"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/convergectl/internal/render"
	"github.com/danmuck/convergectl/internal/testutil/tlstest"
)

func TestDecodeHostTemplate(t *testing.T) {
	host, err := DecodeHost([]byte(hostTemplate))
	if err != nil {
		t.Fatalf("decode template: %v", err)
	}
	if host.Name != "kafka-1" || host.Environment != "production" {
		t.Fatalf("unexpected identity: %q %q", host.Name, host.Environment)
	}
	if host.Install.Timeout != 10*time.Minute {
		t.Fatalf("unexpected install timeout: %v", host.Install.Timeout)
	}
	if host.Coordination.Backend != BackendZookeeper || host.Coordination.Connect != "zk1:2181,zk2:2181,zk3:2181" {
		t.Fatalf("unexpected coordination: %+v", host.Coordination)
	}
	if len(host.Zookeeper.Nodes) != 1 || host.Zookeeper.Nodes[0].Action != "create_if_missing" {
		t.Fatalf("unexpected nodes: %+v", host.Zookeeper.Nodes)
	}
	if host.Kafka.ScalaVersion != "2.11" {
		t.Fatalf("scala version must stay a string, got %q", host.Kafka.ScalaVersion)
	}
	if host.Storm.Enabled {
		t.Fatalf("storm should be disabled")
	}
}

func TestDefaultsMergeKeepsOrder(t *testing.T) {
	host, err := DecodeHost([]byte(`
zookeeper:
  config:
    tickTime: 3000
    initLimit: 5
kafka:
  server:
    num.partitions: 4
`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	out, err := render.Properties(host.Zookeeper.Config)
	if err != nil {
		t.Fatalf("render zoo.cfg: %v", err)
	}
	want := "clientPort=2181\ndataDir=/var/lib/zookeeper\ntickTime=3000\ninitLimit=5\n"
	if string(out) != want {
		t.Fatalf("unexpected zoo.cfg:\n%s", out)
	}

	keys := host.Kafka.Server.Keys()
	if strings.Join(keys, ",") != "log.dirs,delete.topic.enable,num.partitions" {
		t.Fatalf("unexpected server keys: %v", keys)
	}
	if host.Kafka.BinDir != "/usr/local/kafka/bin" || host.Kafka.ConfigDir != "/usr/local/kafka/config" {
		t.Fatalf("unexpected kafka dirs: %q %q", host.Kafka.BinDir, host.Kafka.ConfigDir)
	}
	if host.Kafka.BrokerID != nil {
		t.Fatalf("broker id should stay unset")
	}
	if host.Coordination.Connect != "localhost:2181" {
		t.Fatalf("unexpected default connect: %q", host.Coordination.Connect)
	}
}

func TestDecodeHostRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"backend":     "coordination:\n  backend: redis\n",
		"node action": "zookeeper:\n  nodes:\n    - path: /a\n      action: purge\n",
		"node path":   "zookeeper:\n  nodes:\n    - path: a\n",
		"daemon":      "storm:\n  daemons: [nimbus, pacemaker]\n",
		"consul mode": "discovery:\n  mode: consul\n",
		"broker id":   "kafka:\n  broker_id: -1\n",
		"chroot":      "kafka:\n  chroot: kafka\n",
	}
	for name, doc := range cases {
		if _, err := DecodeHost([]byte(doc)); !errors.Is(err, ErrInvalidHost) {
			t.Fatalf("%s: expected ErrInvalidHost, got %v", name, err)
		}
	}

	if _, err := DecodeHost([]byte("zookeeper:\n  versoin: 3.5\n")); err == nil {
		t.Fatalf("expected unknown field to fail")
	}
}

func TestEmptyHostDecodesToDefaults(t *testing.T) {
	host, err := DecodeHost(nil)
	if err != nil {
		t.Fatalf("decode empty: %v", err)
	}
	if host.Zookeeper.InstallDir != "/opt/zookeeper" || host.Zookeeper.ServiceStyle != StyleRunit {
		t.Fatalf("unexpected zookeeper defaults: %+v", host.Zookeeper)
	}
	if host.Supervisor.SocketFile != "/var/run/supervisor.sock" {
		t.Fatalf("unexpected supervisor socket: %q", host.Supervisor.SocketFile)
	}
	if host.Streamparse.User != "storm" || host.Streamparse.BoxName != "streamparse-box" {
		t.Fatalf("unexpected streamparse defaults: %+v", host.Streamparse)
	}
}

func TestLoadAgentConfigOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.toml")
	body := `host_file = "/srv/host.yaml"
interval = "5m"
cors_origins = [" http://a ", ""]
token = "secret"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadAgentConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HostFile != "/srv/host.yaml" || cfg.Interval != 5*time.Minute || cfg.Token != "secret" {
		t.Fatalf("unexpected overrides: %+v", cfg)
	}
	if cfg.Addr != ":9300" || cfg.ReportDir != "/var/lib/convergectl" {
		t.Fatalf("defaults lost: %+v", cfg)
	}
	if len(cfg.CorsOrigins) != 1 || cfg.CorsOrigins[0] != "http://a" {
		t.Fatalf("unexpected origins: %v", cfg.CorsOrigins)
	}
}

func TestLoadAgentConfigRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.toml")
	if err := os.WriteFile(path, []byte("intervall = \"5m\"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadAgentConfig(path); err == nil {
		t.Fatalf("expected unknown key error")
	}
}

func TestAgentTemplateLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.toml")
	if err := WriteTemplate(path, "agent", false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if err := WriteTemplate(path, "agent", false); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}
	cfg, err := LoadAgentConfig(path)
	if err != nil {
		t.Fatalf("load template: %v", err)
	}
	if cfg.Interval != 30*time.Minute {
		t.Fatalf("unexpected interval: %v", cfg.Interval)
	}
	if _, err := Template("broker"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}

func TestTLSLoad(t *testing.T) {
	ca := tlstest.NewAuthority(t, t.TempDir())
	pair := ca.Client(t, "agent")

	cfg, err := TLS{CAFile: ca.CAFile(), CertFile: pair.CertFile, KeyFile: pair.KeyFile}.Load()
	if err != nil {
		t.Fatalf("load tls: %v", err)
	}
	if cfg.RootCAs == nil || len(cfg.Certificates) != 1 {
		t.Fatalf("unexpected tls config: %+v", cfg)
	}
	if cfg.ClientAuth != tls.NoClientCert {
		t.Fatalf("client configs must not demand peer certs")
	}

	if _, err := (TLS{CertFile: pair.CertFile}).Load(); err == nil {
		t.Fatalf("expected error for cert without key")
	}
	if cfg, err := (TLS{}).Load(); err != nil || cfg != nil {
		t.Fatalf("zero TLS should disable: %v %v", cfg, err)
	}
}

func TestTLSServerConfig(t *testing.T) {
	ca := tlstest.NewAuthority(t, t.TempDir())
	pair := ca.Server(t)

	cfg, err := TLS{CAFile: ca.CAFile(), CertFile: pair.CertFile, KeyFile: pair.KeyFile}.ServerConfig()
	if err != nil {
		t.Fatalf("server config: %v", err)
	}
	if cfg.ClientAuth != tls.RequireAndVerifyClientCert || cfg.ClientCAs == nil {
		t.Fatalf("ca file must require client certs, got %v", cfg.ClientAuth)
	}
	if _, err := (TLS{CAFile: ca.CAFile()}).ServerConfig(); err == nil {
		t.Fatalf("expected error for server without a key pair")
	}
	if cfg, err := (TLS{}).ServerConfig(); err != nil || cfg != nil {
		t.Fatalf("zero TLS should disable: %v %v", cfg, err)
	}
}
