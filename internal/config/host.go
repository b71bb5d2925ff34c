package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/danmuck/convergectl/internal/render"
)

var ErrInvalidHost = errors.New("config: invalid host")

// Service styles understood by the service controller.
const (
	StyleRunit      = "runit"
	StyleUpstart    = "upstart"
	StyleSystemd    = "systemd"
	StyleSupervisor = "supervisor"
	StyleExhibitor  = "exhibitor"
)

// Coordination store backends.
const (
	BackendZookeeper = "zookeeper"
	BackendEtcd      = "etcd"
	BackendConsul    = "consul"
	BackendMemory    = "memory"
)

// Host is the desired state of one machine. It is decoded once and passed
// explicitly to every recipe.
type Host struct {
	Name         string       `yaml:"name"`
	Environment  string       `yaml:"environment"`
	CacheDir     string       `yaml:"cache_dir"`
	Install      Install      `yaml:"install"`
	Coordination Coordination `yaml:"coordination"`
	Discovery    Discovery    `yaml:"discovery"`
	Supervisor   Supervisor   `yaml:"supervisor"`
	Zookeeper    Zookeeper    `yaml:"zookeeper"`
	Kafka        Kafka        `yaml:"kafka"`
	Storm        Storm        `yaml:"storm"`
	Streamparse  Streamparse  `yaml:"streamparse"`
}

type Install struct {
	Attempts int           `yaml:"attempts"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Coordination selects the store coordination nodes are written to.
type Coordination struct {
	Backend   string        `yaml:"backend"`
	Connect   string        `yaml:"connect"`
	Endpoints []string      `yaml:"endpoints"`
	Namespace string        `yaml:"namespace"`
	Address   string        `yaml:"address"`
	Token     string        `yaml:"token"`
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"`
	Timeout   time.Duration `yaml:"timeout"`
	TLS       TLS           `yaml:"tls"`
}

// Discovery describes where peer facts come from.
type Discovery struct {
	Mode            string   `yaml:"mode"`
	ConsulAddress   string   `yaml:"consul_address"`
	Datacenter      string   `yaml:"datacenter"`
	Token           string   `yaml:"token"`
	Hostname        string   `yaml:"hostname"`
	FQDN            string   `yaml:"fqdn"`
	IPAddress       string   `yaml:"ip_address"`
	ZookeeperQuorum []string `yaml:"zookeeper_quorum"`
	NimbusHost      string   `yaml:"nimbus_host"`
}

type Supervisor struct {
	Enabled         bool   `yaml:"enabled"`
	Dir             string `yaml:"dir"`
	ConfFile        string `yaml:"conffile"`
	LogDir          string `yaml:"log_dir"`
	SocketFile      string `yaml:"socket_file"`
	LogLevel        string `yaml:"loglevel"`
	LogfileMaxbytes string `yaml:"logfile_maxbytes"`
	LogfileBackups  int    `yaml:"logfile_backups"`
	Minfds          int    `yaml:"minfds"`
	Minprocs        int    `yaml:"minprocs"`
	InetPort        string `yaml:"inet_port"`
	InetUsername    string `yaml:"inet_username"`
	InetPassword    string `yaml:"inet_password"`
	ServiceStyle    string `yaml:"service_style"`
}

// CoordNode is a coordination node declared by the zookeeper recipe.
type CoordNode struct {
	Path   string `yaml:"path"`
	Data   string `yaml:"data"`
	Action string `yaml:"action"`
}

type Zookeeper struct {
	Enabled      bool        `yaml:"enabled"`
	Version      string      `yaml:"version"`
	Mirror       string      `yaml:"mirror"`
	Checksum     string      `yaml:"checksum"`
	User         string      `yaml:"user"`
	InstallDir   string      `yaml:"install_dir"`
	ServiceStyle string      `yaml:"service_style"`
	Config       *render.Map `yaml:"config"`
	Nodes        []CoordNode `yaml:"nodes"`
}

type Kafka struct {
	Enabled          bool        `yaml:"enabled"`
	Version          string      `yaml:"version"`
	ScalaVersion     string      `yaml:"scala_version"`
	Mirror           string      `yaml:"mirror"`
	Checksum         string      `yaml:"checksum"`
	User             string      `yaml:"user"`
	HeapOpts         string      `yaml:"heap_opts"`
	InstallDir       string      `yaml:"install_dir"`
	LogDir           string      `yaml:"log_dir"`
	BinDir           string      `yaml:"bin_dir"`
	ConfigDir        string      `yaml:"config_dir"`
	ServiceStyle     string      `yaml:"service_style"`
	BrokerID         *int        `yaml:"broker_id"`
	Port             int         `yaml:"port"`
	ZookeeperConnect string      `yaml:"zookeeper_connect"`
	Chroot           string      `yaml:"chroot"`
	Server           *render.Map `yaml:"server"`
	Log4j            *render.Map `yaml:"log4j"`
}

type Storm struct {
	Enabled       bool        `yaml:"enabled"`
	Version       string      `yaml:"version"`
	DownloadURL   string      `yaml:"download_url"`
	Checksum      string      `yaml:"checksum"`
	User          string      `yaml:"user"`
	Group         string      `yaml:"group"`
	Home          string      `yaml:"home"`
	RootDir       string      `yaml:"root_dir"`
	LogDir        string      `yaml:"log_dir"`
	LocalDir      string      `yaml:"local_dir"`
	ClusterRole   string      `yaml:"cluster_role"`
	Packages      []string    `yaml:"packages"`
	Daemons       []string    `yaml:"daemons"`
	ZookeeperPort int         `yaml:"zookeeper_port"`
	ZookeeperRoot string      `yaml:"zookeeper_root"`
	Settings      *render.Map `yaml:"settings"`
}

type Streamparse struct {
	Enabled         bool   `yaml:"enabled"`
	LogPath         string `yaml:"log_path"`
	VirtualenvPath  string `yaml:"virtualenv_path"`
	User            string `yaml:"user"`
	VirtualenvOwner string `yaml:"virtualenv_owner"`
	BoxName         string `yaml:"box_name"`
	Address         string `yaml:"address"`
	HostsFile       string `yaml:"hosts_file"`
}

// LoadHost reads, defaults and validates a host file.
func LoadHost(path string) (Host, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Host{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	host, err := DecodeHost(data)
	if err != nil {
		return Host{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return host, nil
}

// DecodeHost decodes YAML, rejecting unknown keys.
func DecodeHost(data []byte) (Host, error) {
	var host Host
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&host); err != nil && !errors.Is(err, io.EOF) {
		return Host{}, err
	}
	host.ApplyDefaults()
	if err := ValidateHost(host); err != nil {
		return Host{}, err
	}
	return host, nil
}

// ApplyDefaults fills unset fields. Attribute maps are merged over the
// defaults so user keys override while default keys keep their order.
func (h *Host) ApplyDefaults() {
	h.Name = firstNonEmpty(h.Name, hostname())
	h.Environment = firstNonEmpty(h.Environment, "_default")
	h.CacheDir = firstNonEmpty(h.CacheDir, "/var/cache/convergectl")
	if h.Install.Attempts <= 0 {
		h.Install.Attempts = 3
	}
	if h.Install.Timeout <= 0 {
		h.Install.Timeout = 10 * time.Minute
	}

	c := &h.Coordination
	c.Backend = strings.ToLower(firstNonEmpty(c.Backend, BackendZookeeper))
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Backend == BackendZookeeper {
		c.Connect = firstNonEmpty(c.Connect, "localhost:2181")
	}

	d := &h.Discovery
	d.Mode = strings.ToLower(firstNonEmpty(d.Mode, "static"))

	s := &h.Supervisor
	s.Dir = firstNonEmpty(s.Dir, "/etc/supervisor.d")
	s.ConfFile = firstNonEmpty(s.ConfFile, "/etc/supervisord.conf")
	s.LogDir = firstNonEmpty(s.LogDir, "/var/log/supervisor")
	s.SocketFile = firstNonEmpty(s.SocketFile, "/var/run/supervisor.sock")
	s.LogLevel = firstNonEmpty(s.LogLevel, "info")
	s.LogfileMaxbytes = firstNonEmpty(s.LogfileMaxbytes, "50MB")
	s.ServiceStyle = firstNonEmpty(s.ServiceStyle, StyleSystemd)
	if s.LogfileBackups <= 0 {
		s.LogfileBackups = 10
	}
	if s.Minfds <= 0 {
		s.Minfds = 1024
	}
	if s.Minprocs <= 0 {
		s.Minprocs = 200
	}

	z := &h.Zookeeper
	z.Version = firstNonEmpty(z.Version, "3.4.6")
	z.Mirror = firstNonEmpty(z.Mirror, "http://archive.apache.org/dist/zookeeper")
	z.User = firstNonEmpty(z.User, "zookeeper")
	z.InstallDir = firstNonEmpty(z.InstallDir, "/opt/zookeeper")
	z.ServiceStyle = firstNonEmpty(z.ServiceStyle, StyleRunit)
	z.Config = render.Of(
		"clientPort", 2181,
		"dataDir", "/var/lib/zookeeper",
		"tickTime", 2000,
	).Merge(z.Config)
	for i := range z.Nodes {
		z.Nodes[i].Action = firstNonEmpty(z.Nodes[i].Action, "create")
	}

	k := &h.Kafka
	k.Version = firstNonEmpty(k.Version, "0.8.2.1")
	k.ScalaVersion = firstNonEmpty(k.ScalaVersion, "2.11")
	k.Mirror = firstNonEmpty(k.Mirror, "http://archive.apache.org/dist/kafka")
	k.User = firstNonEmpty(k.User, "kafka")
	k.HeapOpts = firstNonEmpty(k.HeapOpts, "-Xmx512M -Xms256M")
	k.InstallDir = firstNonEmpty(k.InstallDir, "/usr/local/kafka")
	k.LogDir = firstNonEmpty(k.LogDir, "/var/log/kafka")
	k.BinDir = firstNonEmpty(k.BinDir, path.Join(k.InstallDir, "bin"))
	k.ConfigDir = firstNonEmpty(k.ConfigDir, path.Join(k.InstallDir, "config"))
	k.ServiceStyle = firstNonEmpty(k.ServiceStyle, StyleUpstart)
	if k.Port <= 0 {
		k.Port = 9092
	}
	k.Server = render.Of(
		"log.dirs", k.LogDir,
		"delete.topic.enable", "true",
	).Merge(k.Server)
	k.Log4j = DefaultKafkaLog4j().Merge(k.Log4j)

	st := &h.Storm
	st.Version = firstNonEmpty(st.Version, "0.8.2")
	st.DownloadURL = firstNonEmpty(st.DownloadURL, "https://github.com/downloads/nathanmarz/storm")
	st.User = firstNonEmpty(st.User, "storm")
	st.Group = firstNonEmpty(st.Group, st.User)
	st.Home = firstNonEmpty(st.Home, path.Join("/home", st.User))
	st.RootDir = firstNonEmpty(st.RootDir, "/opt/storm")
	st.LogDir = firstNonEmpty(st.LogDir, "/var/log/storm")
	st.LocalDir = firstNonEmpty(st.LocalDir, "/mnt/storm")
	if st.Packages == nil {
		st.Packages = []string{"unzip", "python"}
	}
	if len(st.Daemons) == 0 {
		st.Daemons = []string{"nimbus", "supervisor", "ui"}
	}
	if st.ZookeeperPort <= 0 {
		st.ZookeeperPort = 2181
	}
	st.ZookeeperRoot = firstNonEmpty(st.ZookeeperRoot, "/storm")
	if st.Settings == nil {
		st.Settings = render.NewMap()
	}

	sp := &h.Streamparse
	sp.LogPath = firstNonEmpty(sp.LogPath, "/var/log/streamparse")
	sp.VirtualenvPath = firstNonEmpty(sp.VirtualenvPath, "/data/virtualenvs")
	sp.User = firstNonEmpty(sp.User, st.User)
	sp.VirtualenvOwner = firstNonEmpty(sp.VirtualenvOwner, sp.User)
	sp.BoxName = firstNonEmpty(sp.BoxName, "streamparse-box")
	sp.Address = firstNonEmpty(sp.Address, "127.0.0.1")
	sp.HostsFile = firstNonEmpty(sp.HostsFile, "/etc/hosts")
}

// ValidateHost checks a defaulted host.
func ValidateHost(h Host) error {
	switch h.Coordination.Backend {
	case BackendZookeeper, BackendEtcd, BackendConsul, BackendMemory:
	default:
		return fmt.Errorf("%w: unknown coordination backend %q", ErrInvalidHost, h.Coordination.Backend)
	}
	switch h.Discovery.Mode {
	case "static":
	case "consul":
		if strings.TrimSpace(h.Discovery.ConsulAddress) == "" {
			return fmt.Errorf("%w: discovery.consul_address required for consul mode", ErrInvalidHost)
		}
	default:
		return fmt.Errorf("%w: unknown discovery mode %q", ErrInvalidHost, h.Discovery.Mode)
	}
	if h.Install.Attempts < 1 {
		return fmt.Errorf("%w: install.attempts must be at least 1", ErrInvalidHost)
	}
	for i, node := range h.Zookeeper.Nodes {
		if !strings.HasPrefix(node.Path, "/") {
			return fmt.Errorf("%w: zookeeper.nodes[%d] path %q must be absolute", ErrInvalidHost, i, node.Path)
		}
		switch node.Action {
		case "create", "create_if_missing", "delete":
		default:
			return fmt.Errorf("%w: zookeeper.nodes[%d] unknown action %q", ErrInvalidHost, i, node.Action)
		}
	}
	if h.Kafka.BrokerID != nil && *h.Kafka.BrokerID < 0 {
		return fmt.Errorf("%w: kafka.broker_id must not be negative", ErrInvalidHost)
	}
	if c := strings.TrimSpace(h.Kafka.Chroot); c != "" && !strings.HasPrefix(c, "/") {
		return fmt.Errorf("%w: kafka.chroot %q must start with /", ErrInvalidHost, c)
	}
	for _, d := range h.Storm.Daemons {
		switch d {
		case "nimbus", "supervisor", "ui", "drpc", "logviewer":
		default:
			return fmt.Errorf("%w: unknown storm daemon %q", ErrInvalidHost, d)
		}
	}
	for _, style := range []string{h.Zookeeper.ServiceStyle, h.Kafka.ServiceStyle, h.Supervisor.ServiceStyle} {
		if strings.TrimSpace(style) == "" {
			return fmt.Errorf("%w: empty service style", ErrInvalidHost)
		}
	}
	return nil
}

// DefaultKafkaLog4j is the stock broker logging layout.
func DefaultKafkaLog4j() *render.Map {
	m := render.NewMap()
	m.Set("log4j.rootLogger", "WARN, stdout")
	m.Set("log4j.appender.stdout", "org.apache.log4j.ConsoleAppender")
	m.Set("log4j.appender.stdout.layout", "org.apache.log4j.PatternLayout")
	m.Set("log4j.appender.stdout.layout.ConversionPattern", "[%d] %p %m (%c)%n")
	for _, a := range []struct{ name, file string }{
		{"kafkaAppender", "${kafka.logs.dir}/server.log"},
		{"stateChangeAppender", "${kafka.logs.dir}/state-change.log"},
		{"requestAppender", "${kafka.logs.dir}/kafka-request.log"},
		{"cleanerAppender", "${kafka.logs.dir}/log-cleaner.log"},
		{"controllerAppender", "${kafka.logs.dir}/controller.log"},
	} {
		prefix := "log4j.appender." + a.name
		m.Set(prefix, "org.apache.log4j.DailyRollingFileAppender")
		m.Set(prefix+".DatePattern", "'.'yyyy-MM-dd-HH")
		m.Set(prefix+".File", a.file)
		m.Set(prefix+".layout", "org.apache.log4j.PatternLayout")
		m.Set(prefix+".layout.ConversionPattern", "[%d] %p %m (%c)%n")
	}
	m.Set("log4j.logger.kafka", "INFO, kafkaAppender")
	m.Set("log4j.logger.kafka.network.RequestChannel$", "WARN, requestAppender")
	m.Set("log4j.additivity.kafka.network.RequestChannel$", "false")
	m.Set("log4j.logger.kafka.request.logger", "WARN, requestAppender")
	m.Set("log4j.additivity.kafka.request.logger", "false")
	m.Set("log4j.logger.kafka.controller", "TRACE, controllerAppender")
	m.Set("log4j.additivity.kafka.controller", "false")
	m.Set("log4j.logger.kafka.log.LogCleaner", "INFO, cleanerAppender")
	m.Set("log4j.additivity.kafka.log.LogCleaner", "false")
	m.Set("log4j.logger.state.change.logger", "TRACE, stateChangeAppender")
	m.Set("log4j.additivity.state.change.logger", "false")
	return m
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return name
}
