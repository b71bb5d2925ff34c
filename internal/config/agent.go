package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Agent holds process settings for `convergectl agent`. The desired state of
// the host lives in a separate YAML file named by HostFile.
type Agent struct {
	HostFile    string
	Interval    time.Duration
	Addr        string
	CorsOrigins []string
	Token       string
	ReportDir   string
	DryRun      bool
	TLS         TLS
}

type agentFile struct {
	HostFile    string   `toml:"host_file"`
	Interval    string   `toml:"interval"`
	IntervalSec int64    `toml:"interval_seconds"`
	Addr        string   `toml:"addr"`
	CorsOrigins []string `toml:"cors_origins"`
	Token       string   `toml:"token"`
	ReportDir   string   `toml:"report_dir"`
	DryRun      bool     `toml:"dry_run"`
	TLS         TLS      `toml:"tls"`
}

func DefaultAgentConfig() Agent {
	return Agent{
		HostFile:    "/etc/convergectl/host.yaml",
		Interval:    30 * time.Minute,
		Addr:        ":9300",
		CorsOrigins: []string{},
		ReportDir:   "/var/lib/convergectl",
	}
}

// LoadAgentConfig overlays keys present in the file onto the defaults.
func LoadAgentConfig(path string) (Agent, error) {
	cfg := DefaultAgentConfig()

	var raw agentFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Agent{}, fmt.Errorf("load agent config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Agent{}, fmt.Errorf("load agent config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("host_file") {
		if v := strings.TrimSpace(raw.HostFile); v != "" {
			cfg.HostFile = v
		}
	}

	if meta.IsDefined("interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Interval))
		if err != nil {
			return Agent{}, fmt.Errorf("parse interval: %w", err)
		}
		cfg.Interval = d
	}

	if meta.IsDefined("interval_seconds") {
		cfg.Interval = time.Duration(raw.IntervalSec) * time.Second
	}

	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}

	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeList(raw.CorsOrigins)
	}

	if meta.IsDefined("token") {
		cfg.Token = strings.TrimSpace(raw.Token)
	}

	if meta.IsDefined("report_dir") {
		if v := strings.TrimSpace(raw.ReportDir); v != "" {
			cfg.ReportDir = v
		}
	}

	if meta.IsDefined("dry_run") {
		cfg.DryRun = raw.DryRun
	}

	if meta.IsDefined("tls") {
		cfg.TLS = raw.TLS
	}

	if err := ValidateAgentConfig(cfg); err != nil {
		return Agent{}, err
	}
	return cfg, nil
}

func ValidateAgentConfig(cfg Agent) error {
	if strings.TrimSpace(cfg.HostFile) == "" {
		return fmt.Errorf("agent config missing host_file")
	}
	if cfg.Interval < time.Second {
		return fmt.Errorf("agent interval %s is below 1s", cfg.Interval)
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("agent config missing addr")
	}
	if (strings.TrimSpace(cfg.TLS.CertFile) == "") != (strings.TrimSpace(cfg.TLS.KeyFile) == "") {
		return fmt.Errorf("agent tls requires both cert_file and key_file")
	}
	return nil
}

func normalizeList(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(in))
	for _, item := range in {
		v := strings.TrimSpace(item)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
