// Package discovery gathers the per-host facts recipes need: who this host is
// and where its peers live.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/hashicorp/consul/api"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/convergectl/internal/config"
)

var ErrDiscovery = errors.New("discovery: lookup failed")

// Roles looked up in consul mode.
const (
	RoleZookeeper   = "zookeeper"
	RoleStormNimbus = "storm_nimbus"
)

// Facts describe this host and its peers.
type Facts struct {
	Hostname        string
	FQDN            string
	IPAddress       string
	ZookeeperQuorum []string
	NimbusHost      string
}

// Catalog answers "which addresses serve role in environment".
type Catalog interface {
	Addresses(ctx context.Context, role string, environment string) ([]string, error)
}

// Gather resolves facts from the host config. In consul mode, peer lists not
// pinned in the config are looked up through catalog; a nil catalog is
// built from the discovery settings.
func Gather(ctx context.Context, host config.Host, catalog Catalog) (Facts, error) {
	d := host.Discovery
	facts := Facts{
		Hostname:        firstNonEmpty(d.Hostname, host.Name, osHostname()),
		IPAddress:       firstNonEmpty(d.IPAddress, localIPv4()),
		ZookeeperQuorum: Normalize(d.ZookeeperQuorum),
		NimbusHost:      strings.TrimSpace(d.NimbusHost),
	}
	facts.FQDN = firstNonEmpty(d.FQDN, facts.Hostname)

	if d.Mode != "consul" {
		return facts, nil
	}
	if catalog == nil {
		c, err := NewConsulCatalog(d)
		if err != nil {
			return facts, err
		}
		catalog = c
	}
	if len(facts.ZookeeperQuorum) == 0 {
		addrs, err := catalog.Addresses(ctx, RoleZookeeper, host.Environment)
		if err != nil {
			return facts, err
		}
		facts.ZookeeperQuorum = addrs
	}
	if facts.NimbusHost == "" {
		addrs, err := catalog.Addresses(ctx, RoleStormNimbus, host.Environment)
		if err != nil {
			return facts, err
		}
		if len(addrs) > 0 {
			facts.NimbusHost = addrs[0]
		}
	}
	log.Info().
		Strs("zookeeper", facts.ZookeeperQuorum).
		Str("nimbus", facts.NimbusHost).
		Str("environment", host.Environment).
		Msg("discovery resolved peers")
	return facts, nil
}

// Normalize trims, de-duplicates and sorts addresses.
func Normalize(addrs []string) []string {
	set := mapset.NewThreadUnsafeSet[string]()
	for _, a := range addrs {
		if a = strings.TrimSpace(a); a != "" {
			set.Add(a)
		}
	}
	out := set.ToSlice()
	sort.Strings(out)
	return out
}

// BrokerID derives a broker id from an IPv4 address by dropping the dots.
// Anything that does not parse yields 0.
func BrokerID(ip string) int {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil || parsed.To4() == nil {
		return 0
	}
	id, err := strconv.Atoi(strings.ReplaceAll(parsed.To4().String(), ".", ""))
	if err != nil {
		return 0
	}
	return id
}

// ConsulCatalog queries passing health checks of services tagged with the
// environment.
type ConsulCatalog struct {
	health *api.Health
}

func NewConsulCatalog(d config.Discovery) (*ConsulCatalog, error) {
	cfg := api.DefaultConfig()
	if addr := strings.TrimSpace(d.ConsulAddress); addr != "" {
		cfg.Address = addr
	}
	cfg.Datacenter = d.Datacenter
	cfg.Token = d.Token
	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: consul client: %v", ErrDiscovery, err)
	}
	return &ConsulCatalog{health: client.Health()}, nil
}

func (c *ConsulCatalog) Addresses(ctx context.Context, role string, environment string) ([]string, error) {
	tag := ""
	if environment != "" && environment != "_default" {
		tag = environment
	}
	opts := (&api.QueryOptions{}).WithContext(ctx)
	entries, _, err := c.health.Service(role, tag, true, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDiscovery, role, err)
	}
	addrs := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Service != nil && e.Service.Address != "" {
			addrs = append(addrs, e.Service.Address)
			continue
		}
		if e.Node != nil {
			addrs = append(addrs, e.Node.Address)
		}
	}
	return Normalize(addrs), nil
}

func localIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if v4 := ipnet.IP.To4(); v4 != nil {
			return v4.String()
		}
	}
	return ""
}

func osHostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return name
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
