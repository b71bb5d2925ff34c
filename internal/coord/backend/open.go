// Package backend opens the coordination store a host is configured for.
package backend

import (
	"context"
	"fmt"

	"github.com/hashicorp/consul/api"

	"github.com/danmuck/convergectl/internal/config"
	"github.com/danmuck/convergectl/internal/coord"
	"github.com/danmuck/convergectl/internal/coord/consulstore"
	"github.com/danmuck/convergectl/internal/coord/etcdstore"
	"github.com/danmuck/convergectl/internal/coord/memstore"
	"github.com/danmuck/convergectl/internal/coord/zkstore"
)

// Open dials the configured backend. The memory backend is process-local and
// only useful for dry runs and tests.
func Open(ctx context.Context, cfg config.Coordination) (coord.Store, error) {
	switch cfg.Backend {
	case config.BackendZookeeper:
		servers, chroot := zkstore.ParseConnect(cfg.Connect)
		store, err := zkstore.Dial(ctx, zkstore.Config{
			Servers:        servers,
			Chroot:         chroot,
			SessionTimeout: cfg.Timeout,
			ConnectTimeout: cfg.Timeout,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendEtcd:
		tlsCfg, err := cfg.TLS.Load()
		if err != nil {
			return nil, fmt.Errorf("etcd tls: %w", err)
		}
		store, err := etcdstore.Dial(ctx, etcdstore.Config{
			Endpoints:   cfg.Endpoints,
			Namespace:   cfg.Namespace,
			DialTimeout: cfg.Timeout,
			Timeout:     cfg.Timeout,
			Username:    cfg.Username,
			Password:    cfg.Password,
			TLS:         tlsCfg,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendConsul:
		scheme := "http"
		if cfg.TLS.Enabled() {
			scheme = "https"
		}
		store, err := consulstore.Dial(ctx, consulstore.Config{
			Address: cfg.Address,
			Scheme:  scheme,
			Token:   cfg.Token,
			Prefix:  cfg.Namespace,
			Timeout: cfg.Timeout,
			TLS: api.TLSConfig{
				CAFile:   cfg.TLS.CAFile,
				CertFile: cfg.TLS.CertFile,
				KeyFile:  cfg.TLS.KeyFile,
			},
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendMemory:
		return memstore.New(), nil
	default:
		return nil, fmt.Errorf("%w: %q", coord.ErrUnknownBackend, cfg.Backend)
	}
}
