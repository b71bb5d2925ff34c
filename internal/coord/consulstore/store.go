// Package consulstore backs coord.Store with the Consul KV API.
//
// Consul keys carry no leading slash, so "/brokers/ids/0" is stored as
// "<prefix>/brokers/ids/0" with the prefix trimmed of slashes on both ends.
// Parent keys are never required.
package consulstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/convergectl/internal/coord"
)

// Config holds the Consul agent settings.
type Config struct {
	// Address of the Consul agent (for example "127.0.0.1:8500")
	Address string
	// Scheme is http or https
	Scheme string
	// Datacenter to query (optional)
	Datacenter string
	// Token is the ACL token (optional)
	Token string
	// Prefix is prepended to every key
	Prefix string
	// Timeout for each store operation
	Timeout time.Duration
	// TLS file locations, used when Scheme is https
	TLS api.TLSConfig
}

// Store is a Consul-backed coordination store.
type Store struct {
	kv      *api.KV
	prefix  string
	timeout time.Duration
}

var _ coord.Store = (*Store)(nil)

// Dial builds the client and checks the agent answers.
func Dial(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, fmt.Errorf("%w: no consul address configured", coord.ErrUnreachable)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	config := api.DefaultConfig()
	config.Address = cfg.Address
	if cfg.Scheme != "" {
		config.Scheme = cfg.Scheme
	}
	config.Datacenter = cfg.Datacenter
	config.Token = cfg.Token
	config.TLSConfig = cfg.TLS

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", coord.ErrUnreachable, err)
	}

	probeCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if _, err := client.Status().LeaderWithQueryOptions((&api.QueryOptions{}).WithContext(probeCtx)); err != nil {
		return nil, mapErr(err, "")
	}

	log.Info().Str("address", cfg.Address).Str("prefix", cfg.Prefix).Msg("consul client connected")
	return newStore(client.KV(), cfg.Prefix, cfg.Timeout), nil
}

func newStore(kv *api.KV, prefix string, timeout time.Duration) *Store {
	return &Store{kv: kv, prefix: strings.Trim(prefix, "/"), timeout: timeout}
}

func (s *Store) key(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	if s.prefix == "" {
		return trimmed
	}
	if trimmed == "" {
		return s.prefix
	}
	return s.prefix + "/" + trimmed
}

func (s *Store) query(ctx context.Context) (*api.QueryOptions, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	return (&api.QueryOptions{RequireConsistent: true}).WithContext(ctx), cancel
}

func (s *Store) write(ctx context.Context) (*api.WriteOptions, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	return (&api.WriteOptions{}).WithContext(ctx), cancel
}

func (s *Store) lookup(ctx context.Context, path string) (*api.KVPair, error) {
	q, cancel := s.query(ctx)
	defer cancel()
	pair, _, err := s.kv.Get(s.key(path), q)
	if err != nil {
		return nil, mapErr(err, path)
	}
	return pair, nil
}

func (s *Store) Exists(ctx context.Context, path string) (bool, error) {
	pair, err := s.lookup(ctx, path)
	if err != nil {
		return false, err
	}
	return pair != nil, nil
}

func (s *Store) Get(ctx context.Context, path string) ([]byte, error) {
	pair, err := s.lookup(ctx, path)
	if err != nil {
		return nil, err
	}
	if pair == nil {
		return nil, fmt.Errorf("%w: %s", coord.ErrNodeNotFound, path)
	}
	return pair.Value, nil
}

func (s *Store) Set(ctx context.Context, path string, data []byte) error {
	pair, err := s.lookup(ctx, path)
	if err != nil {
		return err
	}
	if pair == nil {
		return fmt.Errorf("%w: %s", coord.ErrNodeNotFound, path)
	}
	w, cancel := s.write(ctx)
	defer cancel()
	if _, err := s.kv.Put(&api.KVPair{Key: s.key(path), Value: data}, w); err != nil {
		return mapErr(err, path)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, path string, data []byte) error {
	w, cancel := s.write(ctx)
	defer cancel()
	// ModifyIndex 0 makes the CAS succeed only when the key is absent.
	ok, _, err := s.kv.CAS(&api.KVPair{Key: s.key(path), Value: data, ModifyIndex: 0}, w)
	if err != nil {
		return mapErr(err, path)
	}
	if !ok {
		return fmt.Errorf("%w: %s", coord.ErrNodeExists, path)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, path string) error {
	pair, err := s.lookup(ctx, path)
	if err != nil {
		return err
	}
	if pair == nil {
		return fmt.Errorf("%w: %s", coord.ErrNodeNotFound, path)
	}
	w, cancel := s.write(ctx)
	defer cancel()
	if _, err := s.kv.Delete(s.key(path), w); err != nil {
		return mapErr(err, path)
	}
	return nil
}

// Close is a no-op; the HTTP client holds no session.
func (s *Store) Close() error { return nil }

func mapErr(err error, path string) error {
	if err == nil {
		return nil
	}
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.Code {
		case http.StatusForbidden, http.StatusUnauthorized:
			return fmt.Errorf("%w: %s: %v", coord.ErrPermissionDenied, path, err)
		case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
			return fmt.Errorf("%w: %s: %v", coord.ErrUnreachable, path, err)
		}
		return fmt.Errorf("coord: consul %s: %w", path, err)
	}
	msg := err.Error()
	if strings.Contains(msg, "Permission denied") || strings.Contains(msg, "ACL not found") {
		return fmt.Errorf("%w: %s: %v", coord.ErrPermissionDenied, path, err)
	}

	var urlErr *url.Error
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.As(err, &urlErr) ||
		errors.As(err, &netErr) {
		return fmt.Errorf("%w: %s: %v", coord.ErrUnreachable, path, err)
	}
	return fmt.Errorf("coord: consul %s: %w", path, err)
}
