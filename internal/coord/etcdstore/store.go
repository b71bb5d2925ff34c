// Package etcdstore backs coord.Store with an etcd v3 cluster.
package etcdstore

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/namespace"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/danmuck/convergectl/internal/coord"
)

// Config holds the etcd connection settings.
type Config struct {
	// Endpoints is a list of etcd cluster endpoints
	Endpoints []string
	// Namespace prefixes every key (for example "/convergectl")
	Namespace string
	// DialTimeout for etcd client connections
	DialTimeout time.Duration
	// Timeout for each store operation
	Timeout time.Duration
	// Username for etcd authentication (optional)
	Username string
	// Password for etcd authentication (optional)
	Password string
	// TLS configuration (optional)
	TLS *tls.Config
}

// Store is an etcd-backed coordination store. Paths map one-to-one onto keys.
type Store struct {
	client  *clientv3.Client
	kv      clientv3.KV
	timeout time.Duration
}

var _ coord.Store = (*Store)(nil)

// Dial connects and probes the first endpoint.
func Dial(ctx context.Context, cfg Config) (*Store, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("%w: no etcd endpoints configured", coord.ErrUnreachable)
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		TLS:         cfg.TLS,
		Username:    cfg.Username,
		Password:    cfg.Password,
		Context:     ctx,
	})
	if err != nil {
		return nil, mapErr(err, "")
	}

	probeCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if _, err := client.Status(probeCtx, cfg.Endpoints[0]); err != nil {
		if cerr := client.Close(); cerr != nil {
			return nil, errors.Join(mapErr(err, ""), fmt.Errorf("close etcd client: %w", cerr))
		}
		return nil, mapErr(err, "")
	}

	kv := clientv3.KV(client.KV)
	if ns := strings.TrimRight(cfg.Namespace, "/"); ns != "" {
		kv = namespace.NewKV(client.KV, ns)
	}
	log.Info().Strs("endpoints", cfg.Endpoints).Str("namespace", cfg.Namespace).Msg("etcd client connected")
	return &Store{client: client, kv: kv, timeout: cfg.Timeout}, nil
}

func (s *Store) Exists(ctx context.Context, path string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	resp, err := s.kv.Get(ctx, path, clientv3.WithCountOnly())
	if err != nil {
		return false, mapErr(err, path)
	}
	return resp.Count > 0, nil
}

func (s *Store) Get(ctx context.Context, path string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	resp, err := s.kv.Get(ctx, path)
	if err != nil {
		return nil, mapErr(err, path)
	}
	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("%w: %s", coord.ErrNodeNotFound, path)
	}
	return resp.Kvs[0].Value, nil
}

func (s *Store) Set(ctx context.Context, path string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	resp, err := s.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(path), ">", 0)).
		Then(clientv3.OpPut(path, string(data))).
		Commit()
	if err != nil {
		return mapErr(err, path)
	}
	if !resp.Succeeded {
		return fmt.Errorf("%w: %s", coord.ErrNodeNotFound, path)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, path string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	resp, err := s.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(path), "=", 0)).
		Then(clientv3.OpPut(path, string(data))).
		Commit()
	if err != nil {
		return mapErr(err, path)
	}
	if !resp.Succeeded {
		return fmt.Errorf("%w: %s", coord.ErrNodeExists, path)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, path string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	resp, err := s.kv.Delete(ctx, path)
	if err != nil {
		return mapErr(err, path)
	}
	if resp.Deleted == 0 {
		return fmt.Errorf("%w: %s", coord.ErrNodeNotFound, path)
	}
	return nil
}

func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func mapErr(err error, path string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %s: %v", coord.ErrUnreachable, path, err)
	}
	if errors.Is(err, rpctypes.ErrPermissionDenied) || errors.Is(err, rpctypes.ErrAuthFailed) {
		return fmt.Errorf("%w: %s: %v", coord.ErrPermissionDenied, path, err)
	}

	code := status.Code(err)
	var etcdErr rpctypes.EtcdError
	if errors.As(err, &etcdErr) {
		code = etcdErr.Code()
	}
	switch code {
	case codes.PermissionDenied, codes.Unauthenticated:
		return fmt.Errorf("%w: %s: %v", coord.ErrPermissionDenied, path, err)
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return fmt.Errorf("%w: %s: %v", coord.ErrUnreachable, path, err)
	}
	return fmt.Errorf("coord: etcd %s: %w", path, err)
}
