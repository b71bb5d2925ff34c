// Package zkstore backs coord.Store with a ZooKeeper ensemble.
package zkstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/convergectl/internal/coord"
)

// Config selects the ensemble and session behaviour.
type Config struct {
	// Servers is the connect string split into host:port entries.
	Servers []string
	// SessionTimeout is negotiated with the ensemble.
	SessionTimeout time.Duration
	// ConnectTimeout bounds the wait for the first session.
	ConnectTimeout time.Duration
	// Chroot is prepended to every path (for example "/kafka").
	Chroot string
}

// conn is the subset of *zk.Conn used here.
type conn interface {
	Exists(path string) (bool, *zk.Stat, error)
	Get(path string) ([]byte, *zk.Stat, error)
	Set(path string, data []byte, version int32) (*zk.Stat, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Delete(path string, version int32) error
	Close()
}

// Store is a ZooKeeper-backed coordination store.
type Store struct {
	conn   conn
	chroot string
}

var _ coord.Store = (*Store)(nil)

// ParseConnect splits "zk1:2181,zk2:2181/kafka" into servers and chroot.
func ParseConnect(connect string) ([]string, string) {
	connect = strings.TrimSpace(connect)
	chroot := ""
	if i := strings.Index(connect, "/"); i >= 0 {
		chroot = strings.TrimRight(connect[i:], "/")
		connect = connect[:i]
	}
	servers := make([]string, 0)
	for _, s := range strings.Split(connect, ",") {
		if s = strings.TrimSpace(s); s != "" {
			servers = append(servers, s)
		}
	}
	return servers, chroot
}

// Dial connects and waits for a session so an unreachable ensemble fails
// here rather than on the first write.
func Dial(ctx context.Context, cfg Config) (*Store, error) {
	if len(cfg.Servers) == 0 {
		return nil, fmt.Errorf("%w: no zookeeper servers configured", coord.ErrUnreachable)
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 10 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}

	c, events, err := zk.Connect(cfg.Servers, cfg.SessionTimeout, zk.WithLogger(zkLogger{}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", coord.ErrUnreachable, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				c.Close()
				return nil, fmt.Errorf("%w: event channel closed", coord.ErrUnreachable)
			}
			if ev.State == zk.StateHasSession {
				log.Info().Strs("servers", cfg.Servers).Str("chroot", cfg.Chroot).Msg("zookeeper session established")
				go drain(events)
				return newStore(c, cfg.Chroot), nil
			}
			if ev.State == zk.StateAuthFailed {
				c.Close()
				return nil, fmt.Errorf("%w: authentication failed", coord.ErrPermissionDenied)
			}
		case <-waitCtx.Done():
			c.Close()
			return nil, fmt.Errorf("%w: no session after %s: %v", coord.ErrUnreachable, cfg.ConnectTimeout, waitCtx.Err())
		}
	}
}

func newStore(c conn, chroot string) *Store {
	return &Store{conn: c, chroot: strings.TrimRight(chroot, "/")}
}

func drain(events <-chan zk.Event) {
	for ev := range events {
		if ev.State == zk.StateExpired || ev.State == zk.StateDisconnected {
			log.Warn().Str("state", ev.State.String()).Msg("zookeeper session state changed")
		}
	}
}

func (s *Store) full(path string) string {
	if s.chroot == "" {
		return path
	}
	if path == "/" {
		return s.chroot
	}
	return s.chroot + path
}

func (s *Store) Exists(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, mapErr(err, path)
	}
	ok, _, err := s.conn.Exists(s.full(path))
	if err != nil {
		return false, mapErr(err, path)
	}
	return ok, nil
}

func (s *Store) Get(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, mapErr(err, path)
	}
	data, _, err := s.conn.Get(s.full(path))
	if err != nil {
		return nil, mapErr(err, path)
	}
	return data, nil
}

func (s *Store) Set(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return mapErr(err, path)
	}
	_, err := s.conn.Set(s.full(path), data, -1)
	return mapErr(err, path)
}

func (s *Store) Create(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return mapErr(err, path)
	}
	_, err := s.conn.Create(s.full(path), data, 0, zk.WorldACL(zk.PermAll))
	return mapErr(err, path)
}

func (s *Store) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return mapErr(err, path)
	}
	return mapErr(s.conn.Delete(s.full(path), -1), path)
}

func (s *Store) Close() error {
	s.conn.Close()
	return nil
}

func mapErr(err error, path string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, zk.ErrNoNode):
		return fmt.Errorf("%w: %s", coord.ErrNodeNotFound, path)
	case errors.Is(err, zk.ErrNodeExists):
		return fmt.Errorf("%w: %s", coord.ErrNodeExists, path)
	case errors.Is(err, zk.ErrNoAuth), errors.Is(err, zk.ErrAuthFailed):
		return fmt.Errorf("%w: %s: %v", coord.ErrPermissionDenied, path, err)
	case errors.Is(err, zk.ErrConnectionClosed),
		errors.Is(err, zk.ErrNoServer),
		errors.Is(err, zk.ErrSessionExpired),
		errors.Is(err, zk.ErrClosing),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %s: %v", coord.ErrUnreachable, path, err)
	default:
		return fmt.Errorf("coord: zookeeper %s: %w", path, err)
	}
}

type zkLogger struct{}

func (zkLogger) Printf(format string, args ...any) {
	log.Debug().Str("component", "zookeeper").Msgf(format, args...)
}
