// Package memstore is an in-process coordination store used for dry runs and
// tests.
package memstore

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/convergectl/internal/coord"
)

// Store keeps nodes in a map keyed by path.
type Store struct {
	mu      sync.RWMutex
	nodes   map[string][]byte
	strict  bool
	failErr error
	closed  bool
}

var _ coord.Store = (*Store)(nil)

type Option func(*Store)

// WithStrictParents makes Create fail when the parent node is missing, the
// way ZooKeeper does.
func WithStrictParents() Option {
	return func(s *Store) { s.strict = true }
}

func New(opts ...Option) *Store {
	s := &Store{nodes: make(map[string][]byte)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FailWith makes every subsequent call return err; nil clears it.
func (s *Store) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

func (s *Store) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", coord.ErrUnreachable, err)
	}
	if s.closed {
		return fmt.Errorf("%w: store closed", coord.ErrUnreachable)
	}
	return s.failErr
}

func (s *Store) Exists(ctx context.Context, p string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return false, err
	}
	_, ok := s.nodes[p]
	return ok, nil
}

func (s *Store) Get(ctx context.Context, p string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	data, ok := s.nodes[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", coord.ErrNodeNotFound, p)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (s *Store) Set(ctx context.Context, p string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	if _, ok := s.nodes[p]; !ok {
		return fmt.Errorf("%w: %s", coord.ErrNodeNotFound, p)
	}
	s.nodes[p] = clone(data)
	return nil
}

func (s *Store) Create(ctx context.Context, p string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	if _, ok := s.nodes[p]; ok {
		return fmt.Errorf("%w: %s", coord.ErrNodeExists, p)
	}
	if s.strict {
		parent := path.Dir(p)
		if parent != "/" {
			if _, ok := s.nodes[parent]; !ok {
				return fmt.Errorf("%w: parent %s of %s", coord.ErrNodeNotFound, parent, p)
			}
		}
	}
	s.nodes[p] = clone(data)
	return nil
}

func (s *Store) Delete(ctx context.Context, p string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	if _, ok := s.nodes[p]; !ok {
		return fmt.Errorf("%w: %s", coord.ErrNodeNotFound, p)
	}
	delete(s.nodes, p)
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Paths lists stored paths under prefix in lexical order.
func (s *Store) Paths(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.nodes))
	for p := range s.nodes {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func clone(data []byte) []byte {
	out := make([]byte, len(data))
	copy(out, data)
	return out
}
