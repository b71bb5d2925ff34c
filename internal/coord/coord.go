// Package coord owns conditional writes against a hierarchical coordination
// store (ZooKeeper, etcd, Consul KV).
//
// Ownership boundary:
// - store interface and error taxonomy
// - upsert, create-if-missing, and delete semantics
// - backend selection
package coord

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

var (
	ErrNodeNotFound     = errors.New("coord: node not found")
	ErrNodeExists       = errors.New("coord: node already exists")
	ErrInvalidPath      = errors.New("coord: invalid node path")
	ErrUnreachable      = errors.New("coord: store unreachable")
	ErrPermissionDenied = errors.New("coord: permission denied")
	ErrUnknownBackend   = errors.New("coord: unknown backend")
)

// Node is a path-addressed record held by the store.
type Node struct {
	Path string
	Data []byte
}

// Store is the minimal surface every backend provides. Create must fail with
// ErrNodeExists when the node is present; Set, Get, and Delete must fail with
// ErrNodeNotFound when it is absent.
type Store interface {
	Exists(ctx context.Context, path string) (bool, error)
	Get(ctx context.Context, path string) ([]byte, error)
	Set(ctx context.Context, path string, data []byte) error
	Create(ctx context.Context, path string, data []byte) error
	Delete(ctx context.Context, path string) error
	Close() error
}

// ValidatePath checks that path is absolute and has no empty segments.
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("%w: %q must start with /", ErrInvalidPath, path)
	}
	if path != "/" && strings.HasSuffix(path, "/") {
		return fmt.Errorf("%w: %q has a trailing /", ErrInvalidPath, path)
	}
	if strings.Contains(path, "//") {
		return fmt.Errorf("%w: %q has an empty segment", ErrInvalidPath, path)
	}
	return nil
}

// Upsert makes the stored value at path equal data whether or not the node
// existed. Ancestors are not created.
func Upsert(ctx context.Context, store Store, path string, data []byte) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	exists, err := store.Exists(ctx, path)
	if err != nil {
		return err
	}
	if exists {
		log.Debug().Str("path", path).Msg("coord: set")
		err = store.Set(ctx, path, data)
		if !errors.Is(err, ErrNodeNotFound) {
			return err
		}
		// deleted between the existence check and the set
		return store.Create(ctx, path, data)
	}

	log.Debug().Str("path", path).Msg("coord: create")
	err = store.Create(ctx, path, data)
	if errors.Is(err, ErrNodeExists) {
		// created between the existence check and the create
		return store.Set(ctx, path, data)
	}
	return err
}

// CreateIfMissing creates the node only when absent. It reports whether it
// wrote anything; an existing node is left untouched.
func CreateIfMissing(ctx context.Context, store Store, path string, data []byte) (bool, error) {
	if err := ValidatePath(path); err != nil {
		return false, err
	}
	exists, err := store.Exists(ctx, path)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	err = store.Create(ctx, path, data)
	if errors.Is(err, ErrNodeExists) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes the node. Unlike Upsert this is not idempotent: a missing
// node fails with ErrNodeNotFound.
func Delete(ctx context.Context, store Store, path string) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	return store.Delete(ctx, path)
}

// Changed reports whether writing data at path would alter the store.
func Changed(ctx context.Context, store Store, path string, data []byte) (bool, error) {
	current, err := store.Get(ctx, path)
	if errors.Is(err, ErrNodeNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return string(current) != string(data), nil
}

// Fatal reports whether err must abort the convergence run.
func Fatal(err error) bool {
	return errors.Is(err, ErrUnreachable) || errors.Is(err, ErrPermissionDenied)
}
