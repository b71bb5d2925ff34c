package backend

import (
	"context"
	"errors"
	"testing"

	"github.com/danmuck/convergectl/internal/config"
	"github.com/danmuck/convergectl/internal/coord"
)

func TestOpenMemory(t *testing.T) {
	store, err := Open(context.Background(), config.Coordination{Backend: config.BackendMemory})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	if err := coord.Upsert(context.Background(), store, "/kafka", nil); err != nil {
		t.Fatalf("upsert: %v", err)
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	if _, err := Open(context.Background(), config.Coordination{Backend: "redis"}); !errors.Is(err, coord.ErrUnknownBackend) {
		t.Fatalf("expected unknown backend, got %v", err)
	}
}

func TestOpenWithoutEndpointsIsUnreachable(t *testing.T) {
	for _, backend := range []string{config.BackendZookeeper, config.BackendEtcd, config.BackendConsul} {
		_, err := Open(context.Background(), config.Coordination{Backend: backend})
		if !errors.Is(err, coord.ErrUnreachable) {
			t.Fatalf("%s: expected unreachable, got %v", backend, err)
		}
	}
}
