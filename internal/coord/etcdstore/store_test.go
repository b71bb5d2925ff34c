package etcdstore

import (
	"context"
	"errors"
	"testing"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/danmuck/convergectl/internal/coord"
)

func TestMapErr(t *testing.T) {
	cases := []struct {
		name string
		in   error
		want error
	}{
		{"deadline", context.DeadlineExceeded, coord.ErrUnreachable},
		{"grpc unavailable", status.Error(codes.Unavailable, "no leader"), coord.ErrUnreachable},
		{"grpc permission", status.Error(codes.PermissionDenied, "nope"), coord.ErrPermissionDenied},
		{"etcd permission", rpctypes.ErrPermissionDenied, coord.ErrPermissionDenied},
		{"etcd auth failed", rpctypes.ErrAuthFailed, coord.ErrPermissionDenied},
	}
	for _, tc := range cases {
		if got := mapErr(tc.in, "/brokers"); !errors.Is(got, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}

	other := errors.New("boom")
	got := mapErr(other, "/brokers")
	if !errors.Is(got, other) || coord.Fatal(got) {
		t.Fatalf("unexpected mapping for generic error: %v", got)
	}
	if mapErr(nil, "/x") != nil {
		t.Fatalf("nil must stay nil")
	}
}

func TestDialWithoutEndpointsFails(t *testing.T) {
	if _, err := Dial(context.Background(), Config{}); !errors.Is(err, coord.ErrUnreachable) {
		t.Fatalf("expected unreachable, got %v", err)
	}
}
