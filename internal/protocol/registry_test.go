package protocol

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/danmuck/backctl/internal/testutil/testlog"
)

func okHandler(ctx context.Context, params []any, srv *Server) error {
	return srv.RespondVoid()
}

func TestRegistryRegisterResolveAndDuplicate(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry()

	if err := r.RegisterFunc("file.checksum", okHandler); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.RegisterFunc("file.checksum", okHandler); !errors.Is(err, ErrHandlerExists) {
		t.Fatalf("expected ErrHandlerExists, got %v", err)
	}
	if _, ok := r.Resolve("file.checksum"); !ok {
		t.Fatalf("expected handler to resolve")
	}
	if _, ok := r.Resolve("file.missing"); ok {
		t.Fatalf("expected missing handler to return ok=false")
	}
}

func TestRegistryRejectsInvalidNames(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry()

	for _, name := range []string{"", "Upper", ".lead", "trail-", "a..b", "has space"} {
		if err := r.RegisterFunc(name, okHandler); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("name %q: expected ErrInvalidName, got %v", name, err)
		}
	}
	for _, name := range []string{CommandNoop, CommandExit} {
		if err := r.RegisterFunc(name, okHandler); !errors.Is(err, ErrReservedCommand) {
			t.Fatalf("name %q: expected ErrReservedCommand, got %v", name, err)
		}
	}
	if err := r.RegisterFunc("nil", nil); !errors.Is(err, ErrHandlerNil) {
		t.Fatalf("expected ErrHandlerNil, got %v", err)
	}
}

func TestRegistryNamesSorted(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry()
	for _, name := range []string{"z.cmd", "a.cmd", "m.cmd"} {
		if err := r.RegisterFunc(name, okHandler); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	if got := r.Names(); !reflect.DeepEqual(got, []string{"a.cmd", "m.cmd", "z.cmd"}) {
		t.Fatalf("unexpected order %v", got)
	}
}
