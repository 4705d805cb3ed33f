package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/haldane/conduit"
	"github.com/haldane/conduit/schema"
	"github.com/haldane/conduit/service"
	"github.com/haldane/conduit/store/memory"
)

const (
	wellFormed = `{"type":"object","properties":{"msg":{"type":"string"}},"required":["msg"]}`
	anyObject  = `{"type":"object"}`
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newRegistry(clk *clock) *service.Registry {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return service.NewRegistry(memory.New(), 30*time.Second, logger, service.WithClock(clk.Now))
}

func TestRegister_CreatesVersionOne(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	r := newRegistry(clk)

	svc, err := r.Register(ctx, "echo", "echoes", json.RawMessage(wellFormed), json.RawMessage(anyObject))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if svc.CurrentVersion != 1 {
		t.Fatalf("version = %d, want 1", svc.CurrentVersion)
	}
	if !svc.RegisteredAt.Equal(clk.Now()) {
		t.Fatalf("registered at = %v, want %v", svc.RegisteredAt, clk.Now())
	}
}

func TestRegister_RejectsMalformedSchema(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: time.Now().UTC()}
	r := newRegistry(clk)

	tests := []struct {
		name   string
		input  string
		output string
	}{
		{"bad input type keyword", `{"type":"integerish"}`, anyObject},
		{"input not json", `{`, anyObject},
		{"bad output schema", anyObject, `{"required":"msg"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Register(ctx, "svc", "", json.RawMessage(tt.input), json.RawMessage(tt.output))
			if err == nil {
				t.Fatal("expected rejection")
			}
			// Nothing was stored.
			if _, getErr := r.Get(ctx, "svc"); !errors.Is(getErr, conduit.ErrServiceNotFound) {
				t.Fatalf("service stored despite rejection: %v", getErr)
			}
		})
	}
}

func TestRegister_EmptyName(t *testing.T) {
	clk := &clock{t: time.Now().UTC()}
	r := newRegistry(clk)

	_, err := r.Register(context.Background(), "", "", json.RawMessage(anyObject), json.RawMessage(anyObject))
	if !errors.Is(err, schema.ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
}

func TestRegister_SupersedesAndPreservesHistory(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	r := newRegistry(clk)

	first, err := r.Register(ctx, "echo", "v1", json.RawMessage(wellFormed), json.RawMessage(anyObject))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	clk.Advance(time.Hour)
	second, err := r.Register(ctx, "echo", "v2", json.RawMessage(anyObject), json.RawMessage(anyObject))
	if err != nil {
		t.Fatalf("re-Register: %v", err)
	}
	if second.CurrentVersion != 2 {
		t.Fatalf("version = %d, want 2", second.CurrentVersion)
	}
	if !second.RegisteredAt.Equal(first.RegisteredAt) {
		t.Fatalf("RegisteredAt changed on re-register: %v != %v", second.RegisteredAt, first.RegisteredAt)
	}

	// Both versions remain resolvable.
	for _, version := range []int{1, 2} {
		for _, role := range []service.Role{service.RoleInput, service.RoleOutput} {
			if _, err := r.Contract(ctx, "echo", version, role); err != nil {
				t.Fatalf("Contract(%d, %s): %v", version, role, err)
			}
		}
	}

	// v1's input contract still enforces its own constraints.
	v1, err := r.Contract(ctx, "echo", 1, service.RoleInput)
	if err != nil {
		t.Fatalf("Contract: %v", err)
	}
	if err := v1.Validate(json.RawMessage(`{}`)); !errors.Is(err, schema.ErrValidation) {
		t.Fatalf("v1 contract err = %v, want ErrValidation", err)
	}
}

func TestContract_UnknownVersion(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: time.Now().UTC()}
	r := newRegistry(clk)

	if _, err := r.Register(ctx, "echo", "", json.RawMessage(anyObject), json.RawMessage(anyObject)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, err := r.Contract(ctx, "echo", 9, service.RoleInput)
	if !errors.Is(err, conduit.ErrSchemaVersionNotFound) {
		t.Fatalf("err = %v, want ErrSchemaVersionNotFound", err)
	}
}

func TestContract_RecompilesFromStore(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: time.Now().UTC()}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := memory.New()

	// Register through one registry instance.
	r1 := service.NewRegistry(st, 30*time.Second, logger, service.WithClock(clk.Now))
	if _, err := r1.Register(ctx, "echo", "", json.RawMessage(wellFormed), json.RawMessage(anyObject)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// A fresh registry over the same store (restart) resolves the contract
	// from the persisted document.
	r2 := service.NewRegistry(st, 30*time.Second, logger, service.WithClock(clk.Now))
	s, err := r2.Contract(ctx, "echo", 1, service.RoleInput)
	if err != nil {
		t.Fatalf("Contract: %v", err)
	}
	if err := s.Validate(json.RawMessage(`{"msg":"hi"}`)); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLiveness(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	r := newRegistry(clk)

	if _, err := r.Register(ctx, "echo", "", json.RawMessage(anyObject), json.RawMessage(anyObject)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	online, err := r.IsOnline(ctx, "echo")
	if err != nil {
		t.Fatalf("IsOnline: %v", err)
	}
	if !online {
		t.Fatal("freshly registered service should be online")
	}

	// Past the window without a heartbeat the service goes offline.
	clk.Advance(31 * time.Second)
	online, _ = r.IsOnline(ctx, "echo")
	if online {
		t.Fatal("service should be offline past the liveness window")
	}

	// A heartbeat brings it back.
	if err := r.Heartbeat(ctx, "echo"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	online, _ = r.IsOnline(ctx, "echo")
	if !online {
		t.Fatal("service should be online after heartbeat")
	}
}

func TestRetire(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: time.Now().UTC()}
	r := newRegistry(clk)

	if _, err := r.Register(ctx, "echo", "", json.RawMessage(anyObject), json.RawMessage(anyObject)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Retire(ctx, "echo"); err != nil {
		t.Fatalf("Retire: %v", err)
	}

	svc, err := r.Get(ctx, "echo")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !svc.Retired {
		t.Fatal("service not retired")
	}

	// Re-registration clears the flag and bumps the version.
	revived, err := r.Register(ctx, "echo", "", json.RawMessage(anyObject), json.RawMessage(anyObject))
	if err != nil {
		t.Fatalf("re-Register: %v", err)
	}
	if revived.Retired {
		t.Fatal("re-registered service still retired")
	}
	if revived.CurrentVersion != 2 {
		t.Fatalf("version = %d, want 2", revived.CurrentVersion)
	}
}
