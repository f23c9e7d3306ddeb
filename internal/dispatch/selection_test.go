package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestFlowStore(t *testing.T) (*FlowStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewFlowStore(rdb, 60*time.Second, 30*time.Second), mr
}

func TestSelectionFlowHappyPath(t *testing.T) {
	ctx := context.Background()
	fs, _ := newTestFlowStore(t)

	opts := []FlowOption{{UUID: "u1", Name: "One"}, {UUID: "u2", Name: "Two"}}
	if _, err := fs.Begin(ctx, "100", "delete", "", opts); err != nil {
		t.Fatalf("begin: %v", err)
	}

	flow, err := fs.Select(ctx, "100", "u2")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if flow.State != StateResolved || flow.Choice != "u2" {
		t.Fatalf("unexpected flow after select: %+v", flow)
	}

	flow, err = fs.MarkExecuting(ctx, "100")
	if err != nil || flow.State != StateExecuting {
		t.Fatalf("mark executing: %+v %v", flow, err)
	}
	if err := fs.Finish(ctx, "100", false); err != nil {
		t.Fatalf("finish: %v", err)
	}
	flow, err = fs.Get(ctx, "100")
	if err != nil {
		t.Fatalf("get terminal: %v", err)
	}
	if flow.State != StateCompleted {
		t.Fatalf("expected completed, got %q", flow.State)
	}
}

func TestSelectionTimeoutCancels(t *testing.T) {
	ctx := context.Background()
	fs, mr := newTestFlowStore(t)

	if _, err := fs.Begin(ctx, "100", "power", "restart", []FlowOption{{UUID: "u1", Name: "One"}}); err != nil {
		t.Fatalf("begin: %v", err)
	}

	mr.FastForward(61 * time.Second)

	if _, err := fs.Select(ctx, "100", "u1"); !errors.Is(err, ErrFlowExpired) {
		t.Fatalf("expected ErrFlowExpired after timeout, got %v", err)
	}
	if _, err := fs.Get(ctx, "100"); !errors.Is(err, ErrFlowExpired) {
		t.Fatalf("expired flow must be gone, got %v", err)
	}
}

func TestSelectionRejectsUnknownChoice(t *testing.T) {
	ctx := context.Background()
	fs, _ := newTestFlowStore(t)

	if _, err := fs.Begin(ctx, "100", "delete", "", []FlowOption{{UUID: "u1", Name: "One"}}); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := fs.Select(ctx, "100", "nope"); !errors.Is(err, ErrBadChoice) {
		t.Fatalf("expected ErrBadChoice, got %v", err)
	}
	// the flow survives a bad pick and still accepts the real one
	if _, err := fs.Select(ctx, "100", "u1"); err != nil {
		t.Fatalf("valid choice after bad pick: %v", err)
	}
}

func TestSelectionStateGuards(t *testing.T) {
	ctx := context.Background()
	fs, _ := newTestFlowStore(t)

	if _, err := fs.MarkExecuting(ctx, "100"); !errors.Is(err, ErrFlowExpired) {
		t.Fatalf("executing without a flow: %v", err)
	}
	if _, err := fs.Begin(ctx, "100", "delete", "", []FlowOption{{UUID: "u1", Name: "One"}}); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := fs.MarkExecuting(ctx, "100"); !errors.Is(err, ErrFlowState) {
		t.Fatalf("cannot execute before a choice is made: %v", err)
	}
	if err := fs.Cancel(ctx, "100"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := fs.Get(ctx, "100"); !errors.Is(err, ErrFlowExpired) {
		t.Fatalf("cancelled flow must be gone, got %v", err)
	}
}
