package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Selection flow states. A flow that disappears from redis (TTL elapsed) is
// cancelled: expiry before the action runs is a clean no-op.
const (
	StateAwaitingSelection = "awaiting_selection"
	StateResolved          = "resolved"
	StateExecuting         = "executing"
	StateCompleted         = "completed"
	StateFailed            = "failed"
)

var (
	// ErrFlowExpired is returned when no flow exists for the user, either
	// because none was started or because the timeout elapsed.
	ErrFlowExpired = errors.New("selection expired")
	ErrFlowState   = errors.New("flow is not in the expected state")
	ErrBadChoice   = errors.New("choice is not among the offered options")
)

type FlowOption struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
}

// Flow is a pending interactive selection for one chat user. At most one
// flow per user exists at a time; starting a new one replaces the old.
type Flow struct {
	ChatUserID string       `json:"chat_user_id"`
	Action     string       `json:"action"`
	Signal     string       `json:"signal,omitempty"`
	State      string       `json:"state"`
	Options    []FlowOption `json:"options"`
	Choice     string       `json:"choice,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
}

type FlowStore struct {
	rdb        *redis.Client
	selectTTL  time.Duration
	confirmTTL time.Duration
}

func NewFlowStore(rdb *redis.Client, selectTTL, confirmTTL time.Duration) *FlowStore {
	if selectTTL <= 0 {
		selectTTL = 60 * time.Second
	}
	if confirmTTL <= 0 {
		confirmTTL = 30 * time.Second
	}
	return &FlowStore{rdb: rdb, selectTTL: selectTTL, confirmTTL: confirmTTL}
}

func flowKey(chatUserID string) string {
	return "pterobot:flow:" + chatUserID
}

// Begin starts a selection flow with the offered options. The redis TTL is
// the selection timeout; an untouched flow simply vanishes.
func (f *FlowStore) Begin(ctx context.Context, chatUserID, action, signal string, options []FlowOption) (Flow, error) {
	flow := Flow{
		ChatUserID: chatUserID,
		Action:     action,
		Signal:     signal,
		State:      StateAwaitingSelection,
		Options:    options,
		StartedAt:  time.Now().UTC(),
	}
	if err := f.put(ctx, flow, f.selectTTL); err != nil {
		return Flow{}, err
	}
	return flow, nil
}

// BeginResolved stages a flow whose target is already known and only awaits
// a yes/no confirmation. The shorter confirmation TTL applies from the start.
func (f *FlowStore) BeginResolved(ctx context.Context, chatUserID, action, signal string, target FlowOption) (Flow, error) {
	flow := Flow{
		ChatUserID: chatUserID,
		Action:     action,
		Signal:     signal,
		State:      StateResolved,
		Options:    []FlowOption{target},
		Choice:     target.UUID,
		StartedAt:  time.Now().UTC(),
	}
	if err := f.put(ctx, flow, f.confirmTTL); err != nil {
		return Flow{}, err
	}
	return flow, nil
}

// BeginConfirm stages a targetless confirmation, such as unbind.
func (f *FlowStore) BeginConfirm(ctx context.Context, chatUserID, action, signal string) (Flow, error) {
	flow := Flow{
		ChatUserID: chatUserID,
		Action:     action,
		Signal:     signal,
		State:      StateResolved,
		StartedAt:  time.Now().UTC(),
	}
	if err := f.put(ctx, flow, f.confirmTTL); err != nil {
		return Flow{}, err
	}
	return flow, nil
}

func (f *FlowStore) Get(ctx context.Context, chatUserID string) (Flow, error) {
	raw, err := f.rdb.Get(ctx, flowKey(chatUserID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Flow{}, ErrFlowExpired
	}
	if err != nil {
		return Flow{}, fmt.Errorf("load flow: %w", err)
	}
	var flow Flow
	if err := json.Unmarshal(raw, &flow); err != nil {
		return Flow{}, fmt.Errorf("decode flow: %w", err)
	}
	return flow, nil
}

// Select records the user's choice and moves the flow to resolved. The
// shorter confirmation TTL applies from here on.
func (f *FlowStore) Select(ctx context.Context, chatUserID, choice string) (Flow, error) {
	flow, err := f.Get(ctx, chatUserID)
	if err != nil {
		return Flow{}, err
	}
	if flow.State != StateAwaitingSelection {
		return Flow{}, fmt.Errorf("%w: %s", ErrFlowState, flow.State)
	}
	valid := false
	for _, opt := range flow.Options {
		if opt.UUID == choice {
			valid = true
			break
		}
	}
	if !valid {
		return Flow{}, ErrBadChoice
	}
	flow.State = StateResolved
	flow.Choice = choice
	if err := f.put(ctx, flow, f.confirmTTL); err != nil {
		return Flow{}, err
	}
	return flow, nil
}

// MarkExecuting transitions a resolved flow to executing. A flow that
// expires after this point is not a cancellation; the action's own outcome
// is what gets reported.
func (f *FlowStore) MarkExecuting(ctx context.Context, chatUserID string) (Flow, error) {
	flow, err := f.Get(ctx, chatUserID)
	if err != nil {
		return Flow{}, err
	}
	if flow.State != StateResolved {
		return Flow{}, fmt.Errorf("%w: %s", ErrFlowState, flow.State)
	}
	flow.State = StateExecuting
	if err := f.put(ctx, flow, f.confirmTTL); err != nil {
		return Flow{}, err
	}
	return flow, nil
}

// Finish records the terminal state and drops the flow. Completed and Failed
// are terminal; the user re-invokes to start over.
func (f *FlowStore) Finish(ctx context.Context, chatUserID string, failed bool) error {
	flow, err := f.Get(ctx, chatUserID)
	if err != nil {
		if errors.Is(err, ErrFlowExpired) {
			return nil
		}
		return err
	}
	flow.State = StateCompleted
	if failed {
		flow.State = StateFailed
	}
	// keep the terminal record briefly for callback dedupe, then let it lapse
	if err := f.put(ctx, flow, 5*time.Second); err != nil {
		return err
	}
	return nil
}

// Cancel drops the flow outright.
func (f *FlowStore) Cancel(ctx context.Context, chatUserID string) error {
	if err := f.rdb.Del(ctx, flowKey(chatUserID)).Err(); err != nil {
		return fmt.Errorf("cancel flow: %w", err)
	}
	return nil
}

func (f *FlowStore) put(ctx context.Context, flow Flow, ttl time.Duration) error {
	raw, err := json.Marshal(flow)
	if err != nil {
		return fmt.Errorf("encode flow: %w", err)
	}
	if err := f.rdb.Set(ctx, flowKey(flow.ChatUserID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("store flow: %w", err)
	}
	return nil
}
