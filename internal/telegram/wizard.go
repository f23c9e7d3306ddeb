package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// bindWizardState walks a user through binding in private chat: pick a
// method, optionally supply the identifier to verify against, then paste the
// API key. The key only ever transits the final message.
type bindWizardState struct {
	Step       string `json:"step"`
	Method     string `json:"method"`
	Identifier string `json:"identifier"`
}

// pendingCreate holds parsed /create arguments while the user picks an egg
// from the inline keyboard.
type pendingCreate struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MemoryMB    int64  `json:"memory_mb"`
	DiskMB      int64  `json:"disk_mb"`
	CPUPercent  int64  `json:"cpu_percent"`
	ChatID      int64  `json:"chat_id"`
	MessageID   int64  `json:"message_id"`
}

type wizardStore struct {
	redis *redis.Client
	ttl   time.Duration
}

func newWizardStore(rdb *redis.Client, ttl time.Duration) *wizardStore {
	return &wizardStore{redis: rdb, ttl: ttl}
}

func (w *wizardStore) bindKey(userID int64) string {
	return fmt.Sprintf("pterobot:bindwizard:%d", userID)
}

func (w *wizardStore) createKey(userID int64) string {
	return fmt.Sprintf("pterobot:pendingcreate:%d", userID)
}

func (w *wizardStore) SetBind(ctx context.Context, userID int64, state bindWizardState) error {
	b, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return w.redis.Set(ctx, w.bindKey(userID), string(b), w.ttl).Err()
}

func (w *wizardStore) GetBind(ctx context.Context, userID int64) (*bindWizardState, error) {
	raw, err := w.redis.Get(ctx, w.bindKey(userID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var state bindWizardState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (w *wizardStore) ClearBind(ctx context.Context, userID int64) error {
	return w.redis.Del(ctx, w.bindKey(userID)).Err()
}

func (w *wizardStore) SetCreate(ctx context.Context, userID int64, state pendingCreate) error {
	b, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return w.redis.Set(ctx, w.createKey(userID), string(b), w.ttl).Err()
}

func (w *wizardStore) GetCreate(ctx context.Context, userID int64) (*pendingCreate, error) {
	raw, err := w.redis.Get(ctx, w.createKey(userID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var state pendingCreate
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (w *wizardStore) ClearCreate(ctx context.Context, userID int64) error {
	return w.redis.Del(ctx, w.createKey(userID)).Err()
}
