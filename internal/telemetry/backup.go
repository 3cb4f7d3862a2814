package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/vincentbai/lmstrace/internal/models"
	"github.com/vincentbai/lmstrace/internal/storage"
)

// BackupKey is the session store key holding the event backup.
const BackupKey = "telemetry_events"

// Backup mirrors every flushed batch into the session store, keeping only the
// most recent max events across all flushes.
type Backup struct {
	store storage.Store
	max   int

	mu sync.Mutex
}

func NewBackup(store storage.Store, max int) *Backup {
	if max <= 0 {
		max = DefaultMaxEvents
	}
	return &Backup{store: store, max: max}
}

// Append adds batch to the stored backup. A missing or unreadable backup is
// replaced rather than treated as fatal.
func (b *Backup) Append(ctx context.Context, batch []models.Event) error {
	if b.store == nil || len(batch) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	existing, err := b.load(ctx)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	combined := append(existing, batch...)
	if over := len(combined) - b.max; over > 0 {
		combined = combined[over:]
	}
	payload, err := json.Marshal(combined)
	if err != nil {
		return fmt.Errorf("failed to marshal backup: %w", err)
	}
	if err := b.store.Set(ctx, BackupKey, string(payload)); err != nil {
		return fmt.Errorf("failed to store backup: %w", err)
	}
	return nil
}

// Events returns the backed-up events, oldest first.
func (b *Backup) Events(ctx context.Context) ([]models.Event, error) {
	if b.store == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	events, err := b.load(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return events, err
}

func (b *Backup) load(ctx context.Context) ([]models.Event, error) {
	raw, err := b.store.Get(ctx, BackupKey)
	if err != nil {
		return nil, err
	}
	var events []models.Event
	if err := json.Unmarshal([]byte(raw), &events); err != nil {
		// A corrupt backup is dropped and rebuilt from the next batch.
		return nil, nil
	}
	return events, nil
}
