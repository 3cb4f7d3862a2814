// Package session resolves the identifier that ties a page's telemetry
// events to one browsing session.
package session

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vincentbai/lmstrace/internal/storage"
)

// StorageKey is the session store key holding the identifier.
const StorageKey = "telemetry_session_id"

// Provider resolves the session identifier once and caches it for the page
// lifetime.
type Provider struct {
	store  storage.Store
	now    func() time.Time
	logger zerolog.Logger

	mu sync.Mutex
	id string
}

func NewProvider(store storage.Store, now func() time.Time, logger zerolog.Logger) *Provider {
	if now == nil {
		now = time.Now
	}
	return &Provider{store: store, now: now, logger: logger}
}

// GetOrCreateSessionID returns the stored identifier, creating and persisting
// one on first use. When the store is unavailable the identifier lives only
// in memory for this page load.
func (p *Provider) GetOrCreateSessionID(ctx context.Context) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.id != "" {
		return p.id
	}

	if p.store != nil {
		stored, err := p.store.Get(ctx, StorageKey)
		switch {
		case err == nil && stored != "":
			p.id = stored
			return p.id
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			p.logger.Debug().Err(err).Msg("session store unavailable, using ephemeral session id")
		}
	}

	p.id = newID(p.now())
	if p.store != nil {
		if err := p.store.Set(ctx, StorageKey, p.id); err != nil {
			p.logger.Debug().Err(err).Msg("failed to persist session id")
		}
	}
	return p.id
}

// newID formats sess_<unix-ms>_<9 random chars>.
func newID(now time.Time) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "sess_" + strconv.FormatInt(now.UnixMilli(), 10) + "_" + random[:9]
}
