package profile

import (
	"context"
	"fmt"
	"sync"

	"github.com/andrej220/devterm/pkg/config/configstore"
	"github.com/andrej220/devterm/pkg/lg"
)

// Document is the stored shape of the profile list.
type Document struct {
	Profiles []Profile `yaml:"profiles" json:"profiles" bson:"profiles"`
}

// StoreResolver serves profiles from a config store document. The document is
// cached; Reload refreshes it, and stores that support watching trigger Reload
// on change.
type StoreResolver struct {
	store  configstore.ConfigStore
	logger lg.Logger

	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewStoreResolver loads the document once and, when the store can be watched,
// keeps the cache in sync with it.
func NewStoreResolver(store configstore.ConfigStore, logger lg.Logger) (*StoreResolver, error) {
	r := &StoreResolver{store: store, logger: lg.OrDiscard(logger)}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	if w, ok := store.(configstore.Watcher); ok {
		if err := w.Watch(func() {
			if err := r.Reload(); err != nil {
				r.logger.Warn("profile reload failed", lg.Err(err))
			}
		}); err != nil {
			r.logger.Warn("profile store cannot be watched", lg.Err(err))
		}
	}
	return r, nil
}

// Reload re-reads the document. Invalid profiles are logged and left out.
func (r *StoreResolver) Reload() error {
	var doc Document
	if err := r.store.Load(&doc); err != nil {
		return fmt.Errorf("load profiles: %w", err)
	}
	profiles := make(map[string]Profile, len(doc.Profiles))
	for _, p := range doc.Profiles {
		if err := p.Validate(); err != nil {
			r.logger.Warn("skipping invalid profile", lg.String("profile", p.ID), lg.Err(err))
			continue
		}
		profiles[p.ID] = p
	}

	r.mu.Lock()
	r.profiles = profiles
	r.mu.Unlock()
	r.logger.Info("profiles loaded", lg.Int("count", len(profiles)))
	return nil
}

func (r *StoreResolver) Resolve(_ context.Context, id string) (Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[id]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, nil
}
