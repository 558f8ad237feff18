package api

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/TFMV/manifold/lle"
	"github.com/google/uuid"
)

var (
	errModelNotFound = errors.New("model not found")
	errRegistryFull  = errors.New("model limit reached")
)

// entry is a fitted estimator and its public identity.
type entry struct {
	id        uuid.UUID
	createdAt time.Time
	estimator *lle.LocallyLinearEmbedding
}

// registry stores fitted models by ID.
type registry struct {
	mu     sync.RWMutex
	limit  int
	models map[uuid.UUID]*entry
}

func newRegistry(limit int) *registry {
	return &registry{limit: limit, models: make(map[uuid.UUID]*entry)}
}

func (r *registry) add(estimator *lle.LocallyLinearEmbedding) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.limit > 0 && len(r.models) >= r.limit {
		return nil, errRegistryFull
	}
	e := &entry{id: uuid.New(), createdAt: time.Now(), estimator: estimator}
	r.models[e.id] = e
	return e, nil
}

func (r *registry) get(id string) (*entry, error) {
	key, err := uuid.Parse(id)
	if err != nil {
		return nil, errModelNotFound
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.models[key]
	if !ok {
		return nil, errModelNotFound
	}
	return e, nil
}

func (r *registry) remove(id string) error {
	key, err := uuid.Parse(id)
	if err != nil {
		return errModelNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.models[key]; !ok {
		return errModelNotFound
	}
	delete(r.models, key)
	return nil
}

// list returns entries oldest first.
func (r *registry) list() []*entry {
	r.mu.RLock()
	out := make([]*entry, 0, len(r.models))
	for _, e := range r.models {
		out = append(out, e)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].createdAt.Before(out[j].createdAt) })
	return out
}
