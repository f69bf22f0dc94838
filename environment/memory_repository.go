package environment

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

var _ Repository = (*MemoryRepository)(nil)

// MemoryRepository keeps documents in process memory. Reads and writes hand out
// deep copies so callers never share entity pointers with the store.
type MemoryRepository struct {
	mu   sync.RWMutex
	docs map[string]*Environment
	now  func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		docs: make(map[string]*Environment),
		now:  time.Now,
	}
}

func (r *MemoryRepository) Get(ctx context.Context, id string) (*Environment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	doc, exists := r.docs[id]
	if !exists {
		return nil, ErrNotFound
	}

	return Clone(doc)
}

func (r *MemoryRepository) Create(ctx context.Context, env *Environment) (*Environment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if env.ID == "" {
		env.ID = uuid.NewString()
	}

	if _, exists := r.docs[env.ID]; exists {
		return nil, ErrAlreadyExists
	}

	doc, err := Clone(env)
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()
	doc.Version = 1
	doc.Created = now
	doc.Updated = now
	r.docs[doc.ID] = doc

	return Clone(doc)
}

func (r *MemoryRepository) Update(ctx context.Context, env *Environment) (*Environment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, exists := r.docs[env.ID]
	if !exists {
		return nil, ErrNotFound
	}

	if current.Version != env.Version {
		return nil, ErrConflict
	}

	doc, err := Clone(env)
	if err != nil {
		return nil, err
	}

	doc.Version = current.Version + 1
	doc.Created = current.Created
	doc.Updated = r.now().UTC()
	r.docs[doc.ID] = doc

	return Clone(doc)
}

func (r *MemoryRepository) Delete(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.docs[id]; !exists {
		return false, nil
	}

	delete(r.docs, id)

	return true, nil
}

// List returns copies of every stored environment.
func (r *MemoryRepository) List(ctx context.Context) ([]*Environment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Environment, 0, len(r.docs))
	for _, doc := range r.docs {
		clone, err := Clone(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, clone)
	}

	return out, nil
}
