package auth

import (
	"context"
	"strings"
	"sync"
)

// Reviewer is an operator allowed to decide manual payments.
type Reviewer struct {
	ID           string
	PasswordHash string
	Role         string
}

// Repository is the reviewer directory. Reviewers come from configuration
// as username to bcrypt hash pairs.
type Repository struct {
	mu        sync.RWMutex
	reviewers map[string]Reviewer
}

func NewRepository(hashes map[string]string) *Repository {
	r := &Repository{reviewers: make(map[string]Reviewer, len(hashes))}
	for id, hash := range hashes {
		r.Put(Reviewer{ID: id, PasswordHash: hash, Role: RoleReviewer})
	}
	return r
}

func (r *Repository) Put(rv Reviewer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reviewers[strings.ToLower(rv.ID)] = rv
}

// GetByID returns nil when no reviewer has that id.
func (r *Repository) GetByID(_ context.Context, id string) (*Reviewer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rv, ok := r.reviewers[strings.ToLower(id)]
	if !ok {
		return nil, nil
	}
	return &rv, nil
}

func (r *Repository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.reviewers)
}
