// Package memory provides an in-memory contact store used by tests and by the
// CLI when no database is configured.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"identityrecon/internal/models"
	"identityrecon/internal/sentinel"
	"identityrecon/internal/store"
)

var (
	_ store.Store      = (*Store)(nil)
	_ store.Transactor = (*Store)(nil)
)

// Store keeps contacts in a map guarded by a RWMutex. Transactions journal
// their writes and undo them on failure; callers serialize overlapping
// transactions with a lock.Locker, so undo never clobbers a concurrent write.
type Store struct {
	mu       sync.RWMutex
	contacts map[int64]*models.Contact
	nextID   int64
}

// New returns an empty store. Ids start at 1.
func New() *Store {
	return &Store{contacts: make(map[int64]*models.Contact)}
}

func (s *Store) FindByEmailOrPhone(_ context.Context, email, phone *string) ([]*models.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Contact
	for _, c := range s.contacts {
		if c.DeletedAt != nil {
			continue
		}
		if (email != nil && c.Email != nil && *c.Email == *email) ||
			(phone != nil && c.PhoneNumber != nil && *c.PhoneNumber == *phone) {
			out = append(out, clone(c))
		}
	}
	return sorted(out), nil
}

func (s *Store) FindByLinkRelation(_ context.Context, ids []int64) ([]*models.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[int64]struct{}, len(ids))
	targets := make(map[int64]struct{})
	for _, id := range ids {
		wanted[id] = struct{}{}
		if c, ok := s.contacts[id]; ok && c.DeletedAt == nil && c.LinkedID != nil {
			targets[*c.LinkedID] = struct{}{}
		}
	}

	var out []*models.Contact
	for _, c := range s.contacts {
		if c.DeletedAt != nil {
			continue
		}
		_, isTarget := targets[c.ID]
		linked := false
		if c.LinkedID != nil {
			_, linked = wanted[*c.LinkedID]
		}
		if isTarget || linked {
			out = append(out, clone(c))
		}
	}
	return sorted(out), nil
}

func (s *Store) FindCluster(_ context.Context, primaryID int64) ([]*models.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Contact
	for _, c := range s.contacts {
		if c.DeletedAt != nil {
			continue
		}
		if c.ID == primaryID || (c.LinkedID != nil && *c.LinkedID == primaryID) {
			out = append(out, clone(c))
		}
	}
	return sorted(out), nil
}

func (s *Store) FindByID(_ context.Context, id int64) (*models.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contacts[id]
	if !ok || c.DeletedAt != nil {
		return nil, sentinel.ErrNotFound
	}
	return clone(c), nil
}

func (s *Store) Insert(_ context.Context, c *models.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	c.ID = s.nextID
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	if c.LinkPrecedence == "" {
		c.LinkPrecedence = models.LinkPrecedencePrimary
	}
	s.contacts[c.ID] = clone(c)
	return nil
}

func (s *Store) UpdateLinkage(_ context.Context, id int64, linkage models.Linkage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contacts[id]
	if !ok || c.DeletedAt != nil {
		return sentinel.ErrNotFound
	}
	c.LinkPrecedence = linkage.LinkPrecedence
	c.LinkedID = copyID(linkage.LinkedID)
	c.UpdatedAt = linkage.UpdatedAt
	return nil
}

// SoftDelete marks a contact deleted so every query skips it.
func (s *Store) SoftDelete(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contacts[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	c.DeletedAt = &at
	return nil
}

// All returns every live contact ordered by creation.
func (s *Store) All() []*models.Contact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Contact, 0, len(s.contacts))
	for _, c := range s.contacts {
		if c.DeletedAt == nil {
			out = append(out, clone(c))
		}
	}
	return sorted(out)
}

// RunInTx runs fn against a journaling view of the store and undoes its writes
// when fn fails or ctx is done.
func (s *Store) RunInTx(ctx context.Context, fn func(store.Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &txStore{Store: s}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	if err := ctx.Err(); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

type txStore struct {
	*Store
	inserted []int64
	previous []*models.Contact
}

func (t *txStore) Insert(ctx context.Context, c *models.Contact) error {
	if err := t.Store.Insert(ctx, c); err != nil {
		return err
	}
	t.inserted = append(t.inserted, c.ID)
	return nil
}

func (t *txStore) UpdateLinkage(ctx context.Context, id int64, linkage models.Linkage) error {
	before, err := t.Store.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if err := t.Store.UpdateLinkage(ctx, id, linkage); err != nil {
		return err
	}
	t.previous = append(t.previous, before)
	return nil
}

func (t *txStore) rollback() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := len(t.previous) - 1; i >= 0; i-- {
		t.contacts[t.previous[i].ID] = t.previous[i]
	}
	for _, id := range t.inserted {
		delete(t.contacts, id)
	}
}

func sorted(contacts []*models.Contact) []*models.Contact {
	sort.Slice(contacts, func(i, j int) bool {
		return contacts[i].Before(contacts[j])
	})
	return contacts
}

func clone(c *models.Contact) *models.Contact {
	cp := *c
	cp.Email = copyString(c.Email)
	cp.PhoneNumber = copyString(c.PhoneNumber)
	cp.LinkedID = copyID(c.LinkedID)
	if c.DeletedAt != nil {
		at := *c.DeletedAt
		cp.DeletedAt = &at
	}
	return &cp
}

func copyString(v *string) *string {
	if v == nil {
		return nil
	}
	s := *v
	return &s
}

func copyID(v *int64) *int64 {
	if v == nil {
		return nil
	}
	id := *v
	return &id
}
