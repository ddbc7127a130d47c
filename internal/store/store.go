// Package store defines the record-store capability the reconciliation core
// consumes. Implementations live in internal/database (SQL) and
// internal/store/memory.
package store

//go:generate mockgen -source=store.go -destination=mocks/mocks.go -package=mocks Store,Transactor

import (
	"context"

	"identityrecon/internal/models"
)

// Store is the set of queries and writes consolidation needs. All reads
// exclude soft-deleted contacts.
type Store interface {
	// FindByEmailOrPhone returns contacts whose email equals email or whose
	// phone number equals phone. A nil argument disables that side.
	FindByEmailOrPhone(ctx context.Context, email, phone *string) ([]*models.Contact, error)
	// FindByLinkRelation returns contacts whose linked id is in ids, plus the
	// contacts the members of ids link to.
	FindByLinkRelation(ctx context.Context, ids []int64) ([]*models.Contact, error)
	// FindCluster returns the primary and every contact linked to it.
	FindCluster(ctx context.Context, primaryID int64) ([]*models.Contact, error)
	// FindByID returns sentinel.ErrNotFound when the contact does not exist.
	FindByID(ctx context.Context, id int64) (*models.Contact, error)
	// Insert assigns c.ID and persists c.
	Insert(ctx context.Context, c *models.Contact) error
	// UpdateLinkage rewrites precedence, linked id and updated-at of one contact.
	UpdateLinkage(ctx context.Context, id int64, linkage models.Linkage) error
}

// Transactor runs fn against a Store whose writes commit together or not at all.
type Transactor interface {
	RunInTx(ctx context.Context, fn func(Store) error) error
}
