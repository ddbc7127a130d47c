package service

import (
	"context"
	"sort"

	"go.opentelemetry.io/otel/attribute"

	"identityrecon/internal/models"
	"identityrecon/internal/store"
)

// Locator finds the connected clusters a sighting touches. It only reads.
type Locator struct{}

// Locate returns every contact matching the sighting's email or phone, closed
// over the link relation, ordered by (CreatedAt, ID). An empty result means
// no contact matched.
func (l *Locator) Locate(ctx context.Context, st store.Store, s models.Sighting) ([]*models.Contact, error) {
	ctx, span := tracer.Start(ctx, "locator.Locate")
	defer span.End()

	matches, err := st.FindByEmailOrPhone(ctx, s.Email, s.PhoneNumber)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("identity.matches", len(matches)))
	if len(matches) == 0 {
		return nil, nil
	}

	closure, err := l.Expand(ctx, st, matches)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("identity.closure", len(closure)))
	return closure, nil
}

// Expand computes the link-relation closure of seeds with a seen-set and a
// frontier, one store round trip per hop.
func (l *Locator) Expand(ctx context.Context, st store.Store, seeds []*models.Contact) ([]*models.Contact, error) {
	seen := make(map[int64]*models.Contact, len(seeds))
	frontier := make([]int64, 0, len(seeds))
	for _, c := range seeds {
		if _, ok := seen[c.ID]; ok {
			continue
		}
		seen[c.ID] = c
		frontier = append(frontier, c.ID)
	}

	for len(frontier) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		related, err := st.FindByLinkRelation(ctx, frontier)
		if err != nil {
			return nil, err
		}
		next := frontier[:0:0]
		for _, c := range related {
			if _, ok := seen[c.ID]; ok {
				continue
			}
			seen[c.ID] = c
			next = append(next, c.ID)
		}
		frontier = next
	}

	closure := make([]*models.Contact, 0, len(seen))
	for _, c := range seen {
		closure = append(closure, c)
	}
	sortContacts(closure)
	return closure, nil
}

func sortContacts(contacts []*models.Contact) {
	sort.Slice(contacts, func(i, j int) bool {
		return contacts[i].Before(contacts[j])
	})
}
