package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	dErrors "identityrecon/internal/domainerrors"
	"identityrecon/internal/models"
	"identityrecon/internal/store"
)

// Outcome describes what a consolidation did to the store.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeAttached  Outcome = "attached"
	OutcomeMerged    Outcome = "merged"
	OutcomeUnchanged Outcome = "unchanged"
)

// Result is the outcome of one consolidation.
type Result struct {
	View     models.ContactView
	Outcome  Outcome
	Inserted *models.Contact
	// Relinked holds ids whose precedence or link was rewritten.
	Relinked []int64
}

// Engine decides create / attach / merge for a sighting and its closure.
type Engine struct {
	now    func() time.Time
	logger *slog.Logger
}

// NewEngine returns an engine stamping writes with now.
func NewEngine(now func() time.Time, logger *slog.Logger) *Engine {
	if now == nil {
		now = defaultClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{now: now, logger: logger}
}

func defaultClock() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// Consolidate applies the sighting to the closure returned by the Locator and
// returns the canonical view of the resulting cluster. Every write goes
// through st; the caller owns the transaction and the exclusive section.
func (e *Engine) Consolidate(ctx context.Context, st store.Store, s models.Sighting, closure []*models.Contact) (*Result, error) {
	ctx, span := tracer.Start(ctx, "engine.Consolidate")
	defer span.End()

	if s.Empty() {
		return nil, dErrors.New(dErrors.CodeValidation, "sighting needs an email or a phone number")
	}
	now := e.now()

	if len(closure) == 0 {
		c := &models.Contact{
			Email:          s.Email,
			PhoneNumber:    s.PhoneNumber,
			LinkPrecedence: models.LinkPrecedencePrimary,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := st.Insert(ctx, c); err != nil {
			return nil, fmt.Errorf("create primary contact: %w", err)
		}
		view, err := BuildView(c.ID, []*models.Contact{c})
		if err != nil {
			return nil, err
		}
		span.SetAttributes(attribute.String("identity.outcome", string(OutcomeCreated)))
		return &Result{View: view, Outcome: OutcomeCreated, Inserted: c}, nil
	}

	if err := checkLinks(closure); err != nil {
		return nil, err
	}

	primaries := primariesOf(closure)
	survivor := closure[0]
	if len(primaries) > 0 {
		survivor = primaries[0]
	} else {
		e.logger.WarnContext(ctx, "cluster has no primary; electing the oldest contact",
			"contact_id", survivor.ID,
		)
	}

	relinked, err := e.reconcile(ctx, st, survivor, closure, now)
	if err != nil {
		return nil, err
	}

	var inserted *models.Contact
	if hasNewInformation(closure, s) {
		inserted = &models.Contact{
			Email:          s.Email,
			PhoneNumber:    s.PhoneNumber,
			LinkedID:       &survivor.ID,
			LinkPrecedence: models.LinkPrecedenceSecondary,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := st.Insert(ctx, inserted); err != nil {
			return nil, fmt.Errorf("create secondary contact: %w", err)
		}
	}

	cluster, err := st.FindCluster(ctx, survivor.ID)
	if err != nil {
		return nil, fmt.Errorf("load cluster %d: %w", survivor.ID, err)
	}
	view, err := BuildView(survivor.ID, cluster)
	if err != nil {
		return nil, err
	}

	outcome := OutcomeUnchanged
	switch {
	case len(primaries) > 1:
		outcome = OutcomeMerged
	case inserted != nil:
		outcome = OutcomeAttached
	}
	span.SetAttributes(
		attribute.String("identity.outcome", string(outcome)),
		attribute.Int64("identity.primary_id", survivor.ID),
	)
	return &Result{View: view, Outcome: outcome, Inserted: inserted, Relinked: relinked}, nil
}

// reconcile makes survivor the only primary and points every other closure
// member directly at it. Contacts already in that shape are not written.
func (e *Engine) reconcile(ctx context.Context, st store.Store, survivor *models.Contact, closure []*models.Contact, now time.Time) ([]int64, error) {
	var relinked []int64

	if !survivor.IsPrimary() || survivor.LinkedID != nil {
		err := st.UpdateLinkage(ctx, survivor.ID, models.Linkage{
			LinkPrecedence: models.LinkPrecedencePrimary,
			UpdatedAt:      now,
		})
		if err != nil {
			return nil, fmt.Errorf("promote contact %d: %w", survivor.ID, err)
		}
		relinked = append(relinked, survivor.ID)
	}

	for _, c := range closure {
		if c.ID == survivor.ID {
			continue
		}
		if c.LinkPrecedence == models.LinkPrecedenceSecondary && c.LinkedID != nil && *c.LinkedID == survivor.ID {
			continue
		}
		if c.IsPrimary() {
			e.logger.InfoContext(ctx, "demoting primary into older cluster",
				"contact_id", c.ID,
				"primary_id", survivor.ID,
			)
		}
		err := st.UpdateLinkage(ctx, c.ID, models.Linkage{
			LinkPrecedence: models.LinkPrecedenceSecondary,
			LinkedID:       &survivor.ID,
			UpdatedAt:      now,
		})
		if err != nil {
			return nil, fmt.Errorf("relink contact %d: %w", c.ID, err)
		}
		relinked = append(relinked, c.ID)
	}
	return relinked, nil
}

// checkLinks rejects closures holding a secondary without a resolvable link.
func checkLinks(closure []*models.Contact) error {
	ids := make(map[int64]struct{}, len(closure))
	for _, c := range closure {
		ids[c.ID] = struct{}{}
	}
	for _, c := range closure {
		if c.IsPrimary() {
			continue
		}
		if c.LinkedID == nil {
			return dErrors.New(dErrors.CodeInvariantViolation,
				fmt.Sprintf("secondary contact %d has no linked id", c.ID))
		}
		if _, ok := ids[*c.LinkedID]; !ok {
			return dErrors.New(dErrors.CodeInvariantViolation,
				fmt.Sprintf("secondary contact %d links to missing contact %d", c.ID, *c.LinkedID))
		}
	}
	return nil
}

// primariesOf returns the flagged primaries, oldest first. closure is sorted.
func primariesOf(closure []*models.Contact) []*models.Contact {
	var out []*models.Contact
	for _, c := range closure {
		if c.IsPrimary() {
			out = append(out, c)
		}
	}
	return out
}

// hasNewInformation checks each supplied field independently against the closure.
func hasNewInformation(closure []*models.Contact, s models.Sighting) bool {
	emailExists, phoneExists := false, false
	for _, c := range closure {
		if s.Email != nil && c.Email != nil && *c.Email == *s.Email {
			emailExists = true
		}
		if s.PhoneNumber != nil && c.PhoneNumber != nil && *c.PhoneNumber == *s.PhoneNumber {
			phoneExists = true
		}
	}
	if s.Email != nil && !emailExists {
		return true
	}
	if s.PhoneNumber != nil && !phoneExists {
		return true
	}
	return false
}

// BuildView renders the canonical view of the cluster whose primary is
// primaryID. cluster must hold the primary and only contacts linked to it.
func BuildView(primaryID int64, cluster []*models.Contact) (models.ContactView, error) {
	view := models.ContactView{
		PrimaryContactID:    primaryID,
		Emails:              []string{},
		PhoneNumbers:        []string{},
		SecondaryContactIDs: []int64{},
	}

	var primary *models.Contact
	rest := make([]*models.Contact, 0, len(cluster))
	for _, c := range cluster {
		if c.ID == primaryID {
			primary = c
			continue
		}
		if c.LinkPrecedence != models.LinkPrecedenceSecondary || c.LinkedID == nil || *c.LinkedID != primaryID {
			return models.ContactView{}, dErrors.New(dErrors.CodeInvariantViolation,
				fmt.Sprintf("contact %d is not a secondary of primary %d", c.ID, primaryID))
		}
		rest = append(rest, c)
	}
	if primary == nil {
		return models.ContactView{}, dErrors.New(dErrors.CodeInvariantViolation,
			fmt.Sprintf("primary contact %d missing from its cluster", primaryID))
	}
	sortContacts(rest)

	seenEmail := make(map[string]struct{})
	seenPhone := make(map[string]struct{})
	add := func(c *models.Contact) {
		if c.Email != nil && *c.Email != "" {
			if _, ok := seenEmail[*c.Email]; !ok {
				seenEmail[*c.Email] = struct{}{}
				view.Emails = append(view.Emails, *c.Email)
			}
		}
		if c.PhoneNumber != nil && *c.PhoneNumber != "" {
			if _, ok := seenPhone[*c.PhoneNumber]; !ok {
				seenPhone[*c.PhoneNumber] = struct{}{}
				view.PhoneNumbers = append(view.PhoneNumbers, *c.PhoneNumber)
			}
		}
	}

	add(primary)
	for _, c := range rest {
		add(c)
		view.SecondaryContactIDs = append(view.SecondaryContactIDs, c.ID)
	}
	return view, nil
}
