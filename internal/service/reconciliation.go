package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	dErrors "identityrecon/internal/domainerrors"
	"identityrecon/internal/events"
	"identityrecon/internal/lock"
	"identityrecon/internal/metrics"
	"identityrecon/internal/models"
	"identityrecon/internal/sentinel"
	"identityrecon/internal/store"
)

var tracer = otel.Tracer("identityrecon/internal/service")

const defaultMaxAttempts = 5

// errStaleClosure means the closure read under lock reaches a cluster whose
// key was not held; the attempt is abandoned and retried with wider keys.
var errStaleClosure = errors.New("closure outgrew held lock keys")

// Backend is a record store that can also run transactions.
type Backend interface {
	store.Store
	store.Transactor
}

// ReconciliationService handles identity reconciliation: it serializes
// sightings per cluster, runs the Locator and Engine inside one transaction
// and announces committed outcomes.
type ReconciliationService struct {
	backend     Backend
	locator     *Locator
	engine      *Engine
	locker      lock.Locker
	publisher   events.Publisher
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time
	maxAttempts int
}

type Option func(s *ReconciliationService)

func WithLogger(logger *slog.Logger) Option {
	return func(s *ReconciliationService) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *ReconciliationService) {
		s.metrics = m
	}
}

func WithPublisher(p events.Publisher) Option {
	return func(s *ReconciliationService) {
		s.publisher = p
	}
}

// WithLocker replaces the process-local locker, e.g. with a Redis locker
// shared by several instances.
func WithLocker(l lock.Locker) Option {
	return func(s *ReconciliationService) {
		s.locker = l
	}
}

// WithClock sets the time source used for createdAt and updatedAt.
func WithClock(now func() time.Time) Option {
	return func(s *ReconciliationService) {
		s.now = now
	}
}

// WithMaxAttempts bounds how often a sighting is retried after a concurrent
// merge changed its cluster.
func WithMaxAttempts(n int) Option {
	return func(s *ReconciliationService) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// NewReconciliationService creates a new reconciliation service
func NewReconciliationService(backend Backend, opts ...Option) *ReconciliationService {
	s := &ReconciliationService{
		backend:     backend,
		locator:     &Locator{},
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.locker == nil {
		s.locker = lock.NewLocal()
	}
	if s.publisher == nil {
		s.publisher = events.Nop{}
	}
	if s.now == nil {
		s.now = defaultClock
	}
	s.engine = NewEngine(func() time.Time {
		return s.now().UTC().Truncate(time.Microsecond)
	}, s.logger)
	return s
}

// Identify consolidates one sighting and returns the canonical view of the
// cluster it ends up in.
func (s *ReconciliationService) Identify(ctx context.Context, req models.IdentifyRequest) (*models.IdentifyResponse, error) {
	ctx, span := tracer.Start(ctx, "reconciliation.Identify")
	defer span.End()
	defer s.metrics.ObserveConsolidate(time.Now())

	sighting := req.Sighting()
	if sighting.Empty() {
		s.metrics.IncrementError(string(dErrors.CodeValidation))
		return nil, dErrors.New(dErrors.CodeValidation, "either email or phoneNumber must be provided")
	}

	var result *Result
	locate := func(ctx context.Context, st store.Store) ([]*models.Contact, error) {
		return s.locator.Locate(ctx, st, sighting)
	}
	err := s.withCluster(ctx, sightingKeys(sighting), locate,
		func(ctx context.Context, st store.Store, closure []*models.Contact) error {
			s.metrics.ObserveClosureSize(len(closure))
			r, err := s.engine.Consolidate(ctx, st, sighting, closure)
			if err != nil {
				return err
			}
			result = r
			return nil
		})
	if err != nil {
		err = translate(err, dErrors.CodeUnavailable)
		s.recordFailure(ctx, "identify failed", err)
		return nil, err
	}

	s.metrics.IncrementOutcome(string(result.Outcome))
	s.logger.InfoContext(ctx, "sighting consolidated",
		"outcome", result.Outcome,
		"primary_contact_id", result.View.PrimaryContactID,
		"relinked", len(result.Relinked),
	)
	s.publish(ctx, result)

	return &models.IdentifyResponse{Contact: result.View}, nil
}

// Lookup returns the canonical view of the cluster containing contact id.
func (s *ReconciliationService) Lookup(ctx context.Context, id int64) (*models.ContactView, error) {
	ctx, span := tracer.Start(ctx, "reconciliation.Lookup",
		trace.WithAttributes(attribute.Int64("identity.contact_id", id)))
	defer span.End()

	if id <= 0 {
		return nil, dErrors.New(dErrors.CodeBadRequest, "contact id must be positive")
	}

	var view models.ContactView
	seed := func(ctx context.Context, st store.Store) ([]*models.Contact, error) {
		c, err := st.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}
		return s.locator.Expand(ctx, st, []*models.Contact{c})
	}
	err := s.withCluster(ctx, nil, seed,
		func(ctx context.Context, st store.Store, closure []*models.Contact) error {
			if err := checkLinks(closure); err != nil {
				return err
			}
			primaries := primariesOf(closure)
			if len(primaries) != 1 {
				return dErrors.New(dErrors.CodeInvariantViolation, "cluster does not have exactly one primary")
			}
			v, err := BuildView(primaries[0].ID, closure)
			if err != nil {
				return err
			}
			view = v
			return nil
		})
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "contact not found")
		}
		err = translate(err, dErrors.CodeNotFound)
		s.recordFailure(ctx, "lookup failed", err)
		return nil, err
	}
	return &view, nil
}

type seedFunc func(ctx context.Context, st store.Store) ([]*models.Contact, error)

type applyFunc func(ctx context.Context, st store.Store, closure []*models.Contact) error

// withCluster runs apply inside a transaction while holding base plus the
// cluster keys of the closure seed resolves to. The closure is first read
// without locks to pick keys, then re-read inside the transaction; if it now
// reaches a cluster whose key is not held the attempt is retried.
func (s *ReconciliationService) withCluster(ctx context.Context, base []string, seed seedFunc, apply applyFunc) error {
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		pre, err := seed(ctx, s.backend)
		if err != nil {
			return err
		}
		keys := append(append([]string{}, base...), clusterKeys(pre)...)

		unlock, err := s.locker.Lock(ctx, keys)
		if err != nil {
			return err
		}
		err = s.backend.RunInTx(ctx, func(st store.Store) error {
			closure, err := seed(ctx, st)
			if err != nil {
				return err
			}
			if !lock.Covers(keys, clusterKeys(closure)) {
				return errStaleClosure
			}
			return apply(ctx, st, closure)
		})
		unlock()

		if !errors.Is(err, errStaleClosure) {
			return err
		}
		s.metrics.IncrementLockRetry()
		s.logger.DebugContext(ctx, "cluster changed before lock was taken; retrying",
			"attempt", attempt,
		)
	}
	return dErrors.New(dErrors.CodeUnavailable, "cluster kept changing under concurrent merges; retry the request")
}

// sightingKeys serializes sightings that could create or join the same identity.
func sightingKeys(sg models.Sighting) []string {
	var keys []string
	if sg.Email != nil {
		keys = append(keys, lock.EmailKey(*sg.Email))
	}
	if sg.PhoneNumber != nil {
		keys = append(keys, lock.PhoneKey(*sg.PhoneNumber))
	}
	return keys
}

// clusterKeys names every cluster a closure touches by its primary id.
func clusterKeys(closure []*models.Contact) []string {
	var keys []string
	for _, c := range closure {
		switch {
		case c.IsPrimary():
			keys = append(keys, lock.ContactKey(c.ID))
		case c.LinkedID != nil:
			keys = append(keys, lock.ContactKey(*c.LinkedID))
		}
	}
	if len(keys) == 0 && len(closure) > 0 {
		keys = append(keys, lock.ContactKey(closure[0].ID))
	}
	return keys
}

// translate maps infrastructure failures to domain codes. notFound is the
// code a vanished contact maps to for the calling operation.
func translate(err error, notFound dErrors.Code) error {
	var de *dErrors.Error
	switch {
	case errors.As(err, &de):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return dErrors.Wrap(err, dErrors.CodeTimeout, "request timed out")
	case errors.Is(err, sentinel.ErrUnavailable), errors.Is(err, sentinel.ErrConflict):
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "store temporarily unavailable")
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.Wrap(err, notFound, "contact not found")
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "reconciliation failed")
	}
}

func (s *ReconciliationService) recordFailure(ctx context.Context, msg string, err error) {
	code := dErrors.CodeOf(err)
	s.metrics.IncrementError(string(code))

	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, string(code))

	switch code {
	case dErrors.CodeInternal, dErrors.CodeInvariantViolation:
		s.logger.ErrorContext(ctx, msg, "error", err, "code", code)
	default:
		s.logger.WarnContext(ctx, msg, "error", err, "code", code)
	}
}

// publish announces a committed outcome. Failures are logged only.
func (s *ReconciliationService) publish(ctx context.Context, r *Result) {
	var t events.Type
	switch r.Outcome {
	case OutcomeCreated:
		t = events.TypeCreated
	case OutcomeAttached:
		t = events.TypeAttached
	case OutcomeMerged:
		t = events.TypeMerged
	default:
		return
	}

	e := events.Event{
		Type:               t,
		PrimaryContactID:   r.View.PrimaryContactID,
		RelinkedContactIDs: r.Relinked,
		OccurredAt:         s.now().UTC(),
	}
	if r.Inserted != nil {
		id := r.Inserted.ID
		e.InsertedContactID = &id
	}
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.logger.WarnContext(ctx, "failed to publish consolidation event",
			"type", t,
			"primary_contact_id", e.PrimaryContactID,
			"error", err,
		)
	}
}
