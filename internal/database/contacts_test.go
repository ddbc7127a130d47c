package database

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"identityrecon/internal/models"
	"identityrecon/internal/sentinel"
	"identityrecon/internal/store"
)

type ContactStoreSuite struct {
	suite.Suite
	db    *DB
	store *ContactStore
	ctx   context.Context
	base  time.Time
}

func TestContactStoreSuite(t *testing.T) {
	suite.Run(t, new(ContactStoreSuite))
}

func (s *ContactStoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	db, err := New(s.ctx, Options{
		Driver: DriverSQLite3,
		URL:    filepath.Join(s.T().TempDir(), "contacts.db"),
	})
	s.Require().NoError(err)
	s.db = db
	s.store = NewContactStore(db)
}

func (s *ContactStoreSuite) TearDownTest() {
	s.Require().NoError(s.db.Close())
}

func (s *ContactStoreSuite) insert(email, phone string, linkedID *int64, minute int) *models.Contact {
	c := &models.Contact{
		LinkPrecedence: models.LinkPrecedencePrimary,
		CreatedAt:      s.base.Add(time.Duration(minute) * time.Minute),
	}
	if email != "" {
		c.Email = &email
	}
	if phone != "" {
		c.PhoneNumber = &phone
	}
	if linkedID != nil {
		c.LinkedID = linkedID
		c.LinkPrecedence = models.LinkPrecedenceSecondary
	}
	s.Require().NoError(s.store.Insert(s.ctx, c))
	return c
}

func (s *ContactStoreSuite) TestInsertAndFindByID() {
	c := s.insert("lorraine@hillvalley.edu", "123456", nil, 0)
	s.NotZero(c.ID)

	found, err := s.store.FindByID(s.ctx, c.ID)
	s.Require().NoError(err)
	s.Equal("lorraine@hillvalley.edu", *found.Email)
	s.Equal("123456", *found.PhoneNumber)
	s.Nil(found.LinkedID)
	s.Equal(models.LinkPrecedencePrimary, found.LinkPrecedence)
	s.True(found.CreatedAt.Equal(c.CreatedAt))

	_, err = s.store.FindByID(s.ctx, c.ID+100)
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *ContactStoreSuite) TestFindByEmailOrPhone() {
	a := s.insert("a@x.com", "111", nil, 0)
	b := s.insert("b@x.com", "222", nil, 1)
	s.insert("c@x.com", "333", nil, 2)

	email, phone := "a@x.com", "222"
	found, err := s.store.FindByEmailOrPhone(s.ctx, &email, &phone)
	s.Require().NoError(err)
	s.Equal([]int64{a.ID, b.ID}, ids(found))

	found, err = s.store.FindByEmailOrPhone(s.ctx, nil, &phone)
	s.Require().NoError(err)
	s.Equal([]int64{b.ID}, ids(found))

	found, err = s.store.FindByEmailOrPhone(s.ctx, nil, nil)
	s.Require().NoError(err)
	s.Empty(found)
}

func (s *ContactStoreSuite) TestFindByLinkRelation() {
	primary := s.insert("a@x.com", "111", nil, 0)
	second := s.insert("a@x.com", "222", &primary.ID, 1)
	third := s.insert("b@x.com", "111", &primary.ID, 2)
	s.insert("z@x.com", "999", nil, 3)

	found, err := s.store.FindByLinkRelation(s.ctx, []int64{primary.ID})
	s.Require().NoError(err)
	s.Equal([]int64{second.ID, third.ID}, ids(found))

	found, err = s.store.FindByLinkRelation(s.ctx, []int64{third.ID})
	s.Require().NoError(err)
	s.Equal([]int64{primary.ID}, ids(found))

	found, err = s.store.FindByLinkRelation(s.ctx, nil)
	s.Require().NoError(err)
	s.Empty(found)
}

func (s *ContactStoreSuite) TestUpdateLinkageAndFindCluster() {
	a := s.insert("a@x.com", "", nil, 0)
	b := s.insert("", "999", nil, 1)

	s.Require().NoError(s.store.UpdateLinkage(s.ctx, b.ID, models.Linkage{
		LinkPrecedence: models.LinkPrecedenceSecondary,
		LinkedID:       &a.ID,
		UpdatedAt:      s.base.Add(time.Hour),
	}))

	cluster, err := s.store.FindCluster(s.ctx, a.ID)
	s.Require().NoError(err)
	s.Require().Equal([]int64{a.ID, b.ID}, ids(cluster))
	s.Equal(models.LinkPrecedenceSecondary, cluster[1].LinkPrecedence)
	s.Equal(a.ID, *cluster[1].LinkedID)

	err = s.store.UpdateLinkage(s.ctx, 4242, models.Linkage{LinkPrecedence: models.LinkPrecedencePrimary, UpdatedAt: s.base})
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *ContactStoreSuite) TestSoftDeletedRowsAreInvisible() {
	a := s.insert("a@x.com", "111", nil, 0)
	s.Require().NoError(s.store.SoftDelete(s.ctx, a.ID, s.base))

	email := "a@x.com"
	found, err := s.store.FindByEmailOrPhone(s.ctx, &email, nil)
	s.Require().NoError(err)
	s.Empty(found)
	s.ErrorIs(s.store.SoftDelete(s.ctx, a.ID, s.base), sentinel.ErrNotFound)
}

func (s *ContactStoreSuite) TestRunInTxRollsBack() {
	a := s.insert("a@x.com", "", nil, 0)
	boom := errors.New("boom")

	err := s.store.RunInTx(s.ctx, func(tx store.Store) error {
		phone := "999"
		if err := tx.Insert(s.ctx, &models.Contact{
			PhoneNumber:    &phone,
			LinkedID:       &a.ID,
			LinkPrecedence: models.LinkPrecedenceSecondary,
			CreatedAt:      s.base.Add(time.Minute),
		}); err != nil {
			return err
		}
		return boom
	})
	s.ErrorIs(err, boom)

	cluster, err := s.store.FindCluster(s.ctx, a.ID)
	s.Require().NoError(err)
	s.Len(cluster, 1)
}

func (s *ContactStoreSuite) TestRunInTxCommits() {
	err := s.store.RunInTx(s.ctx, func(tx store.Store) error {
		email := "a@x.com"
		return tx.Insert(s.ctx, &models.Contact{Email: &email, CreatedAt: s.base})
	})
	s.Require().NoError(err)

	email := "a@x.com"
	found, err := s.store.FindByEmailOrPhone(s.ctx, &email, nil)
	s.Require().NoError(err)
	s.Len(found, 1)
}

func (s *ContactStoreSuite) TestRunInTxRejectsCancelledContext() {
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	called := false
	err := s.store.RunInTx(ctx, func(store.Store) error {
		called = true
		return nil
	})
	s.ErrorIs(err, context.Canceled)
	s.False(called)
}

func TestRebind(t *testing.T) {
	pg := &ContactStore{db: &DB{Dialect: DialectPostgres}}
	lite := &ContactStore{db: &DB{Dialect: DialectSQLite}}

	query := "SELECT 1 FROM contacts WHERE id = ? OR linked_id IN (?, ?)"
	if got := pg.rebind(query); got != "SELECT 1 FROM contacts WHERE id = $1 OR linked_id IN ($2, $3)" {
		t.Fatalf("unexpected postgres rebind: %q", got)
	}
	if got := lite.rebind(query); got != query {
		t.Fatalf("sqlite rebind must be identity, got %q", got)
	}
}

func TestInferDriver(t *testing.T) {
	tests := map[string]string{
		"postgres://u:p@localhost/db":   DriverPostgres,
		"postgresql://u:p@localhost/db": DriverPostgres,
		"./identity.db":                 DriverSQLite3,
		"":                              DriverSQLite3,
	}
	for url, want := range tests {
		if got := InferDriver(url); got != want {
			t.Errorf("InferDriver(%q) = %q, want %q", url, got, want)
		}
	}
}

func ids(contacts []*models.Contact) []int64 {
	out := make([]int64, 0, len(contacts))
	for _, c := range contacts {
		out = append(out, c.ID)
	}
	return out
}
