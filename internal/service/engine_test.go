package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "identityrecon/internal/domainerrors"
	"identityrecon/internal/models"
	"identityrecon/internal/store/memory"
)

var epoch = time.Date(2023, 4, 1, 0, 0, 0, 0, time.UTC)

func strPtr(s string) *string { return &s }

func idPtr(id int64) *int64 { return &id }

func contact(id int64, email, phone string, linked *int64, offset time.Duration) *models.Contact {
	c := &models.Contact{
		ID:             id,
		LinkedID:       linked,
		LinkPrecedence: models.LinkPrecedencePrimary,
		CreatedAt:      epoch.Add(offset),
		UpdatedAt:      epoch.Add(offset),
	}
	if linked != nil {
		c.LinkPrecedence = models.LinkPrecedenceSecondary
	}
	if email != "" {
		c.Email = strPtr(email)
	}
	if phone != "" {
		c.PhoneNumber = strPtr(phone)
	}
	return c
}

func TestBuildView(t *testing.T) {
	t.Run("primary values come first and duplicates collapse", func(t *testing.T) {
		cluster := []*models.Contact{
			contact(7, "mcfly@hillvalley.edu", "123456", idPtr(1), 2*time.Hour),
			contact(1, "lorraine@hillvalley.edu", "123456", nil, 0),
			contact(4, "", "654321", idPtr(1), time.Hour),
			contact(9, "lorraine@hillvalley.edu", "", idPtr(1), 3*time.Hour),
		}

		view, err := BuildView(1, cluster)
		require.NoError(t, err)
		assert.Equal(t, int64(1), view.PrimaryContactID)
		assert.Equal(t, []string{"lorraine@hillvalley.edu", "mcfly@hillvalley.edu"}, view.Emails)
		assert.Equal(t, []string{"123456", "654321"}, view.PhoneNumbers)
		assert.Equal(t, []int64{4, 7, 9}, view.SecondaryContactIDs)
	})

	t.Run("lone primary renders empty lists, not nil", func(t *testing.T) {
		view, err := BuildView(3, []*models.Contact{contact(3, "", "555", nil, 0)})
		require.NoError(t, err)
		assert.NotNil(t, view.Emails)
		assert.Empty(t, view.Emails)
		assert.Equal(t, []string{"555"}, view.PhoneNumbers)
		assert.NotNil(t, view.SecondaryContactIDs)
		assert.Empty(t, view.SecondaryContactIDs)
	})

	t.Run("member linked elsewhere violates the cluster shape", func(t *testing.T) {
		_, err := BuildView(1, []*models.Contact{
			contact(1, "a@x.io", "", nil, 0),
			contact(2, "b@x.io", "", idPtr(5), time.Minute),
		})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))
	})

	t.Run("missing primary", func(t *testing.T) {
		_, err := BuildView(1, []*models.Contact{contact(2, "b@x.io", "", idPtr(1), 0)})
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))
	})
}

func TestHasNewInformation(t *testing.T) {
	closure := []*models.Contact{
		contact(1, "a@x.io", "111", nil, 0),
		contact(2, "b@x.io", "222", idPtr(1), time.Minute),
	}

	tests := []struct {
		name     string
		sighting models.Sighting
		want     bool
	}{
		{"both known on one contact", models.NewSighting(strPtr("a@x.io"), strPtr("111")), false},
		{"both known on different contacts", models.NewSighting(strPtr("a@x.io"), strPtr("222")), false},
		{"email only and known", models.NewSighting(strPtr("b@x.io"), nil), false},
		{"phone only and known", models.NewSighting(nil, strPtr("111")), false},
		{"new email", models.NewSighting(strPtr("c@x.io"), strPtr("111")), true},
		{"new phone", models.NewSighting(strPtr("a@x.io"), strPtr("333")), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, hasNewInformation(closure, tt.sighting))
		})
	}
}

func TestEngineConsolidate(t *testing.T) {
	ctx := context.Background()
	clock := func() time.Time { return epoch.Add(24 * time.Hour) }

	t.Run("empty sighting is a validation error", func(t *testing.T) {
		e := NewEngine(clock, nil)
		_, err := e.Consolidate(ctx, memory.New(), models.Sighting{}, nil)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
	})

	t.Run("no closure creates a primary", func(t *testing.T) {
		st := memory.New()
		e := NewEngine(clock, nil)

		res, err := e.Consolidate(ctx, st, models.NewSighting(strPtr("a@x.io"), nil), nil)
		require.NoError(t, err)
		assert.Equal(t, OutcomeCreated, res.Outcome)
		require.NotNil(t, res.Inserted)
		assert.True(t, res.Inserted.IsPrimary())
		assert.Equal(t, epoch.Add(24*time.Hour), res.Inserted.CreatedAt)
		assert.Equal(t, []string{"a@x.io"}, res.View.Emails)
		assert.Equal(t, []string{}, res.View.PhoneNumbers)
	})

	t.Run("secondary without link is rejected", func(t *testing.T) {
		broken := contact(2, "b@x.io", "", nil, time.Minute)
		broken.LinkPrecedence = models.LinkPrecedenceSecondary
		closure := []*models.Contact{contact(1, "a@x.io", "", nil, 0), broken}

		_, err := NewEngine(clock, nil).Consolidate(ctx, memory.New(), models.NewSighting(strPtr("b@x.io"), nil), closure)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))
	})
}
