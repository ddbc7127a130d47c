// Package events announces committed consolidation outcomes to downstream
// consumers. Events are published after the transaction commits; a publish
// failure never undoes the consolidation.
package events

import (
	"context"
	"time"
)

// Type names a consolidation outcome.
type Type string

const (
	TypeCreated  Type = "contact.created"
	TypeAttached Type = "contact.attached"
	TypeMerged   Type = "contact.merged"
)

// Event describes the state change of one cluster.
type Event struct {
	Type             Type  `json:"type"`
	PrimaryContactID int64 `json:"primaryContactId"`
	// InsertedContactID is the contact created by the sighting, if any.
	InsertedContactID *int64 `json:"insertedContactId,omitempty"`
	// RelinkedContactIDs lists contacts re-pointed at the primary by a merge.
	RelinkedContactIDs []int64   `json:"relinkedContactIds,omitempty"`
	OccurredAt         time.Time `json:"occurredAt"`
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
