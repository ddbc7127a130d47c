package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// LinkPrecedence marks a contact as the canonical record of its cluster or as
// a secondary pointing at it.
type LinkPrecedence string

const (
	LinkPrecedencePrimary   LinkPrecedence = "primary"
	LinkPrecedenceSecondary LinkPrecedence = "secondary"
)

// Contact represents a customer contact in the database
type Contact struct {
	ID             int64          `json:"id"`
	PhoneNumber    *string        `json:"phoneNumber,omitempty"`
	Email          *string        `json:"email,omitempty"`
	LinkedID       *int64         `json:"linkedId,omitempty"`
	LinkPrecedence LinkPrecedence `json:"linkPrecedence"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	DeletedAt      *time.Time     `json:"deletedAt,omitempty"`
}

// IsPrimary reports whether the contact is flagged as its cluster's primary.
func (c *Contact) IsPrimary() bool {
	return c.LinkPrecedence == LinkPrecedencePrimary
}

// Before orders contacts by creation time, breaking ties by id.
func (c *Contact) Before(other *Contact) bool {
	if !c.CreatedAt.Equal(other.CreatedAt) {
		return c.CreatedAt.Before(other.CreatedAt)
	}
	return c.ID < other.ID
}

// Linkage is the mutable part of a contact, changed only when clusters merge.
type Linkage struct {
	LinkPrecedence LinkPrecedence
	LinkedID       *int64
	UpdatedAt      time.Time
}

// Sighting is one observation of an email and/or phone number.
type Sighting struct {
	Email       *string
	PhoneNumber *string
}

// NewSighting builds a sighting, treating blank values as absent.
func NewSighting(email, phoneNumber *string) Sighting {
	return Sighting{Email: normalize(email), PhoneNumber: normalize(phoneNumber)}
}

// Empty reports whether neither field is present.
func (s Sighting) Empty() bool {
	return s.Email == nil && s.PhoneNumber == nil
}

func normalize(v *string) *string {
	if v == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*v)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

// IdentifyRequest represents the incoming request body
type IdentifyRequest struct {
	Email       *string `json:"email"`
	PhoneNumber *string `json:"phoneNumber"`
}

// UnmarshalJSON accepts phoneNumber as either a JSON string or a JSON number.
func (r *IdentifyRequest) UnmarshalJSON(data []byte) error {
	var raw struct {
		Email       *string         `json:"email"`
		PhoneNumber json.RawMessage `json:"phoneNumber"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Email = raw.Email
	r.PhoneNumber = nil

	phone := bytes.TrimSpace(raw.PhoneNumber)
	if len(phone) == 0 || bytes.Equal(phone, []byte("null")) {
		return nil
	}
	if phone[0] == '"' {
		var s string
		if err := json.Unmarshal(phone, &s); err != nil {
			return err
		}
		r.PhoneNumber = &s
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(phone, &n); err != nil {
		return fmt.Errorf("phoneNumber must be a string or number: %w", err)
	}
	s := n.String()
	r.PhoneNumber = &s
	return nil
}

// Sighting converts the request into a normalized sighting.
func (r IdentifyRequest) Sighting() Sighting {
	return NewSighting(r.Email, r.PhoneNumber)
}

// ContactView is the canonical view of one cluster.
type ContactView struct {
	PrimaryContactID    int64    `json:"primaryContactId"`
	Emails              []string `json:"emails"`
	PhoneNumbers        []string `json:"phoneNumbers"`
	SecondaryContactIDs []int64  `json:"secondaryContactIds"`
}

// IdentifyResponse represents the response body
type IdentifyResponse struct {
	Contact ContactView `json:"contact"`
}
