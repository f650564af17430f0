package common

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Record a news record produced by the upstream pipeline
type Record struct {
	ID          string    `json:"id" validate:"required"`
	Title       string    `json:"title" validate:"required"`
	Content     string    `json:"content"`
	PublishedAt time.Time `json:"published_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// String toString function
func (r Record) String() string {
	return fmt.Sprintf("RECORD[%s]", r.ID)
}

// Scan implements the sql.Scanner interface
func (r *Record) Scan(src interface{}) error {
	bytes, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("src is not []byte")
	}
	return json.Unmarshal(bytes, r)
}

// Value implements the sql/driver.Valuer interface
func (r Record) Value() (driver.Value, error) {
	return json.Marshal(&r)
}

// RecordPayload the logical payload delivered to a subscriber for one record
type RecordPayload struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	PublishedAt time.Time `json:"published_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// Payload convert the record into its delivery form
func (r Record) Payload() RecordPayload {
	return RecordPayload{
		ID:          r.ID,
		Title:       r.Title,
		Content:     r.Content,
		PublishedAt: r.PublishedAt,
		CreatedAt:   r.CreatedAt,
	}
}

// ==============================================================================

// Subscriber a durable subscriber identity
type Subscriber struct {
	ID             string    `json:"id" validate:"required"`
	DisplayName    string    `json:"display_name" validate:"required"`
	Token          string    `json:"-"`
	Active         bool      `json:"active"`
	TokenExpiresAt time.Time `json:"token_expires_at"`
	// BoundConnectionID is a cache of the registry binding; only the authentication gate
	// writes it.
	BoundConnectionID *string   `json:"connection_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// String toString function
func (s Subscriber) String() string {
	return fmt.Sprintf("SUBSCRIBER[%s]", s.ID)
}

// TokenExpired whether the credential token is expired at the given time
func (s Subscriber) TokenExpired(now time.Time) bool {
	return now.After(s.TokenExpiresAt)
}

// Bound whether the subscriber record lists a bound connection
func (s Subscriber) Bound() bool {
	return s.BoundConnectionID != nil
}

// Scan implements the sql.Scanner interface
func (s *Subscriber) Scan(src interface{}) error {
	bytes, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("src is not []byte")
	}
	type stored Subscriber
	var parsed struct {
		stored
		Token string `json:"token"`
	}
	if err := json.Unmarshal(bytes, &parsed); err != nil {
		return err
	}
	*s = Subscriber(parsed.stored)
	s.Token = parsed.Token
	return nil
}

// Value implements the sql/driver.Valuer interface
//
// Unlike the API form, the stored form carries the credential token.
func (s Subscriber) Value() (driver.Value, error) {
	type stored Subscriber
	return json.Marshal(&struct {
		stored
		Token string `json:"token"`
	}{stored: stored(s), Token: s.Token})
}
