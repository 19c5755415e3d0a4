package store

import (
	"context"
	"errors"
	"time"
)

var ErrInvalidAmount = errors.New("credit amount must be positive")

// Macro is a clinician shorthand expanded while drafting a note.
type Macro struct {
	Trigger   string `json:"trigger"`
	Expansion string `json:"expansion"`
}

// Profile holds per-owner dictation preferences.
type Profile struct {
	OwnerID            string  `json:"owner_id"`
	PronunciationHints string  `json:"pronunciation_hints"`
	Macros             []Macro `json:"macros"`
}

// NoteKind names the operation that produced a note.
type NoteKind string

const (
	NoteKindFinalize NoteKind = "finalize"
	NoteKindReview   NoteKind = "review"
	NoteKindFormat   NoteKind = "format"
)

// NoteRecord is one produced note. Transcript is stored PII-redacted.
type NoteRecord struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"owner_id"`
	Kind       NoteKind  `json:"kind"`
	Transcript string    `json:"transcript"`
	HTML       string    `json:"html"`
	BackendID  string    `json:"backend_id"`
	ModelID    string    `json:"model_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// ConfigStore persists provider overrides.
type ConfigStore interface {
	Overrides(ctx context.Context) (map[string]string, error)
	// SaveOverrides merges entries; an empty value deletes the key.
	SaveOverrides(ctx context.Context, entries map[string]string) error
}

// ProfileStore serves per-owner dictation preferences.
type ProfileStore interface {
	PronunciationHints(ctx context.Context, ownerID string) (string, error)
	Macros(ctx context.Context, ownerID string) ([]Macro, error)
	SaveProfile(ctx context.Context, p Profile) error
}

// Ledger holds per-owner credit balances.
type Ledger interface {
	// DeductIfPositive atomically takes one credit when the balance is above
	// zero. It reports whether a credit was taken.
	DeductIfPositive(ctx context.Context, ownerID string) (bool, error)
	Balance(ctx context.Context, ownerID string) (int64, error)
	Grant(ctx context.Context, ownerID string, amount int64) (int64, error)
}

// NoteStore persists produced notes.
type NoteStore interface {
	SaveNote(ctx context.Context, record NoteRecord) error
	RecentNotes(ctx context.Context, ownerID string, limit int) ([]NoteRecord, error)
}

// Store is the full persistence surface.
type Store interface {
	ConfigStore
	ProfileStore
	Ledger
	NoteStore
	Ping(ctx context.Context) error
	Close() error
}
