// Package state persists mutable bot state (quota counters, position
// ledger, weight posteriors) as schema-versioned JSON files.
//
// Load never crashes on a bad file: a file that is unreadable, has the
// wrong schema version, or fails the caller's validation is logged at error
// level and replaced by the caller's empty default. Trusting a corrupt file
// silently is the one failure mode this package exists to prevent.
package state

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/atomicio"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/errs"
)

// envelope wraps every persisted payload with its schema version.
type envelope struct {
	SchemaVersion int             `json:"schema_version"`
	Payload       json.RawMessage `json:"payload"`
}

// Store reads and writes one schema-versioned state file.
type Store[T any] struct {
	path    string
	version int
	// validate rejects structurally-valid JSON that is semantically
	// impossible (negative counters, posteriors below the prior floor).
	validate func(*T) error
}

// NewStore creates a store for path at the given schema version. validate
// may be nil.
func NewStore[T any](path string, version int, validate func(*T) error) *Store[T] {
	return &Store[T]{path: path, version: version, validate: validate}
}

// Path returns the backing file path.
func (s *Store[T]) Path() string { return s.path }

// Save writes v atomically.
func (s *Store[T]) Save(v *T) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal state payload: %w", err)
	}
	return atomicio.WriteJSON(s.path, envelope{
		SchemaVersion: s.version,
		Payload:       payload,
	})
}

// LoadOrReset loads the state file into out. A missing file leaves out at
// its zero value and returns false. A corrupt or wrong-version file is
// logged, renamed aside for post-mortem, and treated as missing; the
// returned error is a CorruptStateError the caller may inspect but must not
// treat as fatal.
func (s *Store[T]) LoadOrReset(out *T) (loaded bool, err error) {
	data, readErr := os.ReadFile(s.path)
	if readErr != nil {
		if os.IsNotExist(readErr) {
			return false, nil
		}
		return false, s.quarantine(fmt.Sprintf("read failed: %v", readErr))
	}

	var env envelope
	if jsonErr := json.Unmarshal(data, &env); jsonErr != nil {
		return false, s.quarantine(fmt.Sprintf("invalid JSON: %v", jsonErr))
	}
	if env.SchemaVersion != s.version {
		return false, s.quarantine(fmt.Sprintf("schema version %d, want %d", env.SchemaVersion, s.version))
	}
	if jsonErr := json.Unmarshal(env.Payload, out); jsonErr != nil {
		return false, s.quarantine(fmt.Sprintf("invalid payload: %v", jsonErr))
	}
	if s.validate != nil {
		if vErr := s.validate(out); vErr != nil {
			var zero T
			*out = zero
			return false, s.quarantine(fmt.Sprintf("validation failed: %v", vErr))
		}
	}
	return true, nil
}

func (s *Store[T]) quarantine(reason string) error {
	corrupt := &errs.CorruptStateError{Path: s.path, Reason: reason}
	log.Error().Str("path", s.path).Str("reason", reason).
		Msg("state file corrupt, resetting to empty default")
	// Keep the bad file next to the good one instead of deleting evidence.
	_ = os.Rename(s.path, s.path+".corrupt")
	return corrupt
}
