package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

var (
	// ErrSchemaLoad means the schema backing store could not be read. The
	// registry recovers by serving its cache or the embedded default.
	ErrSchemaLoad = eris.New("schema load failed")

	// ErrPromotionConflict means another writer published a schema version
	// first. Callers re-read the latest version and retry.
	ErrPromotionConflict = eris.New("schema publication conflict")

	// ErrJobPermanent marks an analyzer failure that must not be retried.
	// The job moves straight to the dead-letter state.
	ErrJobPermanent = eris.New("permanent job failure")

	// ErrNotFound is returned by stores for unknown ids.
	ErrNotFound = eris.New("not found")
)

// ValidationError describes a record that does not fit a schema.
type ValidationError struct {
	SchemaVersion   string
	UnknownFields   []string
	MissingRequired []string
	InvalidFields   map[string]string
	Reason          string
}

func (e *ValidationError) Error() string {
	var parts []string
	if e.Reason != "" {
		parts = append(parts, e.Reason)
	}
	if len(e.UnknownFields) > 0 {
		parts = append(parts, "unknown fields: "+strings.Join(e.UnknownFields, ", "))
	}
	if len(e.MissingRequired) > 0 {
		parts = append(parts, "missing required: "+strings.Join(e.MissingRequired, ", "))
	}
	for _, k := range sortedKeys(e.InvalidFields) {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.InvalidFields[k]))
	}
	return fmt.Sprintf("validation against schema %s failed: %s", e.SchemaVersion, strings.Join(parts, "; "))
}

// ExtractionError means the text-to-record step produced nothing usable.
// The consistency loop treats it as a failed, retryable iteration.
type ExtractionError struct {
	Source string
	Err    error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s record: %v", e.Source, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// ProviderError wraps a failure of an external text, image or describer
// provider.
type ProviderError struct {
	Provider string
	Op       string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsExtractionError reports whether err carries an ExtractionError.
func IsExtractionError(err error) bool {
	var ee *ExtractionError
	return errors.As(err, &ee)
}

// IsValidationError reports whether err carries a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
