// Package store resolves and validates the names that partition local data:
// instances (one database file each), collections and tags.
package store

import (
	"errors"
	"regexp"
	"strings"
)

// Name validation errors.
var (
	// ErrInvalidInstanceID indicates the instance ID format is invalid.
	ErrInvalidInstanceID = errors.New("invalid instance ID: must be lowercase alphanumeric with hyphens, 1-4 path segments")

	// ErrInvalidCollection indicates the collection name is invalid.
	ErrInvalidCollection = errors.New("invalid collection name: letters, digits, '_', '-' and '.', not starting with '_'")

	// ErrInvalidTag indicates the tag is invalid.
	ErrInvalidTag = errors.New("invalid tag: letters, digits, '_' and '-', at most 64 characters")
)

// DefaultInstanceID is used when nothing else is configured.
const DefaultInstanceID = "default"

// DefaultTag partitions data when the caller does not choose a tag.
const DefaultTag = "default"

// instanceIDRegex validates instance ID format.
// Format: <segment>[/<segment>]*
// - 1-4 path segments separated by /
// - Segments: lowercase alphanumeric and hyphens (a-z, 0-9, -)
// - Segment length: 1-64 characters
// - No leading/trailing hyphens, no consecutive hyphens
var instanceIDRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,62}[a-z0-9])?(\/[a-z0-9]([a-z0-9-]{0,62}[a-z0-9])?){0,3}$`)

var collectionRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

var tagRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidateInstanceID validates an instance ID.
func ValidateInstanceID(id string) error {
	if id == "" || len(id) > 128 {
		return ErrInvalidInstanceID
	}
	if strings.Contains(id, "--") {
		return ErrInvalidInstanceID
	}
	if !instanceIDRegex.MatchString(id) {
		return ErrInvalidInstanceID
	}
	return nil
}

// ValidateCollection validates a collection name. Names starting with "_" are
// reserved by the backend.
func ValidateCollection(name string) error {
	if !collectionRegex.MatchString(name) {
		return ErrInvalidCollection
	}
	return nil
}

// ValidateTag validates a partition tag.
func ValidateTag(tag string) error {
	if !tagRegex.MatchString(tag) {
		return ErrInvalidTag
	}
	return nil
}
