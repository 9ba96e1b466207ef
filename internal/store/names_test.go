package store_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/hyperengineering/strata/internal/store"
)

func TestValidateInstanceID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"simple", "my-app", false},
		{"with numbers", "app-123", false},
		{"single char", "a", false},
		{"multi-segment", "org/team/app", false},
		{"max segments (4)", "a/b/c/d", false},

		{"empty", "", true},
		{"uppercase", "My-App", true},
		{"leading hyphen", "-app", true},
		{"trailing hyphen", "app-", true},
		{"consecutive hyphens", "my--app", true},
		{"underscore", "my_app", true},
		{"too many segments (5)", "a/b/c/d/e", true},
		{"empty segment", "org//team", true},
		{"too long", strings.Repeat("a/", 64) + "a", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.ValidateInstanceID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateInstanceID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
			if tt.wantErr && err != nil && !errors.Is(err, store.ErrInvalidInstanceID) {
				t.Errorf("ValidateInstanceID(%q) error = %v, want ErrInvalidInstanceID", tt.id, err)
			}
		})
	}
}

func TestValidateCollection(t *testing.T) {
	valid := []string{"books", "Books", "user.profiles", "a-b_c", "9lives"}
	for _, name := range valid {
		if err := store.ValidateCollection(name); err != nil {
			t.Errorf("ValidateCollection(%q) unexpected error: %v", name, err)
		}
	}

	invalid := []string{"", "_system", "has space", "slash/name", strings.Repeat("x", 129)}
	for _, name := range invalid {
		if err := store.ValidateCollection(name); !errors.Is(err, store.ErrInvalidCollection) {
			t.Errorf("ValidateCollection(%q) error = %v, want ErrInvalidCollection", name, err)
		}
	}
}

func TestValidateTag(t *testing.T) {
	valid := []string{"default", "profile_1", "Work-2"}
	for _, tag := range valid {
		if err := store.ValidateTag(tag); err != nil {
			t.Errorf("ValidateTag(%q) unexpected error: %v", tag, err)
		}
	}

	invalid := []string{"", "with space", "a.b", strings.Repeat("t", 65)}
	for _, tag := range invalid {
		if err := store.ValidateTag(tag); !errors.Is(err, store.ErrInvalidTag) {
			t.Errorf("ValidateTag(%q) error = %v, want ErrInvalidTag", tag, err)
		}
	}
}
