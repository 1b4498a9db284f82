package cards

import (
	"errors"
	"strings"
	"testing"
)

func TestNewCardIDValidation(t *testing.T) {
	if _, err := NewCardID("   "); !errors.Is(err, ErrInvalidCardID) {
		t.Fatalf("expected invalid card id error, got %v", err)
	}
	if _, err := NewCardID(strings.Repeat("x", maxIdentifierLength+1)); !errors.Is(err, ErrInvalidCardID) {
		t.Fatalf("expected invalid card id error for overlong input, got %v", err)
	}
	id, err := NewCardID("  card-1  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.String() != "card-1" {
		t.Fatalf("expected trimmed id, got %q", id.String())
	}
}

func TestNewUserIDValidation(t *testing.T) {
	if _, err := NewUserID(""); !errors.Is(err, ErrInvalidUserID) {
		t.Fatalf("expected invalid user id error, got %v", err)
	}
	id, err := NewUserID("google:user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.String() != "google:user-1" {
		t.Fatalf("unexpected id %q", id.String())
	}
}

func TestSortOrderAdjacentConvergesWithinBounds(t *testing.T) {
	order := SortOrderAdjacent(MinSortOrderValue, MaxSortOrderValue)
	if order != 0 {
		t.Fatalf("expected midpoint 0, got %f", order)
	}
	neighbor := 100.0
	current := 0.0
	for i := 0; i < 50; i++ {
		current = SortOrderAdjacent(current, neighbor)
		if current >= neighbor {
			t.Fatalf("insertion crossed its neighbor at iteration %d: %f", i, current)
		}
	}
}

func TestCloneIsDeep(t *testing.T) {
	original := Card{
		ID:   "card-1",
		Tags: []string{"a"},
		ReferencesInfo: map[string]map[ReferenceType]string{
			"card-2": {ReferenceTypeLink: ""},
		},
		References:        map[string]bool{"card-2": true},
		Permissions:       map[PermissionType][]string{PermissionTypeEditCard: {"google:u1"}},
		AutoTodoOverrides: map[string]bool{"k": true},
		FontSizeBoost:     map[string]int{"title": 2},
		Images:            []ImageBlock{{Src: "a.png"}},
	}

	clone := original.Clone()
	clone.Tags[0] = "changed"
	clone.ReferencesInfo["card-2"][ReferenceTypeLink] = "changed"
	clone.References["card-3"] = true
	clone.Permissions[PermissionTypeEditCard][0] = "changed"
	clone.AutoTodoOverrides["k"] = false
	clone.FontSizeBoost["title"] = 9
	clone.Images[0].Src = "changed.png"

	if original.Tags[0] != "a" {
		t.Fatal("tags alias the original")
	}
	if original.ReferencesInfo["card-2"][ReferenceTypeLink] != "" {
		t.Fatal("references info aliases the original")
	}
	if original.References["card-3"] {
		t.Fatal("references alias the original")
	}
	if original.Permissions[PermissionTypeEditCard][0] != "google:u1" {
		t.Fatal("permissions alias the original")
	}
	if !original.AutoTodoOverrides["k"] {
		t.Fatal("auto todo overrides alias the original")
	}
	if original.FontSizeBoost["title"] != 2 {
		t.Fatal("font size boost aliases the original")
	}
	if original.Images[0].Src != "a.png" {
		t.Fatal("images alias the original")
	}
}
