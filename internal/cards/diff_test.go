package cards

import (
	"errors"
	"reflect"
	"sort"
	"testing"
	"time"
)

func mustGenerateDiff(t *testing.T, underlying, updated Card, opts DiffOptions) *CardDiff {
	t.Helper()
	diff, err := GenerateCardDiff(underlying, updated, opts)
	if err != nil {
		t.Fatalf("generate diff: %v", err)
	}
	return diff
}

func mustApply(t *testing.T, base Card, patch StoragePatch) Card {
	t.Helper()
	applied, err := ApplyStoragePatch(base, patch, true, time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("apply patch: %v", err)
	}
	return applied
}

func sortedCopy(values []string) []string {
	out := append([]string(nil), values...)
	sort.Strings(out)
	return out
}

func TestGenerateCardDiffEmptyForIdenticalCards(t *testing.T) {
	card := Card{ID: "card-1", Title: "Same", Tags: []string{"a"}}
	diff := mustGenerateDiff(t, card, card.Clone(), DiffOptions{})
	if diff.HasChanges() {
		t.Fatalf("expected empty diff, got fields %v", diff.ChangedFields())
	}
	patch := ApplyCardDiff(card, diff)
	if len(patch) != 0 {
		t.Fatalf("empty diff must produce an empty patch, got %v", patch)
	}
}

func TestDiffRoundTripReproducesUpdatedCard(t *testing.T) {
	underlying := Card{
		ID:        "card-1",
		Title:     "Old title",
		Body:      "Old body",
		Section:   "intro",
		SortOrder: 5,
		Tags:      []string{"keep", "drop"},
		Permissions: map[PermissionType][]string{
			PermissionTypeEditCard: {"google:u1"},
		},
		AutoTodoOverrides: map[string]bool{"stale": true, "flip": true},
		FontSizeBoost:     map[string]int{"title": 1},
	}
	underlying.SetCardReference("card-old", ReferenceTypeLink, "")

	updated := underlying.Clone()
	updated.Title = "New title"
	updated.Body = "New body"
	updated.Section = "appendix"
	updated.SortOrder = 7
	updated.Published = true
	updated.Tags = []string{"keep", "new"}
	updated.Permissions[PermissionTypeEditCard] = []string{"google:u1", "google:u2"}
	updated.AutoTodoOverrides = map[string]bool{"flip": false, "fresh": true}
	updated.FontSizeBoost = map[string]int{"title": 3}
	updated.Images = []ImageBlock{{Src: "pic.png", Width: 100}}
	updated.RemoveCardReference("card-old", ReferenceTypeLink)
	updated.SetCardReference("card-new", ReferenceTypeSeeAlso, "context")

	diff := mustGenerateDiff(t, underlying, updated, DiffOptions{})
	patch := ApplyCardDiff(underlying, diff)
	applied := mustApply(t, underlying, patch)

	if applied.Title != updated.Title || applied.Body != updated.Body {
		t.Fatalf("text fields not reproduced: %+v", applied)
	}
	if applied.Section != "appendix" || applied.SortOrder != 7 || !applied.Published {
		t.Fatalf("scalar fields not reproduced: %+v", applied)
	}
	if !reflect.DeepEqual(sortedCopy(applied.Tags), sortedCopy(updated.Tags)) {
		t.Fatalf("tags not reproduced: %v", applied.Tags)
	}
	if !reflect.DeepEqual(sortedCopy(applied.Permissions[PermissionTypeEditCard]), sortedCopy(updated.Permissions[PermissionTypeEditCard])) {
		t.Fatalf("editors not reproduced: %v", applied.Permissions)
	}
	if !reflect.DeepEqual(applied.AutoTodoOverrides, updated.AutoTodoOverrides) {
		t.Fatalf("auto todo overrides not reproduced: %v", applied.AutoTodoOverrides)
	}
	if !reflect.DeepEqual(applied.FontSizeBoost, updated.FontSizeBoost) {
		t.Fatalf("font size boost not reproduced: %v", applied.FontSizeBoost)
	}
	if !reflect.DeepEqual(applied.Images, updated.Images) {
		t.Fatalf("images not reproduced: %v", applied.Images)
	}
	if !ReferencesEquivalent(applied, updated) {
		t.Fatalf("references not reproduced: %v", applied.ReferencesInfo)
	}
	if applied.UpdatedSeconds == 0 || applied.UpdatedSubstantive == 0 {
		t.Fatal("expected server timestamps to be resolved")
	}

	// The regenerated diff against the applied card must be empty: applying a
	// diff twice is a no-op.
	second := mustGenerateDiff(t, applied, updated, DiffOptions{})
	if second.HasChanges() {
		t.Fatalf("expected idempotent application, residual fields %v", second.ChangedFields())
	}
}

func TestDiffMarksSubstantiveOnlyForContentFields(t *testing.T) {
	underlying := Card{ID: "card-1", Title: "T", SortOrder: 1}

	reordered := underlying.Clone()
	reordered.SortOrder = 2
	patch := ApplyCardDiff(underlying, mustGenerateDiff(t, underlying, reordered, DiffOptions{}))
	if !patch["updated"].IsServerTimestamp() {
		t.Fatal("every change must touch the updated timestamp")
	}
	if _, ok := patch["updated_substantive"]; ok {
		t.Fatal("sort order change must not be substantive")
	}

	retitled := underlying.Clone()
	retitled.Title = "T2"
	patch = ApplyCardDiff(underlying, mustGenerateDiff(t, underlying, retitled, DiffOptions{}))
	if !patch["updated_substantive"].IsServerTimestamp() {
		t.Fatal("title change must be substantive")
	}
}

func TestGenerateCardDiffNormalizesRichTextOnRequest(t *testing.T) {
	underlying := Card{Title: "<b>bold</b>  text"}
	updated := Card{Title: "<b>bold</b> text"}

	plain := mustGenerateDiff(t, underlying, updated, DiffOptions{})
	if plain.Title == nil {
		t.Fatal("expected raw comparison to detect whitespace difference")
	}

	normalized := mustGenerateDiff(t, underlying, updated, DiffOptions{NormalizeHTML: true, Normalizer: NormalizeHTML})
	if normalized.Title != nil {
		t.Fatal("expected normalized comparison to treat values as equal")
	}

	_, err := GenerateCardDiff(Card{Title: "<broken"}, Card{}, DiffOptions{NormalizeHTML: true, Normalizer: NormalizeHTML})
	if !errors.Is(err, ErrNormalizeHTML) {
		t.Fatalf("expected normalization failure to be wrapped, got %v", err)
	}
}

func TestTriStateMapDiffPartitionsEveryChangedKey(t *testing.T) {
	before := map[string]bool{"keep": true, "disable": true, "remove": false, "same": false}
	after := map[string]bool{"keep": true, "disable": false, "enable": true, "same": false}

	enabled, disabled, removed := TriStateMapDiff(before, after)
	if !reflect.DeepEqual(enabled, []string{"enable"}) {
		t.Fatalf("unexpected enabled %v", enabled)
	}
	if !reflect.DeepEqual(disabled, []string{"disable"}) {
		t.Fatalf("unexpected disabled %v", disabled)
	}
	if !reflect.DeepEqual(removed, []string{"remove"}) {
		t.Fatalf("unexpected removed %v", removed)
	}

	// Replaying the triple onto before must reproduce after.
	replayed := map[string]bool{}
	for key, value := range before {
		replayed[key] = value
	}
	for _, key := range enabled {
		replayed[key] = true
	}
	for _, key := range disabled {
		replayed[key] = false
	}
	for _, key := range removed {
		delete(replayed, key)
	}
	if !reflect.DeepEqual(replayed, after) {
		t.Fatalf("replay mismatch: %v vs %v", replayed, after)
	}
}

type stubCapabilities struct {
	sections map[string]bool
	tags     map[string]bool
}

func (s stubCapabilities) MayEditSection(sectionID string) bool { return s.sections[sectionID] }
func (s stubCapabilities) MayEditTag(tagID string) bool         { return s.tags[tagID] }

func TestValidateCardDiffSectionPermissions(t *testing.T) {
	underlying := Card{ID: "card-1", CardType: CardTypeContent, Section: "intro"}
	moved := underlying.Clone()
	moved.Section = "appendix"
	diff := mustGenerateDiff(t, underlying, moved, DiffOptions{})

	state := ValidationState{
		Cards:        map[string]Card{"card-1": underlying},
		Capabilities: stubCapabilities{sections: map[string]bool{"intro": true, "appendix": true}},
	}
	sectionChanged, err := ValidateCardDiff(state, underlying, diff)
	if err != nil {
		t.Fatalf("expected legal move, got %v", err)
	}
	if !sectionChanged {
		t.Fatal("expected section change to be reported")
	}

	state.Capabilities = stubCapabilities{sections: map[string]bool{"intro": true}}
	_, err = ValidateCardDiff(state, underlying, diff)
	var illegal *IllegalDiffError
	if !errors.As(err, &illegal) {
		t.Fatalf("expected illegal diff error, got %v", err)
	}
}

func TestValidateCardDiffTagPermissions(t *testing.T) {
	underlying := Card{ID: "card-1", CardType: CardTypeContent, Section: "intro", Tags: []string{"open"}}
	retagged := underlying.Clone()
	retagged.Tags = []string{"open", "locked"}
	diff := mustGenerateDiff(t, underlying, retagged, DiffOptions{})

	state := ValidationState{
		Cards:        map[string]Card{"card-1": underlying},
		Capabilities: stubCapabilities{tags: map[string]bool{"open": true}},
	}
	_, err := ValidateCardDiff(state, underlying, diff)
	var illegal *IllegalDiffError
	if !errors.As(err, &illegal) {
		t.Fatalf("expected illegal diff error for locked tag, got %v", err)
	}
}

func TestValidateCardDiffCardTypeTransition(t *testing.T) {
	concept := Card{ID: "card-concept", CardType: CardTypeConcept}
	other := Card{ID: "card-other", CardType: CardTypeConcept}
	concept.SetCardReference("card-other", ReferenceTypeSynonym, "")

	state := ValidationState{Cards: map[string]Card{
		"card-concept": concept,
		"card-other":   other,
	}}

	// Retyping a concept that still holds synonym references is illegal: the
	// synonym type may only originate from concept cards.
	newType := CardTypeContent
	section := "intro"
	diff := &CardDiff{CardType: &newType, Section: &section}
	_, err := ValidateCardDiff(state, concept, diff)
	var illegal *IllegalDiffError
	if !errors.As(err, &illegal) {
		t.Fatalf("expected illegal transition, got %v", err)
	}

	unknown := CardType("mystery")
	_, err = ValidateCardDiff(state, Card{ID: "card-x", CardType: CardTypeContent, Section: "intro"}, &CardDiff{CardType: &unknown})
	if !errors.As(err, &illegal) {
		t.Fatalf("expected illegal card type, got %v", err)
	}
}

func TestValidateCardDiffSectionRequiredForAnchoredTypes(t *testing.T) {
	working := Card{ID: "card-w", CardType: CardTypeWorkingNotes}
	newType := CardTypeContent
	diff := &CardDiff{CardType: &newType}
	state := ValidationState{Cards: map[string]Card{"card-w": working}}

	_, err := ValidateCardDiff(state, working, diff)
	var illegal *IllegalDiffError
	if !errors.As(err, &illegal) {
		t.Fatalf("expected section requirement to fail the transition, got %v", err)
	}
}

func TestOvershadowedDiffChanges(t *testing.T) {
	original := Card{ID: "card-1", Title: "Base", Body: "Base body", SortOrder: 1}

	// Another editor changed title and body since this session loaded.
	snapshot := original.Clone()
	snapshot.Title = "Remote title"
	snapshot.Body = "Remote body"

	// The live edit also touches the title, plus a mergeable field.
	current := snapshot.Clone()
	current.Title = "Local title"
	current.SortOrder = 2

	conflicts := OvershadowedDiffChanges(original, snapshot, current)
	if !reflect.DeepEqual(conflicts, []string{FieldTitle}) {
		t.Fatalf("expected title conflict only, got %v", conflicts)
	}

	// Without concurrent remote changes there is nothing to surface.
	if got := OvershadowedDiffChanges(original, original, current); len(got) != 0 {
		t.Fatalf("expected no conflicts, got %v", got)
	}
}

func TestApplyCardDiffFontSizeBoostDeletesStaleKeys(t *testing.T) {
	underlying := Card{ID: "card-1", FontSizeBoost: map[string]int{"title": 2, "subtitle": 1}}
	updated := underlying.Clone()
	updated.FontSizeBoost = map[string]int{"title": 3}

	patch := ApplyCardDiff(underlying, mustGenerateDiff(t, underlying, updated, DiffOptions{}))
	if !patch["font_size_boost.subtitle"].IsDelete() {
		t.Fatalf("expected stale boost delete, got %v", patch)
	}
	if patch["font_size_boost.title"].Value() != 3 {
		t.Fatalf("expected title boost literal, got %v", patch["font_size_boost.title"])
	}
}

func TestApplyCardDiffDropsReferenceSentinelWithLastEntry(t *testing.T) {
	underlying := Card{ID: "card-1"}
	underlying.SetCardReference("card-a", ReferenceTypeLink, "")
	underlying.SetCardReference("card-a", ReferenceTypeSeeAlso, "why")

	// Remove only one of two types: sentinel survives.
	partial := underlying.Clone()
	partial.RemoveCardReference("card-a", ReferenceTypeLink)
	patch := ApplyCardDiff(underlying, mustGenerateDiff(t, underlying, partial, DiffOptions{}))
	if _, ok := patch["references.card-a"]; ok {
		t.Fatalf("sentinel must not be touched while entries remain: %v", patch)
	}

	// Remove both: sentinel is deleted too.
	empty := underlying.Clone()
	empty.RemoveCardReference("card-a", ReferenceTypeLink)
	empty.RemoveCardReference("card-a", ReferenceTypeSeeAlso)
	patch = ApplyCardDiff(underlying, mustGenerateDiff(t, underlying, empty, DiffOptions{}))
	if !patch["references.card-a"].IsDelete() {
		t.Fatalf("expected sentinel delete, got %v", patch)
	}
}

func TestMayNotDeleteCardReason(t *testing.T) {
	if reason := MayNotDeleteCardReason(Card{ID: "card-1"}); reason != "" {
		t.Fatalf("orphan card should be deletable, got %q", reason)
	}
	if reason := MayNotDeleteCardReason(Card{ReferencesInbound: map[string]bool{"card-2": true}}); reason == "" {
		t.Fatal("inbound references must block deletion")
	}
	if reason := MayNotDeleteCardReason(Card{Section: "intro"}); reason == "" {
		t.Fatal("section membership must block deletion")
	}
	if reason := MayNotDeleteCardReason(Card{Tags: []string{"t"}}); reason == "" {
		t.Fatal("tags must block deletion")
	}
}
