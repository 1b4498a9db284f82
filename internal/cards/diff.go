package cards

import (
	"errors"
	"fmt"
	"sort"
)

// Diff field names, used for the three-way merge partition and for reporting
// which fields a diff touches.
const (
	FieldTitle             = "title"
	FieldSubtitle          = "subtitle"
	FieldBody              = "body"
	FieldNotes             = "notes"
	FieldTodo              = "todo"
	FieldSection           = "section"
	FieldName              = "name"
	FieldFullBleed         = "full_bleed"
	FieldPublished         = "published"
	FieldSortOrder         = "sort_order"
	FieldCardType          = "card_type"
	FieldImages            = "images"
	FieldFontSizeBoost     = "font_size_boost"
	FieldReferences        = "references"
	FieldTags              = "tags"
	FieldEditors           = "editors"
	FieldCollaborators     = "collaborators"
	FieldAutoTodoOverrides = "auto_todo_overrides"
)

// nonAutoMergeableFields are free text and images: fields whose concurrent
// edits cannot be merged structurally and must be surfaced to the user.
// Everything else merges automatically.
var nonAutoMergeableFields = map[string]bool{
	FieldTitle:    true,
	FieldSubtitle: true,
	FieldBody:     true,
	FieldNotes:    true,
	FieldTodo:     true,
	FieldImages:   true,
}

var (
	// ErrNormalizeHTML wraps failures from the HTML normalization hook.
	ErrNormalizeHTML = errors.New("cards: html normalization failed")
)

// IllegalDiffError reports a diff that violates permission or legality rules.
// The reason is human readable and surfaced to the user as a blocking error.
type IllegalDiffError struct {
	Reason string
}

func (e *IllegalDiffError) Error() string {
	return "illegal card diff: " + e.Reason
}

// HTMLNormalizer canonicalizes rich text before comparison. It may fail on
// malformed markup.
type HTMLNormalizer func(html string) (string, error)

// DiffOptions controls diff generation. NormalizeHTML is off by default: the
// editor already normalizes at the appropriate times and double-normalizing
// is wasteful and lossy.
type DiffOptions struct {
	NormalizeHTML bool
	Normalizer    HTMLNormalizer
}

// CardDiff is a sparse structural diff between two card states. Only fields
// present (non-nil pointers, non-nil slices, raised flags) are touched when
// the diff is applied; the zero value is the identity operation.
type CardDiff struct {
	Title                *string
	Subtitle             *string
	Body                 *string
	Notes                *string
	Todo                 *string
	Section              *string
	Name                 *string
	FullBleed            *bool
	Published            *bool
	SortOrder            *float64
	CardType             *CardType
	Images               []ImageBlock
	ImagesChanged        bool
	FontSizeBoost        map[string]int
	FontSizeBoostChanged bool
	ReferencesDiff       ReferencesEntriesDiff
	AddTags              []string
	RemoveTags           []string
	AddEditors           []string
	RemoveEditors        []string
	AddCollaborators     []string
	RemoveCollaborators  []string
	AutoTodoEnablements  []string
	AutoTodoDisablements []string
	AutoTodoRemovals     []string
}

// HasChanges reports whether the diff touches at least one field.
func (d *CardDiff) HasChanges() bool {
	return d != nil && len(d.ChangedFields()) > 0
}

// ChangedFields returns the names of every field the diff touches, sorted.
func (d *CardDiff) ChangedFields() []string {
	if d == nil {
		return nil
	}
	var fields []string
	appendIf := func(condition bool, field string) {
		if condition {
			fields = append(fields, field)
		}
	}
	appendIf(d.Title != nil, FieldTitle)
	appendIf(d.Subtitle != nil, FieldSubtitle)
	appendIf(d.Body != nil, FieldBody)
	appendIf(d.Notes != nil, FieldNotes)
	appendIf(d.Todo != nil, FieldTodo)
	appendIf(d.Section != nil, FieldSection)
	appendIf(d.Name != nil, FieldName)
	appendIf(d.FullBleed != nil, FieldFullBleed)
	appendIf(d.Published != nil, FieldPublished)
	appendIf(d.SortOrder != nil, FieldSortOrder)
	appendIf(d.CardType != nil, FieldCardType)
	appendIf(d.ImagesChanged, FieldImages)
	appendIf(d.FontSizeBoostChanged, FieldFontSizeBoost)
	appendIf(len(d.ReferencesDiff) > 0, FieldReferences)
	appendIf(len(d.AddTags) > 0 || len(d.RemoveTags) > 0, FieldTags)
	appendIf(len(d.AddEditors) > 0 || len(d.RemoveEditors) > 0, FieldEditors)
	appendIf(len(d.AddCollaborators) > 0 || len(d.RemoveCollaborators) > 0, FieldCollaborators)
	appendIf(len(d.AutoTodoEnablements) > 0 || len(d.AutoTodoDisablements) > 0 || len(d.AutoTodoRemovals) > 0, FieldAutoTodoOverrides)
	sort.Strings(fields)
	return fields
}

// GenerateCardDiff computes the minimal structural diff that transforms
// underlying into updated. Rich text fields run through the HTML normalizer
// only when opts requests it; normalization failures abort with a wrapped
// error and are never silently dropped.
func GenerateCardDiff(underlying, updated Card, opts DiffOptions) (*CardDiff, error) {
	diff := &CardDiff{}

	richTextFields := []struct {
		target     **string
		underlying string
		updated    string
	}{
		{&diff.Title, underlying.Title, updated.Title},
		{&diff.Subtitle, underlying.Subtitle, updated.Subtitle},
		{&diff.Body, underlying.Body, updated.Body},
	}
	for _, field := range richTextFields {
		underlyingValue := field.underlying
		updatedValue := field.updated
		if opts.NormalizeHTML && opts.Normalizer != nil {
			var err error
			underlyingValue, err = opts.Normalizer(underlyingValue)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrNormalizeHTML, err)
			}
			updatedValue, err = opts.Normalizer(updatedValue)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrNormalizeHTML, err)
			}
		}
		if underlyingValue != updatedValue {
			value := updatedValue
			*field.target = &value
		}
	}

	if underlying.Notes != updated.Notes {
		diff.Notes = pointerToValue(updated.Notes)
	}
	if underlying.Todo != updated.Todo {
		diff.Todo = pointerToValue(updated.Todo)
	}
	if underlying.Section != updated.Section {
		diff.Section = pointerToValue(updated.Section)
	}
	if underlying.Name != updated.Name {
		diff.Name = pointerToValue(updated.Name)
	}
	if underlying.FullBleed != updated.FullBleed {
		diff.FullBleed = pointerToValue(updated.FullBleed)
	}
	if underlying.Published != updated.Published {
		diff.Published = pointerToValue(updated.Published)
	}
	if underlying.SortOrder != updated.SortOrder {
		diff.SortOrder = pointerToValue(updated.SortOrder)
	}
	if underlying.CardType != updated.CardType {
		diff.CardType = pointerToValue(updated.CardType)
	}

	// Images are replace-wholesale on any difference. Partial image-array
	// diffing is a deliberate simplification.
	if !imagesEqual(underlying.Images, updated.Images) {
		diff.Images = append([]ImageBlock(nil), updated.Images...)
		diff.ImagesChanged = true
	}

	if !fontSizeBoostEqual(underlying.FontSizeBoost, updated.FontSizeBoost) {
		diff.FontSizeBoost = make(map[string]int, len(updated.FontSizeBoost))
		for field, boost := range updated.FontSizeBoost {
			diff.FontSizeBoost[field] = boost
		}
		diff.FontSizeBoostChanged = true
	}

	diff.AddTags, diff.RemoveTags = arrayDiff(underlying.Tags, updated.Tags)
	diff.AddEditors, diff.RemoveEditors = arrayDiff(
		underlying.Permissions[PermissionTypeEditCard],
		updated.Permissions[PermissionTypeEditCard])
	diff.AddCollaborators, diff.RemoveCollaborators = arrayDiff(underlying.Collaborators, updated.Collaborators)

	diff.AutoTodoEnablements, diff.AutoTodoDisablements, diff.AutoTodoRemovals =
		TriStateMapDiff(underlying.AutoTodoOverrides, updated.AutoTodoOverrides)

	if !ReferencesEquivalent(underlying, updated) {
		diff.ReferencesDiff = GenerateReferencesEntriesDiff(underlying, updated)
	}

	return diff, nil
}

// TriStateMapDiff diffs two presence-keyed boolean maps into three disjoint
// arrays: keys newly true, keys newly false, and keys removed entirely. Every
// key in the union of both maps that differs lands in exactly one array, and
// applying the triple back to before reproduces after.
func TriStateMapDiff(before, after map[string]bool) (enabled, disabled, removed []string) {
	for key, afterValue := range after {
		beforeValue, existedBefore := before[key]
		if existedBefore && beforeValue == afterValue {
			continue
		}
		if afterValue {
			enabled = append(enabled, key)
		} else {
			disabled = append(disabled, key)
		}
	}
	for key := range before {
		if _, stillPresent := after[key]; !stillPresent {
			removed = append(removed, key)
		}
	}
	sort.Strings(enabled)
	sort.Strings(disabled)
	sort.Strings(removed)
	return enabled, disabled, removed
}

func arrayDiff(before, after []string) (added, removed []string) {
	beforeSet := make(map[string]bool, len(before))
	for _, item := range before {
		beforeSet[item] = true
	}
	afterSet := make(map[string]bool, len(after))
	for _, item := range after {
		afterSet[item] = true
	}
	for item := range afterSet {
		if !beforeSet[item] {
			added = append(added, item)
		}
	}
	for item := range beforeSet {
		if !afterSet[item] {
			removed = append(removed, item)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

func imagesEqual(left, right []ImageBlock) bool {
	if len(left) != len(right) {
		return false
	}
	for i := range left {
		if left[i] != right[i] {
			return false
		}
	}
	return true
}

func fontSizeBoostEqual(left, right map[string]int) bool {
	if len(left) != len(right) {
		return false
	}
	for field, boost := range left {
		other, ok := right[field]
		if !ok || other != boost {
			return false
		}
	}
	return true
}

func pointerToValue[T any](value T) *T {
	return &value
}

// ApplyCardDiff produces the sparse storage patch reflecting exactly the
// diff's effect on the underlying card. It performs no legality checks;
// callers validate first. The update timestamp is always marked; the
// substantive timestamp is marked only when content fields change.
func ApplyCardDiff(underlying Card, diff *CardDiff) StoragePatch {
	patch := StoragePatch{}
	if diff == nil {
		return patch
	}

	setScalar := func(field string, value any, present bool) {
		if present {
			patch[field] = Literal(value)
		}
	}
	setScalar(FieldTitle, deref(diff.Title), diff.Title != nil)
	setScalar(FieldSubtitle, deref(diff.Subtitle), diff.Subtitle != nil)
	setScalar(FieldBody, deref(diff.Body), diff.Body != nil)
	setScalar(FieldNotes, deref(diff.Notes), diff.Notes != nil)
	setScalar(FieldTodo, deref(diff.Todo), diff.Todo != nil)
	setScalar(FieldSection, deref(diff.Section), diff.Section != nil)
	setScalar(FieldName, deref(diff.Name), diff.Name != nil)
	setScalar(FieldFullBleed, deref(diff.FullBleed), diff.FullBleed != nil)
	setScalar(FieldPublished, deref(diff.Published), diff.Published != nil)
	setScalar(FieldSortOrder, deref(diff.SortOrder), diff.SortOrder != nil)
	setScalar(FieldCardType, deref(diff.CardType), diff.CardType != nil)

	if diff.ImagesChanged {
		patch[FieldImages] = Literal(append([]ImageBlock(nil), diff.Images...))
	}

	if diff.FontSizeBoostChanged {
		for field := range underlying.FontSizeBoost {
			if _, kept := diff.FontSizeBoost[field]; !kept {
				patch["font_size_boost."+field] = DeleteField()
			}
		}
		for field, boost := range diff.FontSizeBoost {
			if existing, ok := underlying.FontSizeBoost[field]; !ok || existing != boost {
				patch["font_size_boost."+field] = Literal(boost)
			}
		}
	}

	if len(diff.AddTags) > 0 || len(diff.RemoveTags) > 0 {
		patch[FieldTags] = Literal(applyArrayDiff(underlying.Tags, diff.AddTags, diff.RemoveTags))
	}
	if len(diff.AddEditors) > 0 || len(diff.RemoveEditors) > 0 {
		editors := applyArrayDiff(underlying.Permissions[PermissionTypeEditCard], diff.AddEditors, diff.RemoveEditors)
		patch["permissions."+string(PermissionTypeEditCard)] = Literal(editors)
	}
	if len(diff.AddCollaborators) > 0 || len(diff.RemoveCollaborators) > 0 {
		patch[FieldCollaborators] = Literal(applyArrayDiff(underlying.Collaborators, diff.AddCollaborators, diff.RemoveCollaborators))
	}

	for _, key := range diff.AutoTodoEnablements {
		patch["auto_todo_overrides."+key] = Literal(true)
	}
	for _, key := range diff.AutoTodoDisablements {
		patch["auto_todo_overrides."+key] = Literal(false)
	}
	for _, key := range diff.AutoTodoRemovals {
		patch["auto_todo_overrides."+key] = DeleteField()
	}

	if len(diff.ReferencesDiff) > 0 {
		applyReferencesToPatch(underlying, diff.ReferencesDiff, patch)
	}

	if diff.HasChanges() {
		patch["updated"] = ServerTimestamp()
		if touchesSubstantiveField(diff) {
			patch["updated_substantive"] = ServerTimestamp()
		}
	}
	return patch
}

func applyReferencesToPatch(underlying Card, entriesDiff ReferencesEntriesDiff, patch StoragePatch) {
	// Simulate the final reference state to decide which boolean sentinel
	// entries survive.
	simulated := underlying.Clone()
	simulated.ApplyEntriesDiff(entriesDiff)
	for _, entry := range entriesDiff {
		infoPath := "references_info." + entry.CardID + "." + string(entry.RefType)
		switch entry.Op {
		case ReferenceEntrySet:
			patch[infoPath] = Literal(entry.Value)
			patch["references."+entry.CardID] = Literal(true)
		case ReferenceEntryDelete:
			patch[infoPath] = DeleteField()
			if _, stillReferenced := simulated.ReferencesInfo[entry.CardID]; !stillReferenced {
				patch["references."+entry.CardID] = DeleteField()
			}
		}
	}
}

func touchesSubstantiveField(diff *CardDiff) bool {
	for _, field := range diff.ChangedFields() {
		if nonAutoMergeableFields[field] || field == FieldReferences {
			return true
		}
	}
	return false
}

func applyArrayDiff(base, add, remove []string) []string {
	removeSet := make(map[string]bool, len(remove))
	for _, item := range remove {
		removeSet[item] = true
	}
	present := make(map[string]bool, len(base))
	result := make([]string, 0, len(base)+len(add))
	for _, item := range base {
		if removeSet[item] {
			continue
		}
		present[item] = true
		result = append(result, item)
	}
	for _, item := range add {
		if present[item] {
			continue
		}
		present[item] = true
		result = append(result, item)
	}
	return result
}

func deref[T any](pointer *T) T {
	if pointer == nil {
		var zero T
		return zero
	}
	return *pointer
}

// Capabilities are the boolean permission predicates consumed by validation.
// Permission-bit storage itself lives behind this interface.
type Capabilities interface {
	MayEditSection(sectionID string) bool
	MayEditTag(tagID string) bool
}

// ValidationState is the snapshot of surrounding state a diff is validated
// against.
type ValidationState struct {
	Cards        map[string]Card
	Capabilities Capabilities
}

// ValidateCardDiff checks the diff against reference legality, card-type
// transition rules, and the caller's section and tag permissions. It returns
// whether the section changed, for callers that need to re-route, and an
// IllegalDiffError when the diff may not be applied. Generation, validation,
// and application must run in that order for any single card mutation.
func ValidateCardDiff(state ValidationState, underlying Card, diff *CardDiff) (sectionChanged bool, err error) {
	if diff == nil {
		return false, nil
	}

	if len(diff.ReferencesDiff) > 0 {
		if reason := MayNotApplyEntriesDiffReason(state.Cards, underlying, diff.ReferencesDiff); reason != "" {
			return false, &IllegalDiffError{Reason: reason}
		}
	}

	if diff.CardType != nil && *diff.CardType != underlying.CardType {
		newType := *diff.CardType
		if !legalCardTypes[newType] {
			return false, &IllegalDiffError{Reason: fmt.Sprintf("%s is not a legal card type", newType)}
		}
		retyped := underlying.Clone()
		retyped.CardType = newType
		if diff.Section != nil {
			retyped.Section = *diff.Section
		}
		if retyped.Section == "" && !orphanedCardTypes[newType] {
			return false, &IllegalDiffError{Reason: fmt.Sprintf("card type %s requires a section", newType)}
		}
		for _, entries := range retyped.ReferencesInfo {
			for refType := range entries {
				properties := referenceTypes[refType]
				if len(properties.fromCardTypeAllowList) > 0 && !properties.fromCardTypeAllowList[newType] {
					return false, &IllegalDiffError{
						Reason: fmt.Sprintf("existing %s reference is illegal from a %s card", refType, newType),
					}
				}
			}
		}
		for inboundID := range underlying.ReferencesInbound {
			inboundCard, ok := state.Cards[inboundID]
			if !ok {
				continue
			}
			for refType := range inboundCard.ReferencesInfo[underlying.ID] {
				properties := referenceTypes[refType]
				if len(properties.toCardTypeAllowList) > 0 && !properties.toCardTypeAllowList[newType] {
					return false, &IllegalDiffError{
						Reason: fmt.Sprintf("inbound %s reference from %s is illegal to a %s card", refType, inboundID, newType),
					}
				}
			}
		}
	}

	capabilities := state.Capabilities
	if diff.Section != nil && *diff.Section != underlying.Section {
		sectionChanged = true
		if capabilities != nil {
			if underlying.Section != "" && !capabilities.MayEditSection(underlying.Section) {
				return false, &IllegalDiffError{Reason: fmt.Sprintf("not allowed to remove cards from section %s", underlying.Section)}
			}
			if *diff.Section != "" && !capabilities.MayEditSection(*diff.Section) {
				return false, &IllegalDiffError{Reason: fmt.Sprintf("not allowed to add cards to section %s", *diff.Section)}
			}
		}
	}

	if capabilities != nil {
		for _, tag := range append(append([]string(nil), diff.AddTags...), diff.RemoveTags...) {
			if !capabilities.MayEditTag(tag) {
				return false, &IllegalDiffError{Reason: fmt.Sprintf("not allowed to edit tag %s", tag)}
			}
		}
	}

	return sectionChanged, nil
}

// OvershadowedDiffChanges performs three-way merge detection. Given the card
// as originally loaded, as last synced, and as currently being edited, it
// returns the non-auto-mergeable fields that are part of the live edit and
// were also changed concurrently between original and snapshot. These are the
// fields that must be surfaced for manual resolution before commit.
func OvershadowedDiffChanges(original, snapshot, current Card) []string {
	liveDiff, _ := GenerateCardDiff(snapshot, current, DiffOptions{})
	remoteDiff, _ := GenerateCardDiff(original, snapshot, DiffOptions{})

	remoteFields := make(map[string]bool)
	for _, field := range remoteDiff.ChangedFields() {
		remoteFields[field] = true
	}

	var conflicts []string
	for _, field := range liveDiff.ChangedFields() {
		if nonAutoMergeableFields[field] && remoteFields[field] {
			conflicts = append(conflicts, field)
		}
	}
	sort.Strings(conflicts)
	return conflicts
}

// MayNotDeleteCardReason returns a human-readable reason the card may not be
// deleted, or the empty string. Call sites decide whether to show UI or hard
// block.
func MayNotDeleteCardReason(card Card) string {
	if len(card.ReferencesInbound) > 0 {
		return fmt.Sprintf("%d other cards still reference this one", len(card.ReferencesInbound))
	}
	if card.Section != "" {
		return "card still belongs to a section"
	}
	if len(card.Tags) > 0 {
		return "card still has tags"
	}
	return ""
}
