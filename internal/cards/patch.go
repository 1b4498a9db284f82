package cards

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrUnknownPatchPath indicates a patch key that does not address any card field.
	ErrUnknownPatchPath = errors.New("cards: unknown patch path")
	// ErrInvalidPatchValue indicates a patch value of the wrong type for its path.
	ErrInvalidPatchValue = errors.New("cards: invalid patch value")
)

type patchValueKind int

const (
	patchValueLiteral patchValueKind = iota
	patchValueDelete
	patchValueServerTimestamp
)

// PatchValue is a literal value, a delete-field marker, or a server-timestamp
// marker. The engine never depends on the storage layer's concrete sentinel
// representation; an adapter translates these two semantic markers.
type PatchValue struct {
	kind  patchValueKind
	value any
}

// Literal wraps a plain value for a patch entry.
func Literal(value any) PatchValue {
	return PatchValue{kind: patchValueLiteral, value: value}
}

// DeleteField marks a patch entry for removal.
func DeleteField() PatchValue {
	return PatchValue{kind: patchValueDelete}
}

// ServerTimestamp marks a patch entry to be set to the server's current time.
func ServerTimestamp() PatchValue {
	return PatchValue{kind: patchValueServerTimestamp}
}

// IsDelete reports whether the value is the delete-field marker.
func (v PatchValue) IsDelete() bool {
	return v.kind == patchValueDelete
}

// IsServerTimestamp reports whether the value is the server-timestamp marker.
func (v PatchValue) IsServerTimestamp() bool {
	return v.kind == patchValueServerTimestamp
}

// Value returns the literal payload, or nil for sentinel markers.
func (v PatchValue) Value() any {
	return v.value
}

// StoragePatch is a flat storage update whose keys may be dotted paths into
// nested card fields, e.g. "permissions.edit_card" or
// "references_info.c-123.link".
type StoragePatch map[string]PatchValue

// ApplyStoragePatch applies a sparse dotted-path patch onto a card, returning
// a new card value. Only maps along touched paths are copied. When
// resolveTimestamps is true, server-timestamp markers are materialized with
// now; otherwise they leave the field unchanged (the authoritative value
// arrives with the server round-trip).
func ApplyStoragePatch(base Card, patch StoragePatch, resolveTimestamps bool, now time.Time) (Card, error) {
	updated := base.Clone()
	for path, value := range patch {
		if err := applyPatchEntry(&updated, path, value, resolveTimestamps, now); err != nil {
			return Card{}, err
		}
	}
	return updated, nil
}

func applyPatchEntry(card *Card, path string, value PatchValue, resolveTimestamps bool, now time.Time) error {
	parts := strings.Split(path, ".")
	switch parts[0] {
	case "references":
		return applyBoolMapEntry(&card.References, parts, value)
	case "references_inbound":
		return applyBoolMapEntry(&card.ReferencesInbound, parts, value)
	case "references_info":
		return applyReferencesInfoEntry(&card.ReferencesInfo, parts, value)
	case "references_info_inbound":
		return applyReferencesInfoEntry(&card.ReferencesInfoInbound, parts, value)
	case "permissions":
		return applyPermissionsEntry(card, parts, value)
	case "font_size_boost":
		return applyFontSizeBoostEntry(card, parts, value)
	case "auto_todo_overrides":
		return applyAutoTodoEntry(card, parts, value)
	case "created", "updated", "updated_substantive":
		return applyTimestampEntry(card, parts[0], value, resolveTimestamps, now)
	}
	if len(parts) != 1 {
		return fmt.Errorf("%w: %s", ErrUnknownPatchPath, path)
	}
	return applyScalarEntry(card, parts[0], value)
}

func applyScalarEntry(card *Card, field string, value PatchValue) error {
	if value.kind != patchValueLiteral {
		return fmt.Errorf("%w: %s does not accept sentinel values", ErrInvalidPatchValue, field)
	}
	switch field {
	case "title":
		return setStringField(&card.Title, field, value.value)
	case "subtitle":
		return setStringField(&card.Subtitle, field, value.value)
	case "body":
		return setStringField(&card.Body, field, value.value)
	case "notes":
		return setStringField(&card.Notes, field, value.value)
	case "todo":
		return setStringField(&card.Todo, field, value.value)
	case "section":
		return setStringField(&card.Section, field, value.value)
	case "name":
		return setStringField(&card.Name, field, value.value)
	case "full_bleed":
		return setBoolField(&card.FullBleed, field, value.value)
	case "published":
		return setBoolField(&card.Published, field, value.value)
	case "sort_order":
		order, ok := value.value.(float64)
		if !ok {
			return fmt.Errorf("%w: sort_order requires float64", ErrInvalidPatchValue)
		}
		card.SortOrder = order
		return nil
	case "card_type":
		cardType, ok := value.value.(CardType)
		if !ok {
			return fmt.Errorf("%w: card_type requires CardType", ErrInvalidPatchValue)
		}
		card.CardType = cardType
		return nil
	case "images":
		images, ok := value.value.([]ImageBlock)
		if !ok {
			return fmt.Errorf("%w: images requires []ImageBlock", ErrInvalidPatchValue)
		}
		card.Images = append([]ImageBlock(nil), images...)
		return nil
	case "tags":
		return setStringSliceField(&card.Tags, field, value.value)
	case "collaborators":
		return setStringSliceField(&card.Collaborators, field, value.value)
	}
	return fmt.Errorf("%w: %s", ErrUnknownPatchPath, field)
}

func setStringField(target *string, field string, raw any) error {
	value, ok := raw.(string)
	if !ok {
		return fmt.Errorf("%w: %s requires string", ErrInvalidPatchValue, field)
	}
	*target = value
	return nil
}

func setBoolField(target *bool, field string, raw any) error {
	value, ok := raw.(bool)
	if !ok {
		return fmt.Errorf("%w: %s requires bool", ErrInvalidPatchValue, field)
	}
	*target = value
	return nil
}

func setStringSliceField(target *[]string, field string, raw any) error {
	value, ok := raw.([]string)
	if !ok {
		return fmt.Errorf("%w: %s requires []string", ErrInvalidPatchValue, field)
	}
	*target = append([]string(nil), value...)
	return nil
}

func applyBoolMapEntry(target *map[string]bool, parts []string, value PatchValue) error {
	if len(parts) != 2 {
		return fmt.Errorf("%w: %s", ErrUnknownPatchPath, strings.Join(parts, "."))
	}
	key := parts[1]
	if value.IsDelete() {
		delete(*target, key)
		return nil
	}
	flag, ok := value.value.(bool)
	if !ok || value.kind != patchValueLiteral {
		return fmt.Errorf("%w: %s requires bool", ErrInvalidPatchValue, strings.Join(parts, "."))
	}
	if *target == nil {
		*target = make(map[string]bool)
	}
	(*target)[key] = flag
	return nil
}

func applyReferencesInfoEntry(target *map[string]map[ReferenceType]string, parts []string, value PatchValue) error {
	path := strings.Join(parts, ".")
	switch len(parts) {
	case 2:
		// Full per-target map update, used by inbound mirror maintenance.
		cardID := parts[1]
		if value.IsDelete() {
			delete(*target, cardID)
			return nil
		}
		entries, ok := value.value.(map[ReferenceType]string)
		if !ok || value.kind != patchValueLiteral {
			return fmt.Errorf("%w: %s requires map[ReferenceType]string", ErrInvalidPatchValue, path)
		}
		if *target == nil {
			*target = make(map[string]map[ReferenceType]string)
		}
		inner := make(map[ReferenceType]string, len(entries))
		for refType, entryValue := range entries {
			inner[refType] = entryValue
		}
		(*target)[cardID] = inner
		return nil
	case 3:
		cardID := parts[1]
		refType := ReferenceType(parts[2])
		if value.IsDelete() {
			entries := (*target)[cardID]
			delete(entries, refType)
			if len(entries) == 0 {
				delete(*target, cardID)
			}
			return nil
		}
		entryValue, ok := value.value.(string)
		if !ok || value.kind != patchValueLiteral {
			return fmt.Errorf("%w: %s requires string", ErrInvalidPatchValue, path)
		}
		if *target == nil {
			*target = make(map[string]map[ReferenceType]string)
		}
		if (*target)[cardID] == nil {
			(*target)[cardID] = make(map[ReferenceType]string)
		}
		(*target)[cardID][refType] = entryValue
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownPatchPath, path)
}

func applyPermissionsEntry(card *Card, parts []string, value PatchValue) error {
	if len(parts) != 2 {
		return fmt.Errorf("%w: %s", ErrUnknownPatchPath, strings.Join(parts, "."))
	}
	permType := PermissionType(parts[1])
	if value.IsDelete() {
		delete(card.Permissions, permType)
		return nil
	}
	users, ok := value.value.([]string)
	if !ok || value.kind != patchValueLiteral {
		return fmt.Errorf("%w: %s requires []string", ErrInvalidPatchValue, strings.Join(parts, "."))
	}
	if card.Permissions == nil {
		card.Permissions = make(map[PermissionType][]string)
	}
	card.Permissions[permType] = append([]string(nil), users...)
	return nil
}

func applyFontSizeBoostEntry(card *Card, parts []string, value PatchValue) error {
	if len(parts) != 2 {
		return fmt.Errorf("%w: %s", ErrUnknownPatchPath, strings.Join(parts, "."))
	}
	field := parts[1]
	if value.IsDelete() {
		delete(card.FontSizeBoost, field)
		return nil
	}
	boost, ok := value.value.(int)
	if !ok || value.kind != patchValueLiteral {
		return fmt.Errorf("%w: %s requires int", ErrInvalidPatchValue, strings.Join(parts, "."))
	}
	if card.FontSizeBoost == nil {
		card.FontSizeBoost = make(map[string]int)
	}
	card.FontSizeBoost[field] = boost
	return nil
}

func applyAutoTodoEntry(card *Card, parts []string, value PatchValue) error {
	if len(parts) != 2 {
		return fmt.Errorf("%w: %s", ErrUnknownPatchPath, strings.Join(parts, "."))
	}
	key := parts[1]
	if value.IsDelete() {
		delete(card.AutoTodoOverrides, key)
		return nil
	}
	flag, ok := value.value.(bool)
	if !ok || value.kind != patchValueLiteral {
		return fmt.Errorf("%w: %s requires bool", ErrInvalidPatchValue, strings.Join(parts, "."))
	}
	if card.AutoTodoOverrides == nil {
		card.AutoTodoOverrides = make(map[string]bool)
	}
	card.AutoTodoOverrides[key] = flag
	return nil
}

func applyTimestampEntry(card *Card, field string, value PatchValue, resolveTimestamps bool, now time.Time) error {
	var target *int64
	switch field {
	case "created":
		target = &card.CreatedSeconds
	case "updated":
		target = &card.UpdatedSeconds
	case "updated_substantive":
		target = &card.UpdatedSubstantive
	}
	if value.IsServerTimestamp() {
		if resolveTimestamps {
			*target = now.UTC().Unix()
		}
		return nil
	}
	seconds, ok := value.value.(int64)
	if !ok || value.kind != patchValueLiteral {
		return fmt.Errorf("%w: %s requires int64", ErrInvalidPatchValue, field)
	}
	*target = seconds
	return nil
}

// patchValueEnvelope is the JSON form used for audit records: sentinel
// markers become tagged objects, literals marshal as-is.
type patchValueEnvelope struct {
	Delete          bool `json:"__delete__,omitempty"`
	ServerTimestamp bool `json:"__server_timestamp__,omitempty"`
	Value           any  `json:"value,omitempty"`
}

// MarshalJSON encodes the patch value for the audit trail.
func (v PatchValue) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case patchValueDelete:
		return json.Marshal(patchValueEnvelope{Delete: true})
	case patchValueServerTimestamp:
		return json.Marshal(patchValueEnvelope{ServerTimestamp: true})
	default:
		return json.Marshal(v.value)
	}
}

// String renders the value for logging.
func (v PatchValue) String() string {
	switch v.kind {
	case patchValueDelete:
		return "<delete>"
	case patchValueServerTimestamp:
		return "<server-timestamp>"
	default:
		switch value := v.value.(type) {
		case string:
			return strconv.Quote(value)
		default:
			return fmt.Sprintf("%v", value)
		}
	}
}
