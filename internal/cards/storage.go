package cards

import (
	"encoding/json"
	"fmt"
)

// CardRecord is the persisted card row. Map and list fields are stored as
// JSON text columns; scalar fields that queries filter or order on get their
// own columns.
type CardRecord struct {
	CardID             string  `gorm:"column:card_id;primaryKey;size:190;not null"`
	Name               string  `gorm:"column:name;size:190;not null;index"`
	Section            string  `gorm:"column:section;size:190;not null;default:'';index:idx_cards_section_order,priority:1"`
	CardType           string  `gorm:"column:card_type;size:64;not null;default:'content'"`
	SortOrder          float64 `gorm:"column:sort_order;not null;default:0;index:idx_cards_section_order,priority:2"`
	Published          bool    `gorm:"column:published;not null;default:false"`
	FullBleed          bool    `gorm:"column:full_bleed;not null;default:false"`
	Author             string  `gorm:"column:author;size:190;not null;default:''"`
	FieldsJSON         string  `gorm:"column:fields_json;type:text;not null"`
	ReferencesJSON     string  `gorm:"column:references_json;type:text;not null;default:'{}'"`
	InboundJSON        string  `gorm:"column:inbound_json;type:text;not null;default:'{}'"`
	ExtrasJSON         string  `gorm:"column:extras_json;type:text;not null;default:'{}'"`
	CreatedSeconds     int64   `gorm:"column:created_at_s;not null"`
	UpdatedSeconds     int64   `gorm:"column:updated_at_s;not null;index"`
	UpdatedSubstantive int64   `gorm:"column:updated_substantive_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (CardRecord) TableName() string {
	return "cards"
}

// CardChange captures an append-only audit trail for card mutations.
type CardChange struct {
	ChangeID         string `gorm:"column:change_id;primaryKey;size:190;not null"`
	CardID           string `gorm:"column:card_id;size:190;not null;index:idx_card_changes_card_time,priority:1"`
	UserID           string `gorm:"column:user_id;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null;index:idx_card_changes_card_time,priority:2"`
	FieldsChanged    string `gorm:"column:fields_changed;type:text;not null"`
	PatchJSON        string `gorm:"column:patch_json;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CardChange) TableName() string {
	return "card_changes"
}

// cardFields groups the free-text payload serialized into FieldsJSON.
type cardFields struct {
	Title    string   `json:"title"`
	Subtitle string   `json:"subtitle,omitempty"`
	Body     string   `json:"body"`
	Notes    string   `json:"notes,omitempty"`
	Todo     string   `json:"todo,omitempty"`
	Slugs    []string `json:"slugs,omitempty"`
}

// cardReferences groups the outbound reference pair serialized into
// ReferencesJSON; cardInbound mirrors it for InboundJSON.
type cardReferences struct {
	References     map[string]bool                     `json:"references,omitempty"`
	ReferencesInfo map[string]map[ReferenceType]string `json:"references_info,omitempty"`
}

// cardExtras groups the remaining structured fields serialized into
// ExtrasJSON.
type cardExtras struct {
	Tags              []string                    `json:"tags,omitempty"`
	Permissions       map[PermissionType][]string `json:"permissions,omitempty"`
	Collaborators     []string                    `json:"collaborators,omitempty"`
	AutoTodoOverrides map[string]bool             `json:"auto_todo_overrides,omitempty"`
	Images            []ImageBlock                `json:"images,omitempty"`
	FontSizeBoost     map[string]int              `json:"font_size_boost,omitempty"`
}

// ToRecord serializes a domain card into its persisted row.
func ToRecord(card Card) (CardRecord, error) {
	fieldsJSON, err := json.Marshal(cardFields{
		Title:    card.Title,
		Subtitle: card.Subtitle,
		Body:     card.Body,
		Notes:    card.Notes,
		Todo:     card.Todo,
		Slugs:    card.Slugs,
	})
	if err != nil {
		return CardRecord{}, fmt.Errorf("marshal card fields: %w", err)
	}
	referencesJSON, err := json.Marshal(cardReferences{
		References:     card.References,
		ReferencesInfo: card.ReferencesInfo,
	})
	if err != nil {
		return CardRecord{}, fmt.Errorf("marshal card references: %w", err)
	}
	inboundJSON, err := json.Marshal(cardReferences{
		References:     card.ReferencesInbound,
		ReferencesInfo: card.ReferencesInfoInbound,
	})
	if err != nil {
		return CardRecord{}, fmt.Errorf("marshal card inbound references: %w", err)
	}
	extrasJSON, err := json.Marshal(cardExtras{
		Tags:              card.Tags,
		Permissions:       card.Permissions,
		Collaborators:     card.Collaborators,
		AutoTodoOverrides: card.AutoTodoOverrides,
		Images:            card.Images,
		FontSizeBoost:     card.FontSizeBoost,
	})
	if err != nil {
		return CardRecord{}, fmt.Errorf("marshal card extras: %w", err)
	}

	return CardRecord{
		CardID:             card.ID,
		Name:               card.Name,
		Section:            card.Section,
		CardType:           string(card.CardType),
		SortOrder:          card.SortOrder,
		Published:          card.Published,
		FullBleed:          card.FullBleed,
		Author:             card.Author,
		FieldsJSON:         string(fieldsJSON),
		ReferencesJSON:     string(referencesJSON),
		InboundJSON:        string(inboundJSON),
		ExtrasJSON:         string(extrasJSON),
		CreatedSeconds:     card.CreatedSeconds,
		UpdatedSeconds:     card.UpdatedSeconds,
		UpdatedSubstantive: card.UpdatedSubstantive,
	}, nil
}

// FromRecord deserializes a persisted row back into a domain card.
func FromRecord(record CardRecord) (Card, error) {
	var fields cardFields
	if record.FieldsJSON != "" {
		if err := json.Unmarshal([]byte(record.FieldsJSON), &fields); err != nil {
			return Card{}, fmt.Errorf("unmarshal card fields for %s: %w", record.CardID, err)
		}
	}
	var references cardReferences
	if record.ReferencesJSON != "" {
		if err := json.Unmarshal([]byte(record.ReferencesJSON), &references); err != nil {
			return Card{}, fmt.Errorf("unmarshal card references for %s: %w", record.CardID, err)
		}
	}
	var inbound cardReferences
	if record.InboundJSON != "" {
		if err := json.Unmarshal([]byte(record.InboundJSON), &inbound); err != nil {
			return Card{}, fmt.Errorf("unmarshal card inbound references for %s: %w", record.CardID, err)
		}
	}
	var extras cardExtras
	if record.ExtrasJSON != "" {
		if err := json.Unmarshal([]byte(record.ExtrasJSON), &extras); err != nil {
			return Card{}, fmt.Errorf("unmarshal card extras for %s: %w", record.CardID, err)
		}
	}

	return Card{
		ID:                    record.CardID,
		Name:                  record.Name,
		Slugs:                 fields.Slugs,
		Section:               record.Section,
		Tags:                  extras.Tags,
		CardType:              CardType(record.CardType),
		SortOrder:             record.SortOrder,
		Published:             record.Published,
		FullBleed:             record.FullBleed,
		Title:                 fields.Title,
		Subtitle:              fields.Subtitle,
		Body:                  fields.Body,
		Notes:                 fields.Notes,
		Todo:                  fields.Todo,
		References:            references.References,
		ReferencesInfo:        references.ReferencesInfo,
		ReferencesInbound:     inbound.References,
		ReferencesInfoInbound: inbound.ReferencesInfo,
		Permissions:           extras.Permissions,
		Collaborators:         extras.Collaborators,
		Author:                record.Author,
		AutoTodoOverrides:     extras.AutoTodoOverrides,
		Images:                extras.Images,
		FontSizeBoost:         extras.FontSizeBoost,
		CreatedSeconds:        record.CreatedSeconds,
		UpdatedSeconds:        record.UpdatedSeconds,
		UpdatedSubstantive:    record.UpdatedSubstantive,
	}, nil
}
