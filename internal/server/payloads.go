package server

import (
	"github.com/MarcoPoloResearchLab/compendium/backend/internal/cards"
)

// cardPayload is the wire shape of a card. Commits carry the complete updated
// card; the server diffs it against the stored state, so omitted fields read
// as their zero values and clear the stored field.
type cardPayload struct {
	ID                string                       `json:"id"`
	Name              string                       `json:"name,omitempty"`
	Slugs             []string                     `json:"slugs,omitempty"`
	Section           string                       `json:"section,omitempty"`
	Tags              []string                     `json:"tags,omitempty"`
	CardType          string                       `json:"card_type,omitempty"`
	SortOrder         float64                      `json:"sort_order"`
	Published         bool                         `json:"published"`
	FullBleed         bool                         `json:"full_bleed"`
	Title             string                       `json:"title,omitempty"`
	Subtitle          string                       `json:"subtitle,omitempty"`
	Body              string                       `json:"body,omitempty"`
	Notes             string                       `json:"notes,omitempty"`
	Todo              string                       `json:"todo,omitempty"`
	ReferencesInfo    map[string]map[string]string `json:"references_info,omitempty"`
	InboundReferences []string                     `json:"inbound_references,omitempty"`
	Permissions       map[string][]string          `json:"permissions,omitempty"`
	Collaborators     []string                     `json:"collaborators,omitempty"`
	Author            string                       `json:"author,omitempty"`
	AutoTodoOverrides map[string]bool              `json:"auto_todo_overrides,omitempty"`
	Images            []cards.ImageBlock           `json:"images,omitempty"`
	FontSizeBoost     map[string]int               `json:"font_size_boost,omitempty"`
	CreatedSeconds    int64                        `json:"created_at_s,omitempty"`
	UpdatedSeconds    int64                        `json:"updated_at_s,omitempty"`
}

func payloadFromCard(card cards.Card) cardPayload {
	payload := cardPayload{
		ID:                card.ID,
		Name:              card.Name,
		Slugs:             card.Slugs,
		Section:           card.Section,
		Tags:              card.Tags,
		CardType:          string(card.CardType),
		SortOrder:         card.SortOrder,
		Published:         card.Published,
		FullBleed:         card.FullBleed,
		Title:             card.Title,
		Subtitle:          card.Subtitle,
		Body:              card.Body,
		Notes:             card.Notes,
		Todo:              card.Todo,
		InboundReferences: card.InboundArray(),
		Collaborators:     card.Collaborators,
		Author:            card.Author,
		AutoTodoOverrides: card.AutoTodoOverrides,
		Images:            card.Images,
		FontSizeBoost:     card.FontSizeBoost,
		CreatedSeconds:    card.CreatedSeconds,
		UpdatedSeconds:    card.UpdatedSeconds,
	}
	if len(card.ReferencesInfo) > 0 {
		payload.ReferencesInfo = make(map[string]map[string]string, len(card.ReferencesInfo))
		for targetID, entries := range card.ReferencesInfo {
			converted := make(map[string]string, len(entries))
			for refType, value := range entries {
				converted[string(refType)] = value
			}
			payload.ReferencesInfo[targetID] = converted
		}
	}
	if len(card.Permissions) > 0 {
		payload.Permissions = make(map[string][]string, len(card.Permissions))
		for permission, userIDs := range card.Permissions {
			payload.Permissions[string(permission)] = userIDs
		}
	}
	return payload
}

// cardFromPayload builds the updated card a commit proposes. The inbound
// mirror is never accepted from the wire; it is carried over from the stored
// card so diffing cannot touch it.
func cardFromPayload(payload cardPayload, stored cards.Card) cards.Card {
	card := cards.Card{
		ID:                stored.ID,
		Name:              payload.Name,
		Slugs:             payload.Slugs,
		Section:           payload.Section,
		Tags:              payload.Tags,
		CardType:          cards.CardType(payload.CardType),
		SortOrder:         payload.SortOrder,
		Published:         payload.Published,
		FullBleed:         payload.FullBleed,
		Title:             payload.Title,
		Subtitle:          payload.Subtitle,
		Body:              payload.Body,
		Notes:             payload.Notes,
		Todo:              payload.Todo,
		Collaborators:     payload.Collaborators,
		Author:            stored.Author,
		AutoTodoOverrides: payload.AutoTodoOverrides,
		Images:            payload.Images,
		FontSizeBoost:     payload.FontSizeBoost,
		CreatedSeconds:    stored.CreatedSeconds,
		UpdatedSeconds:    stored.UpdatedSeconds,
	}
	card.ReferencesInbound = stored.ReferencesInbound
	card.ReferencesInfoInbound = stored.ReferencesInfoInbound
	card.UpdatedSubstantive = stored.UpdatedSubstantive
	if len(payload.ReferencesInfo) > 0 {
		for targetID, entries := range payload.ReferencesInfo {
			for refType, value := range entries {
				card.SetCardReference(targetID, cards.ReferenceType(refType), value)
			}
		}
	}
	if len(payload.Permissions) > 0 {
		card.Permissions = make(map[cards.PermissionType][]string, len(payload.Permissions))
		for permission, userIDs := range payload.Permissions {
			card.Permissions[cards.PermissionType(permission)] = userIDs
		}
	}
	return card
}

type commitResponsePayload struct {
	CardID         string      `json:"card_id"`
	ChangedFields  []string    `json:"changed_fields"`
	SectionChanged bool        `json:"section_changed"`
	AffectedCards  []string    `json:"affected_cards"`
	Card           cardPayload `json:"card"`
}

type collectionResponsePayload struct {
	Description  string   `json:"description"`
	CardIDs      []string `json:"card_ids"`
	FilterLabels []string `json:"filter_labels,omitempty"`
	IsFallback   bool     `json:"is_fallback"`
	Reorderable  bool     `json:"reorderable"`
	SelectedCard string   `json:"selected_card,omitempty"`
}
