package cards

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidCardID indicates that a card identifier is empty or exceeds storage bounds.
	ErrInvalidCardID = errors.New("cards: invalid card id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("cards: invalid user id")
)

// CardID represents a validated card identifier.
type CardID string

// NewCardID validates raw input and returns a CardID.
func NewCardID(rawInput string) (CardID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidCardID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidCardID, maxIdentifierLength)
	}
	return CardID(trimmed), nil
}

// String returns the underlying string identifier.
func (id CardID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// CardType governs which fields a card carries and which references it may
// participate in.
type CardType string

const (
	CardTypeContent      CardType = "content"
	CardTypeSectionHead  CardType = "section-head"
	CardTypeWorkingNotes CardType = "working-notes"
	CardTypeConcept      CardType = "concept"
	CardTypeQuote        CardType = "quote"
)

// legalCardTypes is the closed set of recognized card types.
var legalCardTypes = map[CardType]bool{
	CardTypeContent:      true,
	CardTypeSectionHead:  true,
	CardTypeWorkingNotes: true,
	CardTypeConcept:      true,
	CardTypeQuote:        true,
}

// orphanedCardTypes may exist without an owning section.
var orphanedCardTypes = map[CardType]bool{
	CardTypeWorkingNotes: true,
	CardTypeConcept:      true,
	CardTypeQuote:        true,
}

// ReferenceType identifies the semantic flavor of a directional link between
// two cards.
type ReferenceType string

const (
	// ReferenceTypeLink is inferred from hyperlinks in body text.
	ReferenceTypeLink ReferenceType = "link"
	// ReferenceTypeDupeOf marks this card as a duplicate of the target.
	ReferenceTypeDupeOf ReferenceType = "dupe-of"
	// ReferenceTypeAck acknowledges the target without surfacing it.
	ReferenceTypeAck ReferenceType = "ack"
	// ReferenceTypeSeeAlso suggests the target as related reading.
	ReferenceTypeSeeAlso ReferenceType = "see-also"
	// ReferenceTypeConcept ties a card to a concept card.
	ReferenceTypeConcept ReferenceType = "concept"
	// ReferenceTypeSynonym marks two concept cards as naming the same idea.
	ReferenceTypeSynonym ReferenceType = "synonym"
	// ReferenceTypeOppositeOf marks two concept cards as naming opposing ideas.
	ReferenceTypeOppositeOf ReferenceType = "opposite-of"
	// ReferenceTypeCitation records an evidentiary source card.
	ReferenceTypeCitation ReferenceType = "citation"
)

// referenceTypeProperties constrains which card types may sit on either end
// of a reference. An empty allow list means any card type is acceptable.
type referenceTypeProperties struct {
	toCardTypeAllowList   map[CardType]bool
	fromCardTypeAllowList map[CardType]bool
	conceptPair           bool
}

var referenceTypes = map[ReferenceType]referenceTypeProperties{
	ReferenceTypeLink:     {},
	ReferenceTypeDupeOf:   {},
	ReferenceTypeAck:      {},
	ReferenceTypeSeeAlso:  {},
	ReferenceTypeCitation: {},
	ReferenceTypeConcept: {
		toCardTypeAllowList: map[CardType]bool{CardTypeConcept: true},
	},
	ReferenceTypeSynonym: {
		toCardTypeAllowList:   map[CardType]bool{CardTypeConcept: true},
		fromCardTypeAllowList: map[CardType]bool{CardTypeConcept: true},
		conceptPair:           true,
	},
	ReferenceTypeOppositeOf: {
		toCardTypeAllowList:   map[CardType]bool{CardTypeConcept: true},
		fromCardTypeAllowList: map[CardType]bool{CardTypeConcept: true},
		conceptPair:           true,
	},
}

// PermissionType keys the per-card permission map.
type PermissionType string

const (
	PermissionTypeEditCard PermissionType = "edit_card"
)

// ImageBlock captures one image attached to a card. Image lists are compared
// wholesale: any difference replaces the full list.
type ImageBlock struct {
	Src        string  `json:"src"`
	Uploaded   bool    `json:"uploaded"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	Position   string  `json:"position"`
	Margin     float64 `json:"margin"`
	AltText    string  `json:"alt_text"`
	OriginalID string  `json:"original_id,omitempty"`
}

// Card is the central content entity. References and ReferencesInfo are a
// paired outbound map: ReferencesInfo holds per-type text payloads keyed by
// target card, References mirrors it with a boolean sentinel per target.
// The inbound pair is derived by inbound link maintenance and is never edited
// directly.
type Card struct {
	ID                    string
	Name                  string
	Slugs                 []string
	Section               string
	Tags                  []string
	CardType              CardType
	SortOrder             float64
	Published             bool
	FullBleed             bool
	Title                 string
	Subtitle              string
	Body                  string
	Notes                 string
	Todo                  string
	References            map[string]bool
	ReferencesInfo        map[string]map[ReferenceType]string
	ReferencesInbound     map[string]bool
	ReferencesInfoInbound map[string]map[ReferenceType]string
	Permissions           map[PermissionType][]string
	Collaborators         []string
	Author                string
	AutoTodoOverrides     map[string]bool
	Images                []ImageBlock
	FontSizeBoost         map[string]int
	CreatedSeconds        int64
	UpdatedSeconds        int64
	UpdatedSubstantive    int64
}

// SortOrder values live in a bounded range; new cards are inserted by halving
// gaps between neighbors.
const (
	MinSortOrderValue = -10000000.0
	MaxSortOrderValue = 10000000.0
	DefaultSortOrder  = 0.0
)

// SortOrderAdjacent returns the sort order for a card inserted between the
// given neighbor orders. Repeated insertion at the same point approaches but
// never reaches the neighbor value; callers accept the precision limit.
func SortOrderAdjacent(existing, neighbor float64) float64 {
	return (existing + neighbor) / 2
}

// Clone returns a deep copy of the card. Diff application and merge preview
// operate on copies so shared state is never mutated in place.
func (c Card) Clone() Card {
	copied := c
	copied.Slugs = append([]string(nil), c.Slugs...)
	copied.Tags = append([]string(nil), c.Tags...)
	copied.Collaborators = append([]string(nil), c.Collaborators...)
	copied.References = cloneBoolMap(c.References)
	copied.ReferencesInbound = cloneBoolMap(c.ReferencesInbound)
	copied.ReferencesInfo = cloneReferencesInfo(c.ReferencesInfo)
	copied.ReferencesInfoInbound = cloneReferencesInfo(c.ReferencesInfoInbound)
	copied.AutoTodoOverrides = cloneTriStateMap(c.AutoTodoOverrides)
	copied.Images = append([]ImageBlock(nil), c.Images...)
	if c.FontSizeBoost != nil {
		copied.FontSizeBoost = make(map[string]int, len(c.FontSizeBoost))
		for field, boost := range c.FontSizeBoost {
			copied.FontSizeBoost[field] = boost
		}
	}
	if c.Permissions != nil {
		copied.Permissions = make(map[PermissionType][]string, len(c.Permissions))
		for permType, users := range c.Permissions {
			copied.Permissions[permType] = append([]string(nil), users...)
		}
	}
	return copied
}

func cloneBoolMap(source map[string]bool) map[string]bool {
	if source == nil {
		return nil
	}
	copied := make(map[string]bool, len(source))
	for key, value := range source {
		copied[key] = value
	}
	return copied
}

func cloneTriStateMap(source map[string]bool) map[string]bool {
	return cloneBoolMap(source)
}

func cloneReferencesInfo(source map[string]map[ReferenceType]string) map[string]map[ReferenceType]string {
	if source == nil {
		return nil
	}
	copied := make(map[string]map[ReferenceType]string, len(source))
	for target, entries := range source {
		inner := make(map[ReferenceType]string, len(entries))
		for refType, value := range entries {
			inner[refType] = value
		}
		copied[target] = inner
	}
	return copied
}
