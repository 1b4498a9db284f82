package cards

import (
	"fmt"
	"sort"
)

// ReferenceEntryOp distinguishes set from delete operations in an entries diff.
type ReferenceEntryOp string

const (
	ReferenceEntrySet    ReferenceEntryOp = "set"
	ReferenceEntryDelete ReferenceEntryOp = "delete"
)

// ReferenceEntryDiff is one operation against a card's outbound reference map.
type ReferenceEntryDiff struct {
	Op      ReferenceEntryOp
	CardID  string
	RefType ReferenceType
	Value   string
}

// ReferencesEntriesDiff is an ordered list of reference map operations.
// Deletes are ordered before sets so that a target whose last entry is removed
// and then re-added in the same diff ends in the added state.
type ReferencesEntriesDiff []ReferenceEntryDiff

// SetCardReference sets one (target, type) entry on the card's outbound map,
// keeping the boolean sentinel mirror in sync.
func (c *Card) SetCardReference(cardID string, refType ReferenceType, value string) {
	if c.ReferencesInfo == nil {
		c.ReferencesInfo = make(map[string]map[ReferenceType]string)
	}
	if c.ReferencesInfo[cardID] == nil {
		c.ReferencesInfo[cardID] = make(map[ReferenceType]string)
	}
	c.ReferencesInfo[cardID][refType] = value
	if c.References == nil {
		c.References = make(map[string]bool)
	}
	c.References[cardID] = true
}

// RemoveCardReference removes one (target, type) entry, dropping the sentinel
// mirror entry when the target has no remaining reference types.
func (c *Card) RemoveCardReference(cardID string, refType ReferenceType) {
	entries := c.ReferencesInfo[cardID]
	if entries == nil {
		return
	}
	delete(entries, refType)
	if len(entries) == 0 {
		delete(c.ReferencesInfo, cardID)
		delete(c.References, cardID)
	}
}

// SetLinks overwrites the link-type references to exactly the given targets,
// leaving every other reference type untouched. Link references carry no text
// payload.
func (c *Card) SetLinks(targetIDs []string) {
	for cardID, entries := range c.ReferencesInfo {
		if _, ok := entries[ReferenceTypeLink]; ok {
			c.RemoveCardReference(cardID, ReferenceTypeLink)
		}
	}
	for _, cardID := range targetIDs {
		c.SetCardReference(cardID, ReferenceTypeLink, "")
	}
}

// ReferencesEquivalent reports whether two cards' outbound reference maps are
// deeply equal, independent of map ordering.
func ReferencesEquivalent(left, right Card) bool {
	if len(left.ReferencesInfo) != len(right.ReferencesInfo) {
		return false
	}
	for cardID, leftEntries := range left.ReferencesInfo {
		rightEntries, ok := right.ReferencesInfo[cardID]
		if !ok || len(leftEntries) != len(rightEntries) {
			return false
		}
		for refType, leftValue := range leftEntries {
			rightValue, ok := rightEntries[refType]
			if !ok || leftValue != rightValue {
				return false
			}
		}
	}
	return true
}

// GenerateReferencesEntriesDiff returns the ordered operations that transform
// before's outbound references into after's. Output ordering is deterministic:
// deletes first, then sets, each sorted by (card id, reference type).
func GenerateReferencesEntriesDiff(before, after Card) ReferencesEntriesDiff {
	var deletes, sets ReferencesEntriesDiff
	for cardID, beforeEntries := range before.ReferencesInfo {
		afterEntries := after.ReferencesInfo[cardID]
		for refType := range beforeEntries {
			if _, ok := afterEntries[refType]; !ok {
				deletes = append(deletes, ReferenceEntryDiff{
					Op:      ReferenceEntryDelete,
					CardID:  cardID,
					RefType: refType,
				})
			}
		}
	}
	for cardID, afterEntries := range after.ReferencesInfo {
		beforeEntries := before.ReferencesInfo[cardID]
		for refType, value := range afterEntries {
			beforeValue, ok := beforeEntries[refType]
			if !ok || beforeValue != value {
				sets = append(sets, ReferenceEntryDiff{
					Op:      ReferenceEntrySet,
					CardID:  cardID,
					RefType: refType,
					Value:   value,
				})
			}
		}
	}
	sortEntriesDiff(deletes)
	sortEntriesDiff(sets)
	return append(deletes, sets...)
}

func sortEntriesDiff(diff ReferencesEntriesDiff) {
	sort.Slice(diff, func(i, j int) bool {
		if diff[i].CardID != diff[j].CardID {
			return diff[i].CardID < diff[j].CardID
		}
		return diff[i].RefType < diff[j].RefType
	})
}

// ApplyEntriesDiff applies the diff to the card's in-memory outbound maps.
func (c *Card) ApplyEntriesDiff(diff ReferencesEntriesDiff) {
	for _, entry := range diff {
		switch entry.Op {
		case ReferenceEntrySet:
			c.SetCardReference(entry.CardID, entry.RefType, entry.Value)
		case ReferenceEntryDelete:
			c.RemoveCardReference(entry.CardID, entry.RefType)
		}
	}
}

// MayNotApplyEntriesDiffReason checks every entry of the diff against the
// reference legality rules and returns a human-readable reason the diff may
// not be applied, or the empty string if it is legal. Checks cover target
// existence, card-type allow lists on both ends, and the concept-pair rule
// for synonym and opposite references.
func MayNotApplyEntriesDiffReason(allCards map[string]Card, card Card, diff ReferencesEntriesDiff) string {
	for _, entry := range diff {
		if entry.Op != ReferenceEntrySet {
			continue
		}
		if entry.CardID == card.ID {
			return fmt.Sprintf("card %s may not reference itself", card.ID)
		}
		properties, ok := referenceTypes[entry.RefType]
		if !ok {
			return fmt.Sprintf("%s is not a legal reference type", entry.RefType)
		}
		target, ok := allCards[entry.CardID]
		if !ok {
			return fmt.Sprintf("no card with id %s exists", entry.CardID)
		}
		if len(properties.toCardTypeAllowList) > 0 && !properties.toCardTypeAllowList[target.CardType] {
			return fmt.Sprintf("reference type %s may not point at a %s card", entry.RefType, target.CardType)
		}
		if len(properties.fromCardTypeAllowList) > 0 && !properties.fromCardTypeAllowList[card.CardType] {
			return fmt.Sprintf("reference type %s may not originate from a %s card", entry.RefType, card.CardType)
		}
		if properties.conceptPair && target.CardType != CardTypeConcept {
			return fmt.Sprintf("%s references must pair two concept cards", entry.RefType)
		}
	}
	return ""
}

// InboundArray enumerates the ids of all cards referencing this one, sorted
// for deterministic output. Used to block deletion of cards that other cards
// still point at.
func (c Card) InboundArray() []string {
	ids := make([]string, 0, len(c.ReferencesInbound))
	for cardID := range c.ReferencesInbound {
		ids = append(ids, cardID)
	}
	sort.Strings(ids)
	return ids
}

// UnionReferences reduces many cards' outbound maps to the set of (target,
// type) pairs present on at least one card. Used for multi-select bulk
// editing.
func UnionReferences(cardList []Card) map[string]map[ReferenceType]bool {
	union := make(map[string]map[ReferenceType]bool)
	for _, card := range cardList {
		for cardID, entries := range card.ReferencesInfo {
			if union[cardID] == nil {
				union[cardID] = make(map[ReferenceType]bool)
			}
			for refType := range entries {
				union[cardID][refType] = true
			}
		}
	}
	return union
}

// IntersectionReferences reduces many cards' outbound maps to the set of
// (target, type) pairs present on every card.
func IntersectionReferences(cardList []Card) map[string]map[ReferenceType]bool {
	if len(cardList) == 0 {
		return map[string]map[ReferenceType]bool{}
	}
	intersection := make(map[string]map[ReferenceType]bool)
	for cardID, entries := range cardList[0].ReferencesInfo {
		inner := make(map[ReferenceType]bool, len(entries))
		for refType := range entries {
			inner[refType] = true
		}
		intersection[cardID] = inner
	}
	for _, card := range cardList[1:] {
		for cardID, kept := range intersection {
			entries := card.ReferencesInfo[cardID]
			for refType := range kept {
				if _, ok := entries[refType]; !ok {
					delete(kept, refType)
				}
			}
			if len(kept) == 0 {
				delete(intersection, cardID)
			}
		}
	}
	return intersection
}

// ReferencesCardsDiff compares two reference states and returns the ids of
// other cards whose inbound mirror needs a full-map update (changed) versus
// those whose mirror entry must be deleted entirely (deleted): targets that
// had entries before and have none after.
func ReferencesCardsDiff(before, after Card) (changed, deleted []string) {
	for cardID, afterEntries := range after.ReferencesInfo {
		beforeEntries, existedBefore := before.ReferencesInfo[cardID]
		if !existedBefore || !referenceEntriesEqual(beforeEntries, afterEntries) {
			changed = append(changed, cardID)
		}
	}
	for cardID := range before.ReferencesInfo {
		if _, stillReferenced := after.ReferencesInfo[cardID]; !stillReferenced {
			deleted = append(deleted, cardID)
		}
	}
	sort.Strings(changed)
	sort.Strings(deleted)
	return changed, deleted
}

func referenceEntriesEqual(left, right map[ReferenceType]string) bool {
	if len(left) != len(right) {
		return false
	}
	for refType, leftValue := range left {
		rightValue, ok := right[refType]
		if !ok || rightValue != leftValue {
			return false
		}
	}
	return true
}
