package collection

import (
	"github.com/MarcoPoloResearchLab/compendium/backend/internal/cards"
)

// Collection is the materialized result of evaluating a Description against
// one Snapshot. It is derived, transient state: recomputed from current data
// on each relevant store update, with no persisted identity beyond the
// serialized description.
type Collection struct {
	description   Description
	snapshot      *Snapshot
	filteredCards map[string]bool
	sortedIDs     []string
	filterLabels  []string
	isFallback    bool
	reorderable   bool
}

// NewCollection evaluates the description against the snapshot.
func NewCollection(description Description, snap *Snapshot) *Collection {
	return evaluate(description, snap)
}

// Description returns the description this collection was evaluated from.
func (c *Collection) Description() Description {
	return c.description
}

// FinalSortedCardIDs returns the filtered, start-card-prepended, sorted ids.
func (c *Collection) FinalSortedCardIDs() []string {
	return append([]string(nil), c.sortedIDs...)
}

// FinalSortedCards resolves the final ids to card values.
func (c *Collection) FinalSortedCards() []cards.Card {
	result := make([]cards.Card, 0, len(c.sortedIDs))
	for _, id := range c.sortedIDs {
		if card, ok := c.snapshot.Cards[id]; ok {
			result = append(result, card)
		}
	}
	return result
}

// ContainsCard reports whether the card matched the filters. Fallback cards
// are not members: they are substitutes.
func (c *Collection) ContainsCard(cardID string) bool {
	return c.filteredCards[cardID]
}

// NumCards returns the number of cards in the final list.
func (c *Collection) NumCards() int {
	return len(c.sortedIDs)
}

// IsFallback reports whether the description resolved to its declared
// fallback list. Fallback cards are real cards, but flagged so the UI can
// block interactions on them.
func (c *Collection) IsFallback() bool {
	return c.isFallback
}

// Reorderable reports whether manual drag-reorder is legal for this
// materialization.
func (c *Collection) Reorderable() bool {
	return c.reorderable
}

// FilterLabels returns the display labels emitted by configurable filters.
func (c *Collection) FilterLabels() []string {
	return append([]string(nil), c.filterLabels...)
}

// memoizedCollection caches one evaluation keyed by the snapshot version and
// the serialized description. The explicit version key replaces hidden
// module-level caches: results are recomputed only when the caller bumps the
// version.
type memoizedCollection struct {
	serialized string
	version    int64
	collection *Collection
}

func (m *memoizedCollection) get(description Description, snap *Snapshot) *Collection {
	if snap == nil {
		return nil
	}
	serialized := description.Serialize()
	if m.collection == nil || m.serialized != serialized || m.version != snap.Version {
		m.collection = evaluate(description, snap)
		m.serialized = serialized
		m.version = snap.Version
	}
	return m.collection
}

// Tracker evaluates one description against both a live and a committed
// snapshot, so a displayed collection stays visually stable under the user's
// own mutations while still reporting which cards will vanish on the next
// refresh (ghosting). The committed snapshot advances only on an explicit
// Commit, with a one-time catch-up when data first arrives.
type Tracker struct {
	description   Description
	live          *Snapshot
	committed     *Snapshot
	liveMemo      memoizedCollection
	committedMemo memoizedCollection
}

// NewTracker creates a tracker for the given description.
func NewTracker(description Description) *Tracker {
	return &Tracker{description: description}
}

// SetDescription switches the tracked description. Explicit navigation also
// commits, since the user asked for a fresh view.
func (t *Tracker) SetDescription(description Description) {
	if t.description.Equivalent(description) {
		return
	}
	t.description = description
	t.Commit()
}

// UpdateLive replaces the live snapshot. The first snapshot ever seen also
// becomes the committed one, so the initial load is never rendered as a wall
// of ghosts.
func (t *Tracker) UpdateLive(snap *Snapshot) {
	t.live = snap
	if t.committed == nil {
		t.committed = snap
	}
}

// Commit advances the committed snapshot to the live one.
func (t *Tracker) Commit() {
	t.committed = t.live
}

// LiveCollection evaluates against the live snapshot.
func (t *Tracker) LiveCollection() *Collection {
	return t.liveMemo.get(t.description, t.live)
}

// CommittedCollection evaluates against the committed snapshot.
func (t *Tracker) CommittedCollection() *Collection {
	return t.committedMemo.get(t.description, t.committed)
}

// CardsThatWillBeRemoved returns the ids present in the committed evaluation
// but absent from the live one: the cards the UI should render as ghosts
// until the next commit.
func (t *Tracker) CardsThatWillBeRemoved() []string {
	committed := t.CommittedCollection()
	live := t.LiveCollection()
	if committed == nil {
		return nil
	}

	liveSet := make(map[string]bool)
	if live != nil {
		for _, id := range live.sortedIDs {
			liveSet[id] = true
		}
	}
	var removed []string
	for _, id := range committed.sortedIDs {
		if !liveSet[id] {
			removed = append(removed, id)
		}
	}
	return removed
}
