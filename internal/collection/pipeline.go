package collection

import (
	"hash/fnv"
	"sort"
	"strings"

	"github.com/MarcoPoloResearchLab/compendium/backend/internal/cards"
)

// Sort extractor names. Unknown names fall back to the default sort, the same
// leniency policy as unknown filters.
const (
	SortNameDefault      = "default"
	SortNameRecent       = "recent"
	SortNameCreated      = "created"
	SortNameAlphabetical = "alphabetical"
	SortNameRandom       = "random"
)

// Section is a named, ordered grouping of cards.
type Section struct {
	ID         string
	Title      string
	Cards      []string
	StartCards []string
	SortOrder  float64
}

// Snapshot is the immutable input the pipeline evaluates against: cards,
// sets, sections, precomputed static filters, plus per-description start and
// fallback card lists. Version is a monotonic counter bumped by the store on
// every change; evaluation results are memoized against it.
type Snapshot struct {
	Cards         map[string]cards.Card
	Sets          map[string][]string
	Sections      map[string]Section
	Filters       map[string]map[string]bool
	StartCards    map[string][]string
	FallbackCards map[string][]string
	UserID        string
	RandomSalt    string
	Similarity    map[string]map[string]float64
	NowSeconds    int64
	Version       int64
}

// SortExtractor produces a numeric sort key plus a display label for one
// card. Higher keys sort earlier.
type SortExtractor func(card cards.Card, snap *Snapshot, extras map[string]float64) (float64, string)

var sortExtractors = map[string]SortExtractor{
	SortNameDefault:      sortDefault,
	SortNameRecent:       sortRecent,
	SortNameCreated:      sortCreated,
	SortNameAlphabetical: sortAlphabetical,
	SortNameRandom:       sortRandom,
}

// sortDefault orders by sort_order, except that a configurable filter which
// emitted sort extras (e.g. a similarity or query score) takes precedence.
func sortDefault(card cards.Card, _ *Snapshot, extras map[string]float64) (float64, string) {
	if extra, ok := extras[card.ID]; ok {
		return extra, ""
	}
	return card.SortOrder, ""
}

func sortRecent(card cards.Card, _ *Snapshot, _ map[string]float64) (float64, string) {
	seconds := card.UpdatedSubstantive
	if card.UpdatedSeconds > seconds {
		seconds = card.UpdatedSeconds
	}
	return float64(seconds), ""
}

func sortCreated(card cards.Card, _ *Snapshot, _ map[string]float64) (float64, string) {
	return float64(card.CreatedSeconds), ""
}

// sortAlphabetical emits a label instead of a numeric key; labeled entries
// sort ascending by label.
func sortAlphabetical(card cards.Card, _ *Snapshot, _ map[string]float64) (float64, string) {
	return 0, strings.ToLower(card.Title)
}

// sortRandom derives a stable pseudo-random key from the card id and the
// snapshot salt, so "random" order is shuffled per session but stable within
// it.
func sortRandom(card cards.Card, snap *Snapshot, _ map[string]float64) (float64, string) {
	hasher := fnv.New64a()
	hasher.Write([]byte(snap.RandomSalt))
	hasher.Write([]byte(card.ID))
	return float64(hasher.Sum64()%1000000) / 1000000, ""
}

// resolveFilterExpr binds an expression to the snapshot. Unknown names
// resolve to nil and are dropped by the caller: stale or foreign URLs degrade
// to "no filter" instead of failing.
func resolveFilterExpr(expr FilterExpr, snap *Snapshot) *resolvedFilter {
	switch node := expr.(type) {
	case LiteralFilter:
		return resolveLiteral(node.FilterName, snap)
	case UnionFilter:
		members := make([]*resolvedFilter, 0, len(node.Members))
		for _, member := range node.Members {
			if resolved := resolveFilterExpr(member, snap); resolved != nil {
				members = append(members, resolved)
			}
		}
		if len(members) == 0 {
			return nil
		}
		return &resolvedFilter{
			label: "",
			matches: func(card cards.Card) (bool, float64, bool) {
				for _, member := range members {
					if include, extra, hasExtra := member.matches(card); include {
						return true, extra, hasExtra
					}
				}
				return false, 0, false
			},
		}
	case InverseFilter:
		inner := resolveFilterExpr(node.Expr, snap)
		if inner == nil {
			return nil
		}
		return &resolvedFilter{
			label: "Not " + inner.label,
			matches: func(card cards.Card) (bool, float64, bool) {
				include, _, _ := inner.matches(card)
				return !include, 0, false
			},
		}
	}
	return nil
}

func resolveLiteral(name string, snap *Snapshot) *resolvedFilter {
	if membership, ok := snap.Filters[name]; ok {
		return &resolvedFilter{
			label: name,
			matches: func(card cards.Card) (bool, float64, bool) {
				return membership[card.ID], 0, false
			},
		}
	}
	if base, args, ok := ParseConfigurableFilter(name); ok {
		schema := configurableFilters[base]
		resolve := func(nested string) *resolvedFilter {
			return resolveFilterExpr(ParseFilterExpr(nested), snap)
		}
		return schema.factory(args, snap, resolve)
	}
	return nil
}

// evaluate runs the full pipeline for one description against one snapshot.
func evaluate(description Description, snap *Snapshot) *Collection {
	baseIDs := snap.Sets[description.Set()]

	expressions := make([]FilterExpr, 0, len(description.Filters()))
	for _, name := range description.Filters() {
		expressions = append(expressions, ParseFilterExpr(name))
	}
	resolved := make([]*resolvedFilter, 0, len(expressions))
	labels := make([]string, 0, len(expressions))
	for _, expr := range expressions {
		if filter := resolveFilterExpr(expr, snap); filter != nil {
			resolved = append(resolved, filter)
			if filter.label != "" {
				labels = append(labels, filter.label)
			}
		}
	}

	// Intersect all filters against the base set, preserving base order and
	// gathering sort extras emitted by configurable filters.
	filteredIDs := make([]string, 0, len(baseIDs))
	filteredSet := make(map[string]bool, len(baseIDs))
	sortExtras := make(map[string]float64)
	for _, cardID := range baseIDs {
		card, ok := snap.Cards[cardID]
		if !ok || filteredSet[cardID] {
			continue
		}
		include := true
		for _, filter := range resolved {
			matched, extra, hasExtra := filter.matches(card)
			if !matched {
				include = false
				break
			}
			if hasExtra {
				sortExtras[cardID] = extra
			}
		}
		if include {
			filteredIDs = append(filteredIDs, cardID)
			filteredSet[cardID] = true
		}
	}

	sortedIDs := sortCardIDs(filteredIDs, description, snap, sortExtras)

	serialized := description.Serialize()
	sortedIDs = prependStartCards(sortedIDs, snap.StartCards[serialized])

	isFallback := false
	if len(sortedIDs) == 0 {
		if fallback := snap.FallbackCards[serialized]; len(fallback) > 0 {
			sortedIDs = append([]string(nil), fallback...)
			isFallback = true
		}
	}

	return &Collection{
		description:   description,
		snapshot:      snap,
		filteredCards: filteredSet,
		sortedIDs:     sortedIDs,
		filterLabels:  labels,
		isFallback:    isFallback,
		reorderable:   isReorderable(description),
	}
}

// sortCardIDs stable-sorts by extractor key descending. Original order breaks
// ties explicitly via a decorated index, so map iteration order can never
// leak into the result.
func sortCardIDs(ids []string, description Description, snap *Snapshot, extras map[string]float64) []string {
	extractor, ok := sortExtractors[description.Sort()]
	if !ok {
		extractor = sortDefault
	}

	type decorated struct {
		id    string
		key   float64
		label string
		index int
	}
	decoratedIDs := make([]decorated, len(ids))
	hasLabels := false
	for i, id := range ids {
		key, label := extractor(snap.Cards[id], snap, extras)
		if label != "" {
			hasLabels = true
		}
		decoratedIDs[i] = decorated{id: id, key: key, label: label, index: i}
	}
	sort.Slice(decoratedIDs, func(i, j int) bool {
		if hasLabels && decoratedIDs[i].label != decoratedIDs[j].label {
			return decoratedIDs[i].label < decoratedIDs[j].label
		}
		if decoratedIDs[i].key != decoratedIDs[j].key {
			return decoratedIDs[i].key > decoratedIDs[j].key
		}
		return decoratedIDs[i].index < decoratedIDs[j].index
	})

	sorted := make([]string, len(decoratedIDs))
	for i, item := range decoratedIDs {
		sorted[i] = item.id
	}
	if description.SortReversed() {
		for i, j := 0, len(sorted)-1; i < j; i, j = i+1, j-1 {
			sorted[i], sorted[j] = sorted[j], sorted[i]
		}
	}
	return sorted
}

// prependStartCards pins the declared start cards to the front. A start card
// that also appears later in the sorted list keeps the prepended occurrence
// and drops the later one.
func prependStartCards(sorted []string, startCards []string) []string {
	if len(startCards) == 0 {
		return sorted
	}
	pinned := make(map[string]bool, len(startCards))
	result := make([]string, 0, len(startCards)+len(sorted))
	for _, id := range startCards {
		if !pinned[id] {
			pinned[id] = true
			result = append(result, id)
		}
	}
	for _, id := range sorted {
		if !pinned[id] {
			result = append(result, id)
		}
	}
	return result
}

// isReorderable reports whether manual drag-reorder is legal: only the
// default insertion-order sort over the main set, unreversed, maps back onto
// persisted sort_order values.
func isReorderable(description Description) bool {
	return description.Sort() == SortNameDefault &&
		!description.SortReversed() &&
		description.Set() == SetMain
}
