package collection

import (
	"strings"
)

// Set names form a closed enumerated list.
const (
	SetMain        = "main"
	SetReadingList = "reading-list"
	SetEverything  = "everything"
)

var legalSets = map[string]bool{
	SetMain:        true,
	SetReadingList: true,
	SetEverything:  true,
}

// View modes are presentation hints carried through the URL; they never
// affect filtering.
const (
	ViewModeList = "list"
	ViewModeWeb  = "web"
)

var legalViewModes = map[string]bool{
	ViewModeList: true,
	ViewModeWeb:  true,
}

// viewModesWithExtra consume one additional path segment.
var viewModesWithExtra = map[string]bool{
	ViewModeWeb: true,
}

const (
	DefaultSet      = SetMain
	DefaultSortName = SortNameDefault
	DefaultViewMode = ViewModeList

	keywordSort    = "sort"
	keywordReverse = "reverse"
	keywordView    = "view"

	// UnionFilterDelimiter joins sub-filter names with OR semantics inside a
	// single path segment.
	UnionFilterDelimiter = "+"
	// InverseFilterPrefix negates the filter name it prefixes.
	InverseFilterPrefix = "!"
)

// Description is the immutable declarative form of a collection: a base set,
// an ordered filter list, a sort, and a view mode. Changes produce a new
// instance; a Description is never mutated in place.
type Description struct {
	set           string
	filters       []string
	sort          string
	sortReversed  bool
	viewMode      string
	viewModeExtra string
}

// DescriptionConfig carries the optional constructor arguments. Zero values
// select the defaults.
type DescriptionConfig struct {
	Set           string
	Filters       []string
	Sort          string
	SortReversed  bool
	ViewMode      string
	ViewModeExtra string
}

// NewDescription canonicalizes the configuration into a Description. Unknown
// sets and view modes fall back to the defaults; filter names stay opaque at
// this layer.
func NewDescription(cfg DescriptionConfig) Description {
	set := cfg.Set
	if !legalSets[set] {
		set = DefaultSet
	}
	sortName := cfg.Sort
	if sortName == "" {
		sortName = DefaultSortName
	}
	viewMode := cfg.ViewMode
	if !legalViewModes[viewMode] {
		viewMode = DefaultViewMode
	}
	viewModeExtra := cfg.ViewModeExtra
	if !viewModesWithExtra[viewMode] {
		viewModeExtra = ""
	}
	filters := make([]string, 0, len(cfg.Filters))
	for _, filter := range cfg.Filters {
		if filter != "" {
			filters = append(filters, filter)
		}
	}
	return Description{
		set:           set,
		filters:       filters,
		sort:          sortName,
		sortReversed:  cfg.SortReversed,
		viewMode:      viewMode,
		viewModeExtra: viewModeExtra,
	}
}

// Set returns the base set name.
func (d Description) Set() string {
	if d.set == "" {
		return DefaultSet
	}
	return d.set
}

// Filters returns a copy of the ordered filter names.
func (d Description) Filters() []string {
	return append([]string(nil), d.filters...)
}

// Sort returns the sort extractor name.
func (d Description) Sort() string {
	if d.sort == "" {
		return DefaultSortName
	}
	return d.sort
}

// SortReversed reports whether the sort order is reversed.
func (d Description) SortReversed() bool {
	return d.sortReversed
}

// ViewMode returns the presentation hint.
func (d Description) ViewMode() string {
	if d.viewMode == "" {
		return DefaultViewMode
	}
	return d.viewMode
}

// ViewModeExtra returns the view mode's extra parameter.
func (d Description) ViewModeExtra() string {
	return d.viewModeExtra
}

// WithSort returns a copy with a different sort.
func (d Description) WithSort(sortName string, reversed bool) Description {
	return NewDescription(DescriptionConfig{
		Set:           d.Set(),
		Filters:       d.Filters(),
		Sort:          sortName,
		SortReversed:  reversed,
		ViewMode:      d.ViewMode(),
		ViewModeExtra: d.ViewModeExtra(),
	})
}

// WithFilters returns a copy with a different filter list.
func (d Description) WithFilters(filters []string) Description {
	return NewDescription(DescriptionConfig{
		Set:           d.Set(),
		Filters:       filters,
		Sort:          d.Sort(),
		SortReversed:  d.SortReversed(),
		ViewMode:      d.ViewMode(),
		ViewModeExtra: d.ViewModeExtra(),
	})
}

// Serialize renders the canonical path form: the set, each filter, then sort
// and view segments when they differ from the defaults.
func (d Description) Serialize() string {
	segments := []string{d.Set()}
	segments = append(segments, d.filters...)
	if d.Sort() != DefaultSortName || d.sortReversed {
		segments = append(segments, keywordSort)
		if d.sortReversed {
			segments = append(segments, keywordReverse)
		}
		segments = append(segments, d.Sort())
	}
	if d.ViewMode() != DefaultViewMode || d.viewModeExtra != "" {
		segments = append(segments, keywordView, d.ViewMode())
		if d.viewModeExtra != "" {
			segments = append(segments, d.viewModeExtra)
		}
	}
	return strings.Join(segments, "/")
}

// SerializeShort elides the set segment when it is the default.
func (d Description) SerializeShort() string {
	serialized := d.Serialize()
	if d.Set() == DefaultSet {
		trimmed := strings.TrimPrefix(serialized, DefaultSet)
		return strings.TrimPrefix(trimmed, "/")
	}
	return serialized
}

// Equivalent reports field-wise equality after canonicalization. Used to
// detect no-op description updates and avoid redundant store dispatches.
func (d Description) Equivalent(other Description) bool {
	if d.Set() != other.Set() ||
		d.Sort() != other.Sort() ||
		d.sortReversed != other.sortReversed ||
		d.ViewMode() != other.ViewMode() ||
		d.viewModeExtra != other.viewModeExtra {
		return false
	}
	if len(d.filters) != len(other.filters) {
		return false
	}
	for i := range d.filters {
		if d.filters[i] != other.filters[i] {
			return false
		}
	}
	return true
}

// DeserializeDescription parses a /-delimited path into a Description,
// reporting whether a set name was explicitly present. Unknown sort names
// fall back to the default; URLs must degrade gracefully as the vocabulary
// evolves, so nothing here ever fails.
func DeserializeDescription(path string) (description Description, explicitSet bool) {
	segments := splitPath(path)
	return parseSegments(segments)
}

// DeserializeDescriptionWithExtra additionally returns the trailing path
// segment not consumed by the description: the card selector. Collection-only
// paths end with a trailing slash, which yields an empty selector.
func DeserializeDescriptionWithExtra(path string) (description Description, extra string, explicitSet bool) {
	segments := splitPath(path)
	if len(segments) > 0 && !strings.HasSuffix(path, "/") {
		extra = segments[len(segments)-1]
		segments = segments[:len(segments)-1]
	}
	description, explicitSet = parseSegments(segments)
	return description, extra, explicitSet
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func parseSegments(segments []string) (Description, bool) {
	cfg := DescriptionConfig{}
	explicitSet := false

	index := 0
	if index < len(segments) && legalSets[segments[index]] {
		cfg.Set = segments[index]
		explicitSet = true
		index++
	}

	for index < len(segments) {
		segment := segments[index]
		switch segment {
		case keywordSort:
			index++
			if index < len(segments) && segments[index] == keywordReverse {
				cfg.SortReversed = true
				index++
			}
			if index < len(segments) {
				cfg.Sort = segments[index]
				index++
			}
		case keywordView:
			index++
			if index < len(segments) {
				cfg.ViewMode = segments[index]
				index++
				if viewModesWithExtra[cfg.ViewMode] && index < len(segments) {
					cfg.ViewModeExtra = segments[index]
					index++
				}
			}
		default:
			filterName, consumed := consumeFilterSegments(segments[index:])
			cfg.Filters = append(cfg.Filters, filterName)
			index += consumed
		}
	}

	return NewDescription(cfg), explicitSet
}

// consumeFilterSegments reads one filter from the segment stream. A
// configurable filter invocation spans 1+len(args) segments which re-join
// with '/' into the canonical filter name; anything else is a single opaque
// segment.
func consumeFilterSegments(segments []string) (string, int) {
	base := strings.TrimPrefix(segments[0], InverseFilterPrefix)
	if schema, ok := configurableFilters[base]; ok {
		consumed := 1 + len(schema.args)
		if consumed > len(segments) {
			consumed = len(segments)
		}
		return strings.Join(segments[:consumed], "/"), consumed
	}
	return segments[0], 1
}
