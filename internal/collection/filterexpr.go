package collection

import (
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/compendium/backend/internal/cards"
)

// FilterExpr is the parsed form of one filter name: a literal name, a union
// of sub-expressions (OR), or an inverted expression (NOT). Building the tree
// once and evaluating by structural recursion replaces repeated string
// splitting at evaluation time.
type FilterExpr interface {
	isFilterExpr()
	// Name renders the expression back to its canonical filter-name string.
	Name() string
}

// LiteralFilter names a static filter or a configurable filter invocation.
type LiteralFilter struct {
	FilterName string
}

func (LiteralFilter) isFilterExpr() {}

// Name returns the literal filter name.
func (f LiteralFilter) Name() string { return f.FilterName }

// UnionFilter ORs its members.
type UnionFilter struct {
	Members []FilterExpr
}

func (UnionFilter) isFilterExpr() {}

// Name joins the member names with the union delimiter.
func (f UnionFilter) Name() string {
	names := make([]string, len(f.Members))
	for i, member := range f.Members {
		names[i] = member.Name()
	}
	return strings.Join(names, UnionFilterDelimiter)
}

// InverseFilter negates its inner expression.
type InverseFilter struct {
	Expr FilterExpr
}

func (InverseFilter) isFilterExpr() {}

// Name prefixes the inner name with the inverse marker.
func (f InverseFilter) Name() string { return InverseFilterPrefix + f.Expr.Name() }

// ParseFilterExpr builds the expression tree for one filter name. A
// configurable invocation (containing '/') is never union-split, since
// multiple-cards arguments reuse the union delimiter character.
func ParseFilterExpr(name string) FilterExpr {
	if inverted, ok := strings.CutPrefix(name, InverseFilterPrefix); ok {
		return InverseFilter{Expr: ParseFilterExpr(inverted)}
	}
	if !strings.Contains(name, "/") && strings.Contains(name, UnionFilterDelimiter) {
		parts := strings.Split(name, UnionFilterDelimiter)
		members := make([]FilterExpr, 0, len(parts))
		for _, part := range parts {
			if part != "" {
				members = append(members, ParseFilterExpr(part))
			}
		}
		if len(members) == 1 {
			return members[0]
		}
		return UnionFilter{Members: members}
	}
	return LiteralFilter{FilterName: name}
}

// ArgType tags one typed parameter slot of a configurable filter. The list is
// closed; implementations must not invent additional tags.
type ArgType string

const (
	ArgTypeDate          ArgType = "date"
	ArgTypeText          ArgType = "text"
	ArgTypeKeyCard       ArgType = "key-card"
	ArgTypeInt           ArgType = "int"
	ArgTypeFloat         ArgType = "float"
	ArgTypeReferenceType ArgType = "reference-type"
	ArgTypeUserID        ArgType = "user-id"
	ArgTypeSubFilter     ArgType = "sub-filter"
	ArgTypeMultipleCards ArgType = "multiple-cards"
	ArgTypeConcept       ArgType = "concept"
	ArgTypeExpand        ArgType = "expand"
)

const dateArgLayout = "2006-01-02"

// membershipFunc decides whether a card belongs, optionally contributing a
// per-card sort tiebreak value.
type membershipFunc func(card cards.Card) (include bool, sortExtra float64, hasSortExtra bool)

// resolverFunc resolves a nested filter name, for schemas with sub-filter
// arguments. It returns nil for unknown names.
type resolverFunc func(name string) *resolvedFilter

// resolvedFilter is a filter name bound to a snapshot: a membership predicate
// plus a display label.
type resolvedFilter struct {
	matches membershipFunc
	label   string
}

type configurableFilterSchema struct {
	args    []ArgType
	factory func(args []string, snap *Snapshot, resolve resolverFunc) *resolvedFilter
}

// configurableFilters maps base names to their schemas. Parsing and
// re-serialization both derive from the args list, which guarantees the
// round-trip property.
var configurableFilters = map[string]configurableFilterSchema{
	"updated-before": {
		args:    []ArgType{ArgTypeDate},
		factory: updatedBeforeFilter,
	},
	"updated-after": {
		args:    []ArgType{ArgTypeDate},
		factory: updatedAfterFilter,
	},
	"updated-in-last-days": {
		args:    []ArgType{ArgTypeInt},
		factory: updatedInLastDaysFilter,
	},
	"query": {
		args:    []ArgType{ArgTypeText},
		factory: queryFilter,
	},
	"similar": {
		args:    []ArgType{ArgTypeKeyCard},
		factory: similarFilter,
	},
	"children": {
		args:    []ArgType{ArgTypeKeyCard},
		factory: childrenFilter,
	},
	"parents": {
		args:    []ArgType{ArgTypeKeyCard},
		factory: parentsFilter,
	},
	"references-to": {
		args:    []ArgType{ArgTypeReferenceType, ArgTypeKeyCard},
		factory: referencesToFilter,
	},
	"about-concept": {
		args:    []ArgType{ArgTypeConcept},
		factory: aboutConceptFilter,
	},
	"author": {
		args:    []ArgType{ArgTypeUserID},
		factory: authorFilter,
	},
	"selected": {
		args:    []ArgType{ArgTypeMultipleCards},
		factory: selectedFilter,
	},
	"sort-order-above": {
		args:    []ArgType{ArgTypeFloat},
		factory: sortOrderAboveFilter,
	},
	"expand": {
		args:    []ArgType{ArgTypeSubFilter, ArgTypeExpand},
		factory: expandFilter,
	},
}

// ParseConfigurableFilter splits a '/'-joined invocation into its base name
// and arguments, validating argument count and syntax against the schema. The
// boolean result is false for anything that is not a well-formed invocation.
func ParseConfigurableFilter(name string) (base string, args []string, ok bool) {
	parts := strings.Split(name, "/")
	schema, known := configurableFilters[parts[0]]
	if !known || len(parts) != 1+len(schema.args) {
		return "", nil, false
	}
	args = parts[1:]
	for i, argType := range schema.args {
		if !validArg(argType, args[i]) {
			return "", nil, false
		}
	}
	return parts[0], args, true
}

// SerializeConfigurableFilter is the inverse of ParseConfigurableFilter.
func SerializeConfigurableFilter(base string, args []string) string {
	return strings.Join(append([]string{base}, args...), "/")
}

func validArg(argType ArgType, value string) bool {
	if value == "" {
		return false
	}
	switch argType {
	case ArgTypeDate:
		_, err := time.Parse(dateArgLayout, value)
		return err == nil
	case ArgTypeInt:
		_, err := strconv.Atoi(value)
		return err == nil
	case ArgTypeFloat:
		_, err := strconv.ParseFloat(value, 64)
		return err == nil
	case ArgTypeExpand:
		hops, err := strconv.Atoi(value)
		return err == nil && hops >= 0
	default:
		// Text-shaped arguments only require presence.
		return true
	}
}

func updatedBeforeFilter(args []string, _ *Snapshot, _ resolverFunc) *resolvedFilter {
	cutoff, _ := time.Parse(dateArgLayout, args[0])
	seconds := cutoff.Unix()
	return &resolvedFilter{
		label: "Updated before " + args[0],
		matches: func(card cards.Card) (bool, float64, bool) {
			return card.UpdatedSeconds < seconds, 0, false
		},
	}
}

func updatedAfterFilter(args []string, _ *Snapshot, _ resolverFunc) *resolvedFilter {
	cutoff, _ := time.Parse(dateArgLayout, args[0])
	seconds := cutoff.Unix()
	return &resolvedFilter{
		label: "Updated after " + args[0],
		matches: func(card cards.Card) (bool, float64, bool) {
			return card.UpdatedSeconds >= seconds, 0, false
		},
	}
}

func updatedInLastDaysFilter(args []string, snap *Snapshot, _ resolverFunc) *resolvedFilter {
	days, _ := strconv.Atoi(args[0])
	cutoff := snap.NowSeconds - int64(days)*24*60*60
	return &resolvedFilter{
		label: "Updated in last " + args[0] + " days",
		matches: func(card cards.Card) (bool, float64, bool) {
			return card.UpdatedSeconds >= cutoff, 0, false
		},
	}
}

func queryFilter(args []string, _ *Snapshot, _ resolverFunc) *resolvedFilter {
	needle := strings.ToLower(args[0])
	return &resolvedFilter{
		label: "Query: " + args[0],
		matches: func(card cards.Card) (bool, float64, bool) {
			score := 0.0
			if strings.Contains(strings.ToLower(card.Title), needle) {
				score += 1.0
			}
			if strings.Contains(strings.ToLower(card.Body), needle) {
				score += 0.5
			}
			return score > 0, score, true
		},
	}
}

func similarFilter(args []string, snap *Snapshot, _ resolverFunc) *resolvedFilter {
	keyCardID := args[0]
	scores := snap.Similarity[keyCardID]
	return &resolvedFilter{
		label: "Similar to " + keyCardID,
		matches: func(card cards.Card) (bool, float64, bool) {
			if card.ID == keyCardID {
				return false, 0, false
			}
			score, ok := scores[card.ID]
			return ok, score, ok
		},
	}
}

func childrenFilter(args []string, snap *Snapshot, _ resolverFunc) *resolvedFilter {
	keyCard, ok := snap.Cards[args[0]]
	if !ok {
		return nil
	}
	return &resolvedFilter{
		label: "Children of " + args[0],
		matches: func(card cards.Card) (bool, float64, bool) {
			return keyCard.References[card.ID], 0, false
		},
	}
}

func parentsFilter(args []string, snap *Snapshot, _ resolverFunc) *resolvedFilter {
	keyCardID := args[0]
	return &resolvedFilter{
		label: "Parents of " + keyCardID,
		matches: func(card cards.Card) (bool, float64, bool) {
			return card.References[keyCardID], 0, false
		},
	}
}

func referencesToFilter(args []string, _ *Snapshot, _ resolverFunc) *resolvedFilter {
	refType := cards.ReferenceType(args[0])
	keyCardID := args[1]
	return &resolvedFilter{
		label: "Cards with a " + args[0] + " reference to " + keyCardID,
		matches: func(card cards.Card) (bool, float64, bool) {
			entries := card.ReferencesInfo[keyCardID]
			_, ok := entries[refType]
			return ok, 0, false
		},
	}
}

func aboutConceptFilter(args []string, snap *Snapshot, _ resolverFunc) *resolvedFilter {
	conceptID := resolveConceptID(args[0], snap)
	if conceptID == "" {
		return nil
	}
	return &resolvedFilter{
		label: "About " + args[0],
		matches: func(card cards.Card) (bool, float64, bool) {
			entries := card.ReferencesInfo[conceptID]
			_, ok := entries[cards.ReferenceTypeConcept]
			return ok, 0, false
		},
	}
}

// resolveConceptID accepts a concept card id or the concept's title.
func resolveConceptID(selector string, snap *Snapshot) string {
	if card, ok := snap.Cards[selector]; ok && card.CardType == cards.CardTypeConcept {
		return card.ID
	}
	lowered := strings.ToLower(selector)
	for id, card := range snap.Cards {
		if card.CardType == cards.CardTypeConcept && strings.ToLower(card.Title) == lowered {
			return id
		}
	}
	return ""
}

func authorFilter(args []string, _ *Snapshot, _ resolverFunc) *resolvedFilter {
	userID := args[0]
	return &resolvedFilter{
		label: "By " + userID,
		matches: func(card cards.Card) (bool, float64, bool) {
			if card.Author == userID {
				return true, 0, false
			}
			for _, collaborator := range card.Collaborators {
				if collaborator == userID {
					return true, 0, false
				}
			}
			return false, 0, false
		},
	}
}

func selectedFilter(args []string, _ *Snapshot, _ resolverFunc) *resolvedFilter {
	ids := strings.Split(args[0], UnionFilterDelimiter)
	selected := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id != "" {
			selected[id] = true
		}
	}
	return &resolvedFilter{
		label: "Selected cards",
		matches: func(card cards.Card) (bool, float64, bool) {
			return selected[card.ID], 0, false
		},
	}
}

func sortOrderAboveFilter(args []string, _ *Snapshot, _ resolverFunc) *resolvedFilter {
	threshold, _ := strconv.ParseFloat(args[0], 64)
	return &resolvedFilter{
		label: "Sort order above " + args[0],
		matches: func(card cards.Card) (bool, float64, bool) {
			return card.SortOrder > threshold, 0, false
		},
	}
}

// expandFilter matches everything its sub-filter matches, plus every card
// within the given number of link hops of a match.
func expandFilter(args []string, snap *Snapshot, resolve resolverFunc) *resolvedFilter {
	inner := resolve(args[0])
	if inner == nil {
		return nil
	}
	hops, _ := strconv.Atoi(args[1])

	matched := make(map[string]bool)
	for id, card := range snap.Cards {
		if include, _, _ := inner.matches(card); include {
			matched[id] = true
		}
	}
	frontier := matched
	for hop := 0; hop < hops; hop++ {
		next := make(map[string]bool)
		for id := range frontier {
			card, ok := snap.Cards[id]
			if !ok {
				continue
			}
			for neighbor := range card.References {
				if !matched[neighbor] {
					matched[neighbor] = true
					next[neighbor] = true
				}
			}
			for neighbor := range card.ReferencesInbound {
				if !matched[neighbor] {
					matched[neighbor] = true
					next[neighbor] = true
				}
			}
		}
		if len(next) == 0 {
			break
		}
		frontier = next
	}

	return &resolvedFilter{
		label: inner.label + " (expanded " + args[1] + ")",
		matches: func(card cards.Card) (bool, float64, bool) {
			return matched[card.ID], 0, false
		},
	}
}
