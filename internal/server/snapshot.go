package server

import (
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/compendium/backend/internal/cards"
	"github.com/MarcoPoloResearchLab/compendium/backend/internal/collection"
)

// buildSnapshot assembles the pipeline input from the full card list. Named
// sets, sections and literal filter memberships are derived here; the
// pipeline itself never touches storage.
func buildSnapshot(allCards []cards.Card, userID string, now time.Time) *collection.Snapshot {
	cardMap := make(map[string]cards.Card, len(allCards))
	everything := make([]string, 0, len(allCards))
	var published []string
	var readingList []string
	filters := make(map[string]map[string]bool)
	sections := make(map[string]collection.Section)

	addFilterMember := func(name, cardID string) {
		members := filters[name]
		if members == nil {
			members = make(map[string]bool)
			filters[name] = members
		}
		members[cardID] = true
	}

	var version int64
	for _, card := range allCards {
		cardMap[card.ID] = card
		everything = append(everything, card.ID)
		if card.Published {
			published = append(published, card.ID)
			addFilterMember("published", card.ID)
		}
		if card.CardType != "" {
			addFilterMember(string(card.CardType), card.ID)
		}
		for _, tag := range card.Tags {
			addFilterMember("tag:"+tag, card.ID)
			if tag == "reading-list" {
				readingList = append(readingList, card.ID)
			}
		}
		if card.Section != "" {
			addFilterMember(card.Section, card.ID)
			section := sections[card.Section]
			section.ID = card.Section
			if section.Title == "" {
				section.Title = card.Section
			}
			section.Cards = append(section.Cards, card.ID)
			if card.CardType == cards.CardTypeSectionHead {
				section.StartCards = append(section.StartCards, card.ID)
				if section.SortOrder < card.SortOrder {
					section.SortOrder = card.SortOrder
				}
			}
			sections[card.Section] = section
		}
		if card.UpdatedSeconds > version {
			version = card.UpdatedSeconds
		}
	}
	sort.Strings(everything)
	version = version<<16 | int64(len(allCards)&0xffff)

	// Section heads pin to the top of their section's collection and stand in
	// for it when the section is otherwise empty.
	startCards := make(map[string][]string)
	fallbackCards := make(map[string][]string)
	for _, section := range sections {
		if len(section.StartCards) == 0 {
			continue
		}
		for _, set := range []string{collection.SetMain, collection.SetEverything} {
			key := set + "/" + section.ID
			startCards[key] = section.StartCards
			fallbackCards[key] = section.StartCards
		}
	}

	return &collection.Snapshot{
		Cards: cardMap,
		Sets: map[string][]string{
			collection.SetEverything:  everything,
			collection.SetMain:        published,
			collection.SetReadingList: readingList,
		},
		Sections:      sections,
		Filters:       filters,
		StartCards:    startCards,
		FallbackCards: fallbackCards,
		UserID:        userID,
		RandomSalt:    now.UTC().Format("2006-01-02"),
		NowSeconds:    now.Unix(),
		Version:       version,
	}
}
