package cards

import (
	"fmt"
	"strings"
	"time"
)

// CardTypeFinisher derives field values for a card of its type before
// diffing, e.g. auto-generated titles. Finishers mutate the working copy and
// may fail, which aborts diff generation.
type CardTypeFinisher func(card *Card) error

var cardTypeFinishers = map[CardType]CardTypeFinisher{
	CardTypeWorkingNotes: finishWorkingNotes,
	CardTypeQuote:        finishQuote,
}

// finishWorkingNotes derives a title from the first line of the body plus the
// update date, since working notes are never titled by hand.
func finishWorkingNotes(card *Card) error {
	firstLine := strings.TrimSpace(strings.SplitN(stripTags(card.Body), "\n", 2)[0])
	const maxDerivedTitle = 40
	if len(firstLine) > maxDerivedTitle {
		firstLine = strings.TrimSpace(firstLine[:maxDerivedTitle]) + "…"
	}
	dateStamp := time.Unix(card.UpdatedSeconds, 0).UTC().Format("1/2/06")
	if card.UpdatedSeconds == 0 {
		dateStamp = "draft"
	}
	card.Title = dateStamp + " " + firstLine
	return nil
}

// finishQuote requires a citation reference before the card can be saved.
func finishQuote(card *Card) error {
	for _, entries := range card.ReferencesInfo {
		if _, ok := entries[ReferenceTypeCitation]; ok {
			return nil
		}
	}
	return fmt.Errorf("quote cards require a citation reference")
}

// fontSizeBoostFields lists the fields eligible for a boost, per card type.
var fontSizeBoostFields = map[CardType][]string{
	CardTypeContent:     {FieldTitle},
	CardTypeSectionHead: {FieldTitle, FieldSubtitle},
	CardTypeQuote:       {FieldTitle},
	CardTypeConcept:     {FieldTitle},
}

// deriveFontSizeBoost recomputes the derived per-field boost map. Boosts for
// fields not eligible under the card's type are discarded, which also clears
// stale boosts after a card-type change.
func deriveFontSizeBoost(card Card) map[string]int {
	eligible := fontSizeBoostFields[card.CardType]
	if len(eligible) == 0 {
		return nil
	}
	boosts := make(map[string]int)
	for _, field := range eligible {
		var text string
		switch field {
		case FieldTitle:
			text = card.Title
		case FieldSubtitle:
			text = card.Subtitle
		}
		if boost := boostForLength(len([]rune(stripTags(text)))); boost != 0 {
			boosts[field] = boost
		}
	}
	if len(boosts) == 0 {
		return nil
	}
	return boosts
}

// boostForLength bumps short display text up a few steps so it fills its
// field, mirroring what the rendering layer would otherwise recompute per
// frame.
func boostForLength(length int) int {
	switch {
	case length == 0:
		return 0
	case length <= 8:
		return 3
	case length <= 16:
		return 2
	case length <= 28:
		return 1
	default:
		return 0
	}
}

// GenerateFinalCardDiff runs the card-type finisher over the raw updated
// card, recomputes the derived font size boost, and produces the diff against
// underlying. Finisher failures abort with a wrapped error.
func GenerateFinalCardDiff(underlying, rawUpdated Card, opts DiffOptions) (*CardDiff, error) {
	updated := rawUpdated.Clone()

	if finisher, ok := cardTypeFinishers[updated.CardType]; ok {
		if err := finisher(&updated); err != nil {
			return nil, fmt.Errorf("card finisher for %s failed: %w", updated.CardType, err)
		}
	}

	// Font size boost is derived, not user edited; diff it separately from
	// whatever the editor handed us.
	updated.FontSizeBoost = deriveFontSizeBoost(updated)

	return GenerateCardDiff(underlying, updated, opts)
}
