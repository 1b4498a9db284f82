package collection

import (
	"reflect"
	"testing"

	"github.com/MarcoPoloResearchLab/compendium/backend/internal/cards"
)

func TestMemoizedCollectionReusesEvaluation(t *testing.T) {
	snap := newTestSnapshot()
	description := describe("main/published")

	var memo memoizedCollection
	first := memo.get(description, snap)
	if first == nil {
		t.Fatal("expected a collection")
	}
	if second := memo.get(description, snap); second != first {
		t.Fatal("same description and version must reuse the evaluation")
	}

	// A version bump invalidates the memo even when data looks the same.
	bumped := *snap
	bumped.Version = snap.Version + 1
	if third := memo.get(description, &bumped); third == first {
		t.Fatal("version bump must re-evaluate")
	}

	if fourth := memo.get(describe("everything"), &bumped); fourth == nil || reflect.DeepEqual(fourth.Description(), description) {
		t.Fatal("description change must re-evaluate")
	}
}

func TestMemoizedCollectionNilSnapshot(t *testing.T) {
	var memo memoizedCollection
	if memo.get(describe("main"), nil) != nil {
		t.Fatal("nil snapshot must yield nil")
	}
}

func TestTrackerFirstSnapshotCatchesUp(t *testing.T) {
	tracker := NewTracker(describe("main/published"))
	if tracker.LiveCollection() != nil || tracker.CommittedCollection() != nil {
		t.Fatal("empty tracker must yield nil collections")
	}

	snap := newTestSnapshot()
	tracker.UpdateLive(snap)
	if tracker.CommittedCollection() == nil {
		t.Fatal("first snapshot must also become the committed one")
	}
	if removed := tracker.CardsThatWillBeRemoved(); len(removed) != 0 {
		t.Fatalf("initial load must not ghost anything, got %v", removed)
	}
}

func TestTrackerGhostsCardsUntilCommit(t *testing.T) {
	tracker := NewTracker(describe("main/published"))
	snap := newTestSnapshot()
	tracker.UpdateLive(snap)

	// The user unpublishes card-b: it leaves the live evaluation but stays in
	// the committed one, so the UI renders it as a ghost.
	unpublished := *snap
	unpublished.Version = snap.Version + 1
	unpublished.Filters = map[string]map[string]bool{
		"published": {"card-a": true},
	}
	cardB := snap.Cards["card-b"]
	cardB.Published = false
	unpublished.Cards = map[string]cards.Card{
		"card-a": snap.Cards["card-a"], "card-b": cardB,
		"card-c": snap.Cards["card-c"], "concept-plants": snap.Cards["concept-plants"],
	}
	tracker.UpdateLive(&unpublished)

	if got := tracker.LiveCollection().FinalSortedCardIDs(); !reflect.DeepEqual(got, []string{"card-a"}) {
		t.Fatalf("live ids = %v", got)
	}
	if got := tracker.CommittedCollection().FinalSortedCardIDs(); !reflect.DeepEqual(got, []string{"card-a", "card-b"}) {
		t.Fatalf("committed ids = %v", got)
	}
	if removed := tracker.CardsThatWillBeRemoved(); !reflect.DeepEqual(removed, []string{"card-b"}) {
		t.Fatalf("removed = %v", removed)
	}

	tracker.Commit()
	if removed := tracker.CardsThatWillBeRemoved(); len(removed) != 0 {
		t.Fatalf("commit must clear ghosts, got %v", removed)
	}
	if got := tracker.CommittedCollection().FinalSortedCardIDs(); !reflect.DeepEqual(got, []string{"card-a"}) {
		t.Fatalf("committed ids after commit = %v", got)
	}
}

func TestTrackerSetDescriptionCommitsOnlyOnChange(t *testing.T) {
	tracker := NewTracker(describe("main/published"))
	snap := newTestSnapshot()
	tracker.UpdateLive(snap)

	changed := *snap
	changed.Version = snap.Version + 1
	changed.Filters = map[string]map[string]bool{"published": {"card-a": true}}
	tracker.UpdateLive(&changed)

	// A no-op description update keeps the committed snapshot pinned.
	tracker.SetDescription(describe("main/published"))
	if !reflect.DeepEqual(tracker.CardsThatWillBeRemoved(), []string{"card-b"}) {
		t.Fatal("equivalent description must not commit")
	}

	// Real navigation commits: the user asked for a fresh view.
	tracker.SetDescription(describe("everything"))
	if removed := tracker.CardsThatWillBeRemoved(); len(removed) != 0 {
		t.Fatalf("navigation must commit, got %v", removed)
	}
}
