package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/compendium/backend/internal/cards"
	"github.com/MarcoPoloResearchLab/compendium/backend/internal/database"
	"github.com/MarcoPoloResearchLab/compendium/backend/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const testUserID = "google:tester"

type routerFixture struct {
	handler http.Handler
	cards   *cards.Service
	users   *users.Service
}

func newRouterFixture(t *testing.T) routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_")), zap.NewNop())
	if err != nil {
		t.Fatalf("open database: %v", err)
	}

	cardsService, err := cards.NewService(cards.ServiceConfig{
		Database:   db,
		IDProvider: cards.NewUUIDProvider(),
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("cards service: %v", err)
	}
	usersService, err := users.NewService(db, zap.NewNop())
	if err != nil {
		t.Fatalf("users service: %v", err)
	}
	if err := usersService.Grant(t.Context(), testUserID, users.CapabilityEdit); err != nil {
		t.Fatalf("grant edit: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Verifier:     stubVerifier{},
		TokenManager: stubTokenManager{subject: testUserID, capabilities: []string{users.CapabilityEdit}},
		CardsService: cardsService,
		UsersService: usersService,
		Realtime:     NewRealtimeDispatcher(),
		Logger:       zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	return routerFixture{handler: handler, cards: cardsService, users: usersService}
}

func (f routerFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode request body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Authorization", "Bearer anything")
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeJSON[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var value T
	if err := json.Unmarshal(recorder.Body.Bytes(), &value); err != nil {
		t.Fatalf("decode response: %v (body %s)", err, recorder.Body.String())
	}
	return value
}

func TestCreateAndGetCard(t *testing.T) {
	fixture := newRouterFixture(t)

	created := fixture.do(t, http.MethodPost, "/api/cards", cardPayload{
		ID:       "card-a",
		Name:     "alpha",
		Title:    "Alpha",
		CardType: string(cards.CardTypeContent),
		Section:  "intro",
	})
	if created.Code != http.StatusCreated {
		t.Fatalf("create status %d: %s", created.Code, created.Body.String())
	}

	fetched := fixture.do(t, http.MethodGet, "/api/cards/card-a", nil)
	if fetched.Code != http.StatusOK {
		t.Fatalf("get status %d: %s", fetched.Code, fetched.Body.String())
	}
	card := decodeJSON[cardPayload](t, fetched)
	if card.Title != "Alpha" || card.Author != testUserID {
		t.Fatalf("unexpected card %+v", card)
	}

	byName := fixture.do(t, http.MethodGet, "/api/cards/alpha", nil)
	if byName.Code != http.StatusOK {
		t.Fatalf("get by name status %d", byName.Code)
	}
}

func TestCommitUpdatesCardAndInboundMirror(t *testing.T) {
	fixture := newRouterFixture(t)

	for _, id := range []string{"card-a", "card-b"} {
		response := fixture.do(t, http.MethodPost, "/api/cards", cardPayload{
			ID:       id,
			CardType: string(cards.CardTypeContent),
			Section:  "intro",
		})
		if response.Code != http.StatusCreated {
			t.Fatalf("create %s status %d: %s", id, response.Code, response.Body.String())
		}
	}

	stored := decodeJSON[cardPayload](t, fixture.do(t, http.MethodGet, "/api/cards/card-a", nil))
	stored.Title = "Linked"
	stored.ReferencesInfo = map[string]map[string]string{
		"card-b": {string(cards.ReferenceTypeLink): ""},
	}

	committed := fixture.do(t, http.MethodPost, "/api/cards/card-a/commit", stored)
	if committed.Code != http.StatusOK {
		t.Fatalf("commit status %d: %s", committed.Code, committed.Body.String())
	}
	result := decodeJSON[commitResponsePayload](t, committed)
	if len(result.AffectedCards) != 1 || result.AffectedCards[0] != "card-b" {
		t.Fatalf("expected card-b affected, got %v", result.AffectedCards)
	}

	target := decodeJSON[cardPayload](t, fixture.do(t, http.MethodGet, "/api/cards/card-b", nil))
	if len(target.InboundReferences) != 1 || target.InboundReferences[0] != "card-a" {
		t.Fatalf("expected inbound mirror on card-b, got %v", target.InboundReferences)
	}
}

func TestCommitRejectsIllegalReference(t *testing.T) {
	fixture := newRouterFixture(t)

	response := fixture.do(t, http.MethodPost, "/api/cards", cardPayload{
		ID:       "card-a",
		CardType: string(cards.CardTypeContent),
		Section:  "intro",
	})
	if response.Code != http.StatusCreated {
		t.Fatalf("create status %d", response.Code)
	}

	stored := decodeJSON[cardPayload](t, fixture.do(t, http.MethodGet, "/api/cards/card-a", nil))
	stored.ReferencesInfo = map[string]map[string]string{
		"card-a": {string(cards.ReferenceTypeLink): ""},
	}

	committed := fixture.do(t, http.MethodPost, "/api/cards/card-a/commit", stored)
	if committed.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for self reference, got %d: %s", committed.Code, committed.Body.String())
	}
}

func TestCreateRejectsIllegalAndDuplicateCards(t *testing.T) {
	fixture := newRouterFixture(t)

	// Quote cards need a citation even at creation time.
	quote := fixture.do(t, http.MethodPost, "/api/cards", cardPayload{
		ID:       "card-quote",
		CardType: string(cards.CardTypeQuote),
	})
	if quote.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for citation-less quote, got %d: %s", quote.Code, quote.Body.String())
	}

	payload := cardPayload{ID: "card-a", CardType: string(cards.CardTypeContent), Section: "intro"}
	if first := fixture.do(t, http.MethodPost, "/api/cards", payload); first.Code != http.StatusCreated {
		t.Fatalf("create status %d", first.Code)
	}
	if second := fixture.do(t, http.MethodPost, "/api/cards", payload); second.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate id, got %d: %s", second.Code, second.Body.String())
	}
}

func TestDeleteRequiresEditCapabilityHint(t *testing.T) {
	fixture := newRouterFixture(t)

	if created := fixture.do(t, http.MethodPost, "/api/cards", cardPayload{
		ID:       "card-a",
		CardType: string(cards.CardTypeContent),
		Section:  "intro",
	}); created.Code != http.StatusCreated {
		t.Fatalf("create status %d", created.Code)
	}

	// Same user, but a session token minted without any grants.
	restricted, err := NewHTTPHandler(Dependencies{
		Verifier:     stubVerifier{},
		TokenManager: stubTokenManager{subject: testUserID},
		CardsService: fixture.cards,
		UsersService: fixture.users,
		Logger:       zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	viewer := routerFixture{handler: restricted, cards: fixture.cards, users: fixture.users}

	if denied := viewer.do(t, http.MethodDelete, "/api/cards/card-a", nil); denied.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without edit grant, got %d: %s", denied.Code, denied.Body.String())
	}
	if allowed := fixture.do(t, http.MethodDelete, "/api/cards/card-a", nil); allowed.Code != http.StatusNoContent {
		t.Fatalf("expected delete to pass with edit grant, got %d: %s", allowed.Code, allowed.Body.String())
	}
}

func TestDeleteBlockedByInboundReferences(t *testing.T) {
	fixture := newRouterFixture(t)

	for _, id := range []string{"card-a", "card-b"} {
		fixture.do(t, http.MethodPost, "/api/cards", cardPayload{
			ID:       id,
			CardType: string(cards.CardTypeContent),
			Section:  "intro",
		})
	}
	stored := decodeJSON[cardPayload](t, fixture.do(t, http.MethodGet, "/api/cards/card-a", nil))
	stored.ReferencesInfo = map[string]map[string]string{
		"card-b": {string(cards.ReferenceTypeLink): ""},
	}
	if committed := fixture.do(t, http.MethodPost, "/api/cards/card-a/commit", stored); committed.Code != http.StatusOK {
		t.Fatalf("commit status %d: %s", committed.Code, committed.Body.String())
	}

	deleted := fixture.do(t, http.MethodDelete, "/api/cards/card-b", nil)
	if deleted.Code != http.StatusConflict {
		t.Fatalf("expected 409 for referenced card, got %d: %s", deleted.Code, deleted.Body.String())
	}
}

func TestLoginMintsSessionToken(t *testing.T) {
	fixture := newRouterFixture(t)

	request := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"id_token":"raw-token"}`))
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	fixture.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("login status %d: %s", recorder.Code, recorder.Body.String())
	}
	response := decodeJSON[loginResponsePayload](t, recorder)
	if response.AccessToken == "" || response.TokenType != "Bearer" {
		t.Fatalf("unexpected login response %+v", response)
	}
}

func TestCollectionEndpointSortsAndFilters(t *testing.T) {
	fixture := newRouterFixture(t)

	seed := []cardPayload{
		{ID: "card-a", CardType: string(cards.CardTypeContent), Section: "intro", SortOrder: 3, Published: true},
		{ID: "card-b", CardType: string(cards.CardTypeContent), Section: "intro", SortOrder: 1, Published: true},
		{ID: "card-c", CardType: string(cards.CardTypeConcept), SortOrder: 2, Published: true},
	}
	for _, payload := range seed {
		if response := fixture.do(t, http.MethodPost, "/api/cards", payload); response.Code != http.StatusCreated {
			t.Fatalf("create %s status %d", payload.ID, response.Code)
		}
	}

	response := fixture.do(t, http.MethodGet, "/api/collection/main/content", nil)
	if response.Code != http.StatusOK {
		t.Fatalf("collection status %d: %s", response.Code, response.Body.String())
	}
	result := decodeJSON[collectionResponsePayload](t, response)
	want := []string{"card-a", "card-b"}
	if len(result.CardIDs) != len(want) {
		t.Fatalf("expected %v, got %v", want, result.CardIDs)
	}
	for index, id := range want {
		if result.CardIDs[index] != id {
			t.Fatalf("expected %v, got %v", want, result.CardIDs)
		}
	}

	// Unknown filters are dropped rather than failing the request.
	lenient := fixture.do(t, http.MethodGet, "/api/collection/main/content/no-such-filter", nil)
	if lenient.Code != http.StatusOK {
		t.Fatalf("lenient status %d", lenient.Code)
	}
	lenientResult := decodeJSON[collectionResponsePayload](t, lenient)
	if len(lenientResult.CardIDs) != len(want) {
		t.Fatalf("unknown filter changed results: %v", lenientResult.CardIDs)
	}
}

func TestPageEndpointPopsCardSelector(t *testing.T) {
	fixture := newRouterFixture(t)

	fixture.do(t, http.MethodPost, "/api/cards", cardPayload{
		ID:        "card-a",
		CardType:  string(cards.CardTypeContent),
		Section:   "intro",
		Published: true,
	})

	response := fixture.do(t, http.MethodGet, "/api/page/main/content/card-a", nil)
	if response.Code != http.StatusOK {
		t.Fatalf("page status %d: %s", response.Code, response.Body.String())
	}
	result := decodeJSON[collectionResponsePayload](t, response)
	if result.SelectedCard != "card-a" {
		t.Fatalf("expected selected card card-a, got %q", result.SelectedCard)
	}
}

func TestCommitPublishesRealtimeEvent(t *testing.T) {
	fixture := newRouterFixture(t)

	dispatcher := NewRealtimeDispatcher()
	handler, err := NewHTTPHandler(Dependencies{
		Verifier:     stubVerifier{},
		TokenManager: stubTokenManager{subject: testUserID, capabilities: []string{users.CapabilityEdit}},
		CardsService: fixture.cards,
		UsersService: fixture.users,
		Realtime:     dispatcher,
		Logger:       zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	wired := routerFixture{handler: handler, cards: fixture.cards, users: fixture.users}

	stream, cleanup := dispatcher.Subscribe(t.Context())
	defer cleanup()

	wired.do(t, http.MethodPost, "/api/cards", cardPayload{
		ID:       "card-a",
		CardType: string(cards.CardTypeContent),
		Section:  "intro",
	})
	stored := decodeJSON[cardPayload](t, wired.do(t, http.MethodGet, "/api/cards/card-a", nil))
	stored.Title = "Announced"
	if committed := wired.do(t, http.MethodPost, "/api/cards/card-a/commit", stored); committed.Code != http.StatusOK {
		t.Fatalf("commit status %d: %s", committed.Code, committed.Body.String())
	}

	select {
	case message := <-stream:
		if message.EventType != RealtimeEventCardChanged {
			t.Fatalf("unexpected event type %s", message.EventType)
		}
		if len(message.CardIDs) == 0 || message.CardIDs[0] != "card-a" {
			t.Fatalf("unexpected card ids %v", message.CardIDs)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a realtime message after commit")
	}
}
