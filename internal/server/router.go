package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/compendium/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/compendium/backend/internal/cards"
	"github.com/MarcoPoloResearchLab/compendium/backend/internal/collection"
	"github.com/MarcoPoloResearchLab/compendium/backend/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	userIDContextKey       = "compendium_user_id"
	capabilitiesContextKey = "compendium_capabilities"
)

var (
	errMissingVerifier      = errors.New("identity verifier dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingCardsService  = errors.New("cards service dependency required")
	errMissingUsersService  = errors.New("users service dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// IdentityVerifier validates ID tokens presented at login.
type IdentityVerifier interface {
	Verify(ctx context.Context, rawToken string) (auth.IdentityClaims, error)
}

// SessionTokenManager mints and validates the backend's own session tokens.
// Tokens carry the capability grants held at login so handlers can gate
// destructive routes without re-reading the permission store on every request.
type SessionTokenManager interface {
	IssueSessionToken(ctx context.Context, userID string, capabilities []string) (string, int64, error)
	ValidateToken(token string) (string, []string, error)
}

// Dependencies wires the HTTP surface. Realtime is optional; when nil,
// commits simply skip the fan-out.
type Dependencies struct {
	Verifier     IdentityVerifier
	TokenManager SessionTokenManager
	CardsService *cards.Service
	UsersService *users.Service
	Realtime     *RealtimeDispatcher
	Clock        func() time.Time
	Logger       *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Verifier == nil {
		return nil, errMissingVerifier
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.CardsService == nil {
		return nil, errMissingCardsService
	}
	if deps.UsersService == nil {
		return nil, errMissingUsersService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		verifier: deps.Verifier,
		tokens:   deps.TokenManager,
		cards:    deps.CardsService,
		users:    deps.UsersService,
		realtime: deps.Realtime,
		clock:    clock,
		logger:   logger,
	}

	router.POST("/auth/login", handler.handleLogin)

	protected := router.Group("/api")
	protected.Use(handler.authorizeRequest)
	protected.GET("/cards", handler.handleListCards)
	protected.GET("/cards/:selector", handler.handleGetCard)
	protected.POST("/cards", handler.handleCreateCard)
	protected.POST("/cards/:selector/commit", handler.handleCommitCard)
	protected.DELETE("/cards/:selector", handler.handleDeleteCard)
	protected.GET("/collection/*path", handler.handleCollection)
	protected.GET("/page/*path", handler.handlePage)
	protected.GET("/events", handler.handleEvents)

	return router, nil
}

type httpHandler struct {
	verifier IdentityVerifier
	tokens   SessionTokenManager
	cards    *cards.Service
	users    *users.Service
	realtime *RealtimeDispatcher
	clock    func() time.Time
	logger   *zap.Logger
}

type loginRequestPayload struct {
	IDToken string `json:"id_token"`
}

type loginResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	UserID      string `json:"user_id"`
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.IDToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	claims, err := h.verifier.Verify(c.Request.Context(), request.IDToken)
	if err != nil {
		h.logger.Warn("id token verification failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	userID, err := h.users.TouchIdentity(c.Request.Context(), claims.Provider, claims.Subject, claims.Email, claims.DisplayName)
	if err != nil {
		h.logger.Error("identity upsert failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "identity_failed"})
		return
	}

	capabilities, err := h.users.ListCapabilities(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to load capabilities", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "capabilities_failed"})
		return
	}

	token, expiresIn, err := h.tokens.IssueSessionToken(c.Request.Context(), userID, capabilities)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, loginResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		UserID:      userID,
	})
}

func (h *httpHandler) handleListCards(c *gin.Context) {
	allCards, err := h.cards.ListCards(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list cards", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	payloads := make([]cardPayload, 0, len(allCards))
	for _, card := range allCards {
		payloads = append(payloads, payloadFromCard(card))
	}
	c.JSON(http.StatusOK, gin.H{"cards": payloads})
}

func (h *httpHandler) handleGetCard(c *gin.Context) {
	card, err := h.cards.GetCard(c.Request.Context(), c.Param("selector"))
	if errors.Is(err, cards.ErrCardNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "card_not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to load card", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load_failed"})
		return
	}
	c.JSON(http.StatusOK, payloadFromCard(card))
}

func (h *httpHandler) handleCreateCard(c *gin.Context) {
	userID, ok := h.requestUser(c)
	if !ok {
		return
	}

	var payload cardPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	candidate := cardFromPayload(payload, cards.Card{ID: payload.ID})
	created, err := h.cards.CreateCard(c.Request.Context(), userID, candidate)
	if err != nil {
		var illegal *cards.IllegalDiffError
		switch {
		case errors.As(err, &illegal):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "illegal_card", "reason": illegal.Reason})
		case errors.Is(err, cards.ErrCardExists):
			c.JSON(http.StatusConflict, gin.H{"error": "card_exists"})
		default:
			h.logger.Error("failed to create card", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
		}
		return
	}
	c.JSON(http.StatusCreated, payloadFromCard(created))
}

func (h *httpHandler) handleCommitCard(c *gin.Context) {
	userID, ok := h.requestUser(c)
	if !ok {
		return
	}

	var payload cardPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	selector := c.Param("selector")
	stored, err := h.cards.GetCard(c.Request.Context(), selector)
	if errors.Is(err, cards.ErrCardNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "card_not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to load card for commit", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load_failed"})
		return
	}

	updated := cardFromPayload(payload, stored)
	diff, err := cards.GenerateFinalCardDiff(stored, updated, cards.DiffOptions{NormalizeHTML: true, Normalizer: cards.NormalizeHTML})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_card_content"})
		return
	}

	cardID, err := cards.NewCardID(stored.ID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_card_id"})
		return
	}

	capabilities, err := h.users.LoadCapabilities(c.Request.Context(), userID.String())
	if err != nil {
		h.logger.Error("failed to load capabilities", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "capabilities_failed"})
		return
	}

	result, err := h.cards.CommitDiff(c.Request.Context(), userID, cardID, diff, capabilities)
	if err != nil {
		var illegal *cards.IllegalDiffError
		if errors.As(err, &illegal) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "illegal_diff", "reason": illegal.Reason})
			return
		}
		h.logger.Error("failed to commit card diff", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "commit_failed"})
		return
	}

	h.publishChange(RealtimeEventCardChanged, userID.String(), result.CardID, result.AffectedCards)

	c.JSON(http.StatusOK, commitResponsePayload{
		CardID:         result.CardID,
		ChangedFields:  result.ChangedFields,
		SectionChanged: result.SectionChanged,
		AffectedCards:  result.AffectedCards,
		Card:           payloadFromCard(result.UpdatedCard),
	})
}

func (h *httpHandler) handleDeleteCard(c *gin.Context) {
	userID, ok := h.requestUser(c)
	if !ok {
		return
	}

	if !sessionHasCapability(c, users.CapabilityAdmin, users.CapabilityEdit) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	cardID, err := cards.NewCardID(c.Param("selector"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_card_id"})
		return
	}

	err = h.cards.DeleteCard(c.Request.Context(), cardID)
	if errors.Is(err, cards.ErrCardNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "card_not_found"})
		return
	}
	if errors.Is(err, cards.ErrDeleteBlocked) {
		c.JSON(http.StatusConflict, gin.H{"error": "delete_blocked"})
		return
	}
	if err != nil {
		h.logger.Error("failed to delete card", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed"})
		return
	}

	h.publishChange(RealtimeEventCardDeleted, userID.String(), cardID.String(), nil)
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleCollection(c *gin.Context) {
	h.serveCollection(c, false)
}

// handlePage treats the final path segment as a card selector, mirroring the
// address format the editor uses for card pages.
func (h *httpHandler) handlePage(c *gin.Context) {
	h.serveCollection(c, true)
}

func (h *httpHandler) serveCollection(c *gin.Context, withSelectedCard bool) {
	userID := c.GetString(userIDContextKey)
	allCards, err := h.cards.ListCards(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list cards for collection", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}

	path := strings.TrimPrefix(c.Param("path"), "/")
	var description collection.Description
	selectedCard := ""
	if withSelectedCard {
		description, selectedCard, _ = collection.DeserializeDescriptionWithExtra(path)
	} else {
		description, _ = collection.DeserializeDescription(path)
	}

	snap := buildSnapshot(allCards, userID, h.clock())
	evaluated := collection.NewCollection(description, snap)

	c.JSON(http.StatusOK, collectionResponsePayload{
		Description:  description.Serialize(),
		CardIDs:      evaluated.FinalSortedCardIDs(),
		FilterLabels: evaluated.FilterLabels(),
		IsFallback:   evaluated.IsFallback(),
		Reorderable:  evaluated.Reorderable(),
		SelectedCard: selectedCard,
	})
}

// handleEvents streams committed card changes as server-sent events.
func (h *httpHandler) handleEvents(c *gin.Context) {
	if h.realtime == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "events_disabled"})
		return
	}
	stream, cleanup := h.realtime.Subscribe(c.Request.Context())
	defer cleanup()

	c.Stream(func(w io.Writer) bool {
		select {
		case message, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(message.EventType, message)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (h *httpHandler) publishChange(eventType, actorID, primaryCardID string, affected []string) {
	if h.realtime == nil {
		return
	}
	cardIDs := append([]string{primaryCardID}, affected...)
	h.realtime.Publish(RealtimeMessage{
		EventType: eventType,
		CardIDs:   cardIDs,
		ActorID:   actorID,
		Timestamp: h.clock().UTC(),
	})
}

func (h *httpHandler) requestUser(c *gin.Context) (cards.UserID, bool) {
	raw := c.GetString(userIDContextKey)
	userID, err := cards.NewUserID(raw)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return userID, true
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, capabilities, err := h.tokens.ValidateToken(token)
	if err != nil {
		// Expired sessions are routine; anything else deserves attention.
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("session token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Set(capabilitiesContextKey, capabilities)
	c.Next()
}

// sessionHasCapability checks the capability hint carried by the session
// token. It never reads the permission store; stale hints last at most one
// token lifetime.
func sessionHasCapability(c *gin.Context, wanted ...string) bool {
	capabilities, ok := c.Get(capabilitiesContextKey)
	if !ok {
		return false
	}
	granted, ok := capabilities.([]string)
	if !ok {
		return false
	}
	for _, capability := range granted {
		for _, want := range wanted {
			if capability == want {
				return true
			}
		}
	}
	return false
}
