package cards

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	// ErrCardNotFound signals a selector that matches no stored card.
	ErrCardNotFound = errors.New("card not found")
	noOpLogger      = zap.NewNop()

	// ErrDeleteBlocked wraps the reason a card may not be deleted.
	ErrDeleteBlocked = errors.New("cards: delete blocked")

	// ErrCardExists signals a create with an already-taken card id.
	ErrCardExists = errors.New("cards: card already exists")
)

// ServiceError carries an operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "cards.service.new"
	opCommitDiff = "cards.commit_diff"
	opCreateCard = "cards.create_card"
	opGetCard    = "cards.get_card"
	opListCards  = "cards.list_cards"
	opDeleteCard = "cards.delete_card"

	reasonMissingDatabase    = "missing_database"
	reasonCardLoadFailed     = "card_load_failed"
	reasonCardNotFound       = "card_not_found"
	reasonCardExists         = "card_exists"
	reasonCardDecodeFailed   = "card_decode_failed"
	reasonCardEncodeFailed   = "card_encode_failed"
	reasonCardSaveFailed     = "card_save_failed"
	reasonValidationFailed   = "validation_failed"
	reasonPatchApplyFailed   = "patch_apply_failed"
	reasonAuditInsertFailed  = "audit_insert_failed"
	reasonIDGenerationFailed = "id_generation_failed"
	reasonDeleteBlocked      = "delete_blocked"
	reasonDeleteFailed       = "delete_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues identifiers for audit records.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig wires the card service dependencies.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service commits card diffs transactionally, keeping the inbound reference
// mirror consistent with every primary update.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, clock: clock, idProvider: cfg.IDProvider, logger: logger}, nil
}

// CommitResult reports what a committed diff touched.
type CommitResult struct {
	CardID         string
	ChangedFields  []string
	SectionChanged bool
	AffectedCards  []string
	UpdatedCard    Card
}

// CommitDiff validates and applies a diff to one card inside a single
// transaction, together with the inbound mirror patches for every other
// affected card and an audit record. Validation failures surface as
// IllegalDiffError; nothing is partially applied.
func (s *Service) CommitDiff(ctx context.Context, userID UserID, cardID CardID, diff *CardDiff, capabilities Capabilities) (CommitResult, error) {
	if s.db == nil {
		s.logError(opCommitDiff, reasonMissingDatabase, errMissingDatabase)
		return CommitResult{}, newServiceError(opCommitDiff, reasonMissingDatabase, errMissingDatabase)
	}
	if !diff.HasChanges() {
		return CommitResult{CardID: cardID.String()}, nil
	}

	var result CommitResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		underlying, err := s.loadCardForUpdate(tx, cardID.String())
		if err != nil {
			return err
		}

		allCards, err := s.loadAllCards(tx)
		if err != nil {
			return err
		}

		state := ValidationState{Cards: allCards, Capabilities: capabilities}
		sectionChanged, err := ValidateCardDiff(state, underlying, diff)
		if err != nil {
			s.logError(opCommitDiff, reasonValidationFailed, err, zap.String("card_id", cardID.String()))
			return err
		}

		now := s.clock().UTC()
		patch := ApplyCardDiff(underlying, diff)
		updated, err := ApplyStoragePatch(underlying, patch, true, now)
		if err != nil {
			s.logError(opCommitDiff, reasonPatchApplyFailed, err, zap.String("card_id", cardID.String()))
			return newServiceError(opCommitDiff, reasonPatchApplyFailed, err)
		}

		if err := s.saveCard(tx, updated); err != nil {
			return err
		}

		inboundPatches := InboundLinksUpdates(underlying.ID, underlying, updated)
		affected := make([]string, 0, len(inboundPatches))
		for targetID, targetPatch := range inboundPatches {
			target, err := s.loadCardForUpdate(tx, targetID)
			if err != nil {
				return err
			}
			patchedTarget, err := ApplyStoragePatch(target, targetPatch, true, now)
			if err != nil {
				s.logError(opCommitDiff, reasonPatchApplyFailed, err, zap.String("card_id", targetID))
				return newServiceError(opCommitDiff, reasonPatchApplyFailed, err)
			}
			if err := s.saveCard(tx, patchedTarget); err != nil {
				return err
			}
			affected = append(affected, targetID)
		}
		sort.Strings(affected)

		if err := s.recordChange(tx, userID, updated.ID, diff, patch, now); err != nil {
			return err
		}

		result = CommitResult{
			CardID:         updated.ID,
			ChangedFields:  diff.ChangedFields(),
			SectionChanged: sectionChanged,
			AffectedCards:  affected,
			UpdatedCard:    updated,
		}
		return nil
	})
	if txErr != nil {
		return CommitResult{}, txErr
	}
	return result, nil
}

// CreateCard stores a brand-new card. The card keeps the caller's id when one
// is set; otherwise the service assigns one. The same legality rules as a
// commit apply: the card type must be recognized, the type finisher runs, and
// outbound references are validated and mirrored onto their targets in the
// creating transaction. Inbound maps are derived and never accepted from the
// caller.
func (s *Service) CreateCard(ctx context.Context, userID UserID, card Card) (Card, error) {
	if s.db == nil {
		s.logError(opCreateCard, reasonMissingDatabase, errMissingDatabase)
		return Card{}, newServiceError(opCreateCard, reasonMissingDatabase, errMissingDatabase)
	}

	if card.ID == "" {
		generated, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opCreateCard, reasonIDGenerationFailed, err)
			return Card{}, newServiceError(opCreateCard, reasonIDGenerationFailed, err)
		}
		card.ID = generated
	}
	if _, err := NewCardID(card.ID); err != nil {
		return Card{}, newServiceError(opCreateCard, reasonValidationFailed, err)
	}

	if card.CardType == "" {
		card.CardType = CardTypeContent
	}
	if !legalCardTypes[card.CardType] {
		return Card{}, newServiceError(opCreateCard, reasonValidationFailed,
			&IllegalDiffError{Reason: fmt.Sprintf("%s is not a legal card type", card.CardType)})
	}

	// Rebuild the outbound sentinel map from the info map so the pair can
	// never disagree; inbound mirrors are derived below.
	card.ReferencesInbound = nil
	card.ReferencesInfoInbound = nil
	card.References = nil
	for targetID, entries := range card.ReferencesInfo {
		if len(entries) == 0 {
			delete(card.ReferencesInfo, targetID)
			continue
		}
		if card.References == nil {
			card.References = make(map[string]bool)
		}
		card.References[targetID] = true
	}

	card.Author = userID.String()
	now := s.clock().UTC()
	nowSeconds := now.Unix()
	card.CreatedSeconds = nowSeconds
	card.UpdatedSeconds = nowSeconds
	card.UpdatedSubstantive = nowSeconds

	if finisher, ok := cardTypeFinishers[card.CardType]; ok {
		if err := finisher(&card); err != nil {
			return Card{}, newServiceError(opCreateCard, reasonValidationFailed, &IllegalDiffError{Reason: err.Error()})
		}
	}
	card.FontSizeBoost = deriveFontSizeBoost(card)

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing CardRecord
		err := tx.Where("card_id = ?", card.ID).Take(&existing).Error
		if err == nil {
			return newServiceError(opCreateCard, reasonCardExists, fmt.Errorf("%w: %s", ErrCardExists, card.ID))
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logError(opCreateCard, reasonCardLoadFailed, err, zap.String("card_id", card.ID))
			return newServiceError(opCreateCard, reasonCardLoadFailed, err)
		}

		if len(card.ReferencesInfo) > 0 {
			allCards, err := s.loadAllCards(tx)
			if err != nil {
				return err
			}
			entriesDiff := GenerateReferencesEntriesDiff(Card{ID: card.ID}, card)
			if reason := MayNotApplyEntriesDiffReason(allCards, card, entriesDiff); reason != "" {
				s.logError(opCreateCard, reasonValidationFailed, nil, zap.String("card_id", card.ID), zap.String("block_reason", reason))
				return newServiceError(opCreateCard, reasonValidationFailed, &IllegalDiffError{Reason: reason})
			}
			for targetID, targetPatch := range InboundLinksUpdates(card.ID, Card{ID: card.ID}, card) {
				target, err := s.loadCardForUpdate(tx, targetID)
				if err != nil {
					return err
				}
				patchedTarget, err := ApplyStoragePatch(target, targetPatch, true, now)
				if err != nil {
					s.logError(opCreateCard, reasonPatchApplyFailed, err, zap.String("card_id", targetID))
					return newServiceError(opCreateCard, reasonPatchApplyFailed, err)
				}
				if err := s.saveCard(tx, patchedTarget); err != nil {
					return err
				}
			}
		}

		return s.saveCard(tx, card)
	})
	if txErr != nil {
		return Card{}, txErr
	}
	return card, nil
}

// GetCard loads one card by id or slug.
func (s *Service) GetCard(ctx context.Context, selector string) (Card, error) {
	if s.db == nil {
		s.logError(opGetCard, reasonMissingDatabase, errMissingDatabase)
		return Card{}, newServiceError(opGetCard, reasonMissingDatabase, errMissingDatabase)
	}

	var record CardRecord
	err := s.db.WithContext(ctx).
		Where("card_id = ? OR name = ?", selector, selector).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Slugs live inside the fields payload; fall back to a scan.
		card, found, scanErr := s.findBySlug(ctx, selector)
		if scanErr != nil {
			return Card{}, scanErr
		}
		if !found {
			return Card{}, newServiceError(opGetCard, reasonCardNotFound, ErrCardNotFound)
		}
		return card, nil
	}
	if err != nil {
		s.logError(opGetCard, reasonCardLoadFailed, err, zap.String("selector", selector))
		return Card{}, newServiceError(opGetCard, reasonCardLoadFailed, err)
	}
	card, err := FromRecord(record)
	if err != nil {
		s.logError(opGetCard, reasonCardDecodeFailed, err, zap.String("card_id", record.CardID))
		return Card{}, newServiceError(opGetCard, reasonCardDecodeFailed, err)
	}
	return card, nil
}

func (s *Service) findBySlug(ctx context.Context, slug string) (Card, bool, error) {
	cards, err := s.ListCards(ctx)
	if err != nil {
		return Card{}, false, err
	}
	for _, card := range cards {
		for _, candidate := range card.Slugs {
			if candidate == slug {
				return card, true, nil
			}
		}
	}
	return Card{}, false, nil
}

// ListCards returns every card, ordered by section then descending sort
// order, which is the default browsing order.
func (s *Service) ListCards(ctx context.Context) ([]Card, error) {
	if s.db == nil {
		s.logError(opListCards, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(opListCards, reasonMissingDatabase, errMissingDatabase)
	}

	var records []CardRecord
	if err := s.db.WithContext(ctx).
		Order("section ASC, sort_order DESC, card_id ASC").
		Find(&records).Error; err != nil {
		s.logError(opListCards, reasonCardLoadFailed, err)
		return nil, newServiceError(opListCards, reasonCardLoadFailed, err)
	}

	cards := make([]Card, 0, len(records))
	for _, record := range records {
		card, err := FromRecord(record)
		if err != nil {
			s.logError(opListCards, reasonCardDecodeFailed, err, zap.String("card_id", record.CardID))
			return nil, newServiceError(opListCards, reasonCardDecodeFailed, err)
		}
		cards = append(cards, card)
	}
	return cards, nil
}

// DeleteCard removes a card unless deletion is blocked by inbound references,
// section membership, or tags.
func (s *Service) DeleteCard(ctx context.Context, cardID CardID) error {
	if s.db == nil {
		s.logError(opDeleteCard, reasonMissingDatabase, errMissingDatabase)
		return newServiceError(opDeleteCard, reasonMissingDatabase, errMissingDatabase)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		card, err := s.loadCardForUpdate(tx, cardID.String())
		if err != nil {
			return err
		}
		if reason := MayNotDeleteCardReason(card); reason != "" {
			s.logError(opDeleteCard, reasonDeleteBlocked, nil, zap.String("card_id", cardID.String()), zap.String("block_reason", reason))
			return newServiceError(opDeleteCard, reasonDeleteBlocked, fmt.Errorf("%w: %s", ErrDeleteBlocked, reason))
		}

		// Drop the deleted card's own outbound footprint from other cards'
		// inbound mirrors in the same transaction.
		emptied := card.Clone()
		emptied.ReferencesInfo = nil
		emptied.References = nil
		now := s.clock().UTC()
		for targetID, targetPatch := range InboundLinksUpdates(card.ID, card, emptied) {
			target, err := s.loadCardForUpdate(tx, targetID)
			if err != nil {
				return err
			}
			patchedTarget, err := ApplyStoragePatch(target, targetPatch, true, now)
			if err != nil {
				s.logError(opDeleteCard, reasonPatchApplyFailed, err, zap.String("card_id", targetID))
				return newServiceError(opDeleteCard, reasonPatchApplyFailed, err)
			}
			if err := s.saveCard(tx, patchedTarget); err != nil {
				return err
			}
		}

		if err := tx.Delete(&CardRecord{}, "card_id = ?", cardID.String()).Error; err != nil {
			s.logError(opDeleteCard, reasonDeleteFailed, err, zap.String("card_id", cardID.String()))
			return newServiceError(opDeleteCard, reasonDeleteFailed, err)
		}
		return nil
	})
}

func (s *Service) loadCardForUpdate(tx *gorm.DB, cardID string) (Card, error) {
	var record CardRecord
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("card_id = ?", cardID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Card{}, newServiceError(opCommitDiff, reasonCardNotFound, fmt.Errorf("%w: %s", ErrCardNotFound, cardID))
	}
	if err != nil {
		s.logError(opCommitDiff, reasonCardLoadFailed, err, zap.String("card_id", cardID))
		return Card{}, newServiceError(opCommitDiff, reasonCardLoadFailed, err)
	}
	card, err := FromRecord(record)
	if err != nil {
		s.logError(opCommitDiff, reasonCardDecodeFailed, err, zap.String("card_id", cardID))
		return Card{}, newServiceError(opCommitDiff, reasonCardDecodeFailed, err)
	}
	return card, nil
}

func (s *Service) loadAllCards(tx *gorm.DB) (map[string]Card, error) {
	var records []CardRecord
	if err := tx.Find(&records).Error; err != nil {
		s.logError(opCommitDiff, reasonCardLoadFailed, err)
		return nil, newServiceError(opCommitDiff, reasonCardLoadFailed, err)
	}
	cards := make(map[string]Card, len(records))
	for _, record := range records {
		card, err := FromRecord(record)
		if err != nil {
			s.logError(opCommitDiff, reasonCardDecodeFailed, err, zap.String("card_id", record.CardID))
			return nil, newServiceError(opCommitDiff, reasonCardDecodeFailed, err)
		}
		cards[card.ID] = card
	}
	return cards, nil
}

func (s *Service) saveCard(tx *gorm.DB, card Card) error {
	record, err := ToRecord(card)
	if err != nil {
		s.logError(opCommitDiff, reasonCardEncodeFailed, err, zap.String("card_id", card.ID))
		return newServiceError(opCommitDiff, reasonCardEncodeFailed, err)
	}
	if err := tx.Save(&record).Error; err != nil {
		s.logError(opCommitDiff, reasonCardSaveFailed, err, zap.String("card_id", card.ID))
		return newServiceError(opCommitDiff, reasonCardSaveFailed, err)
	}
	return nil
}

func (s *Service) recordChange(tx *gorm.DB, userID UserID, cardID string, diff *CardDiff, patch StoragePatch, now time.Time) error {
	changeID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCommitDiff, reasonIDGenerationFailed, err, zap.String("card_id", cardID))
		return newServiceError(opCommitDiff, reasonIDGenerationFailed, err)
	}
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		s.logError(opCommitDiff, reasonCardEncodeFailed, err, zap.String("card_id", cardID))
		return newServiceError(opCommitDiff, reasonCardEncodeFailed, err)
	}
	change := CardChange{
		ChangeID:         changeID,
		CardID:           cardID,
		UserID:           userID.String(),
		AppliedAtSeconds: now.Unix(),
		FieldsChanged:    strings.Join(diff.ChangedFields(), ","),
		PatchJSON:        string(patchJSON),
	}
	if err := tx.Create(&change).Error; err != nil {
		s.logError(opCommitDiff, reasonAuditInsertFailed, err, zap.String("card_id", cardID))
		return newServiceError(opCommitDiff, reasonAuditInsertFailed, err)
	}
	return nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("cards service error", attrs...)
}
