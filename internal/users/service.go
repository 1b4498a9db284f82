package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingUserID   = errors.New("user identifier is required")
	noOpLogger         = zap.NewNop()
)

// Service resolves identities and loads capability sets for diff validation.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewService wires the users service.
func NewService(db *gorm.DB, logger *zap.Logger) (*Service, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: db, logger: logger}, nil
}

// TouchIdentity upserts the identity row for a verified login and returns the
// canonical user id.
func (s *Service) TouchIdentity(ctx context.Context, provider, subject, email, displayName string) (string, error) {
	provider = normalize(provider)
	subject = normalize(subject)
	if provider == "" || subject == "" {
		return "", errMissingUserID
	}

	userID := fmt.Sprintf("%s:%s", provider, subject)
	identity := Identity{
		Provider:    provider,
		Subject:     subject,
		UserID:      userID,
		Email:       normalize(email),
		DisplayName: normalize(displayName),
		LastSeenAt:  time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Save(&identity).Error; err != nil {
		s.logger.Error("identity upsert failed", zap.Error(err), zap.String("user_id", userID))
		return "", err
	}
	return userID, nil
}

// CapabilitySet is the loaded, immutable view of one user's grants. It
// implements the capability predicates that card diff validation consumes.
type CapabilitySet struct {
	admin    bool
	edit     bool
	sections map[string]bool
	tags     map[string]bool
}

// MayEditSection reports whether the user may move cards in or out of the
// section.
func (c CapabilitySet) MayEditSection(sectionID string) bool {
	if c.admin || c.edit {
		return true
	}
	return c.sections[sectionID]
}

// MayEditTag reports whether the user may add or remove the tag.
func (c CapabilitySet) MayEditTag(tagID string) bool {
	if c.admin || c.edit {
		return true
	}
	return c.tags[tagID]
}

// Admin reports whether the user holds the admin grant.
func (c CapabilitySet) Admin() bool {
	return c.admin
}

// LoadCapabilities reads the user's grants into a CapabilitySet.
func (s *Service) LoadCapabilities(ctx context.Context, userID string) (CapabilitySet, error) {
	userID = normalize(userID)
	if userID == "" {
		return CapabilitySet{}, errMissingUserID
	}

	var records []PermissionRecord
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Find(&records).Error; err != nil {
		s.logger.Error("permission load failed", zap.Error(err), zap.String("user_id", userID))
		return CapabilitySet{}, err
	}

	capabilities := CapabilitySet{
		sections: make(map[string]bool),
		tags:     make(map[string]bool),
	}
	for _, record := range records {
		switch {
		case record.Capability == CapabilityAdmin:
			capabilities.admin = true
		case record.Capability == CapabilityEdit:
			capabilities.edit = true
		case strings.HasPrefix(record.Capability, capabilitySectionPrefix):
			capabilities.sections[strings.TrimPrefix(record.Capability, capabilitySectionPrefix)] = true
		case strings.HasPrefix(record.Capability, capabilityTagPrefix):
			capabilities.tags[strings.TrimPrefix(record.Capability, capabilityTagPrefix)] = true
		}
	}
	return capabilities, nil
}

// ListCapabilities returns the user's raw grant strings, ordered by
// capability, for embedding in session tokens.
func (s *Service) ListCapabilities(ctx context.Context, userID string) ([]string, error) {
	userID = normalize(userID)
	if userID == "" {
		return nil, errMissingUserID
	}

	var records []PermissionRecord
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("capability").
		Find(&records).Error; err != nil {
		s.logger.Error("permission load failed", zap.Error(err), zap.String("user_id", userID))
		return nil, err
	}

	capabilities := make([]string, 0, len(records))
	for _, record := range records {
		capabilities = append(capabilities, record.Capability)
	}
	return capabilities, nil
}

// Grant records one capability for a user.
func (s *Service) Grant(ctx context.Context, userID, capability string) error {
	userID = normalize(userID)
	capability = normalize(capability)
	if userID == "" || capability == "" {
		return errMissingUserID
	}
	record := PermissionRecord{UserID: userID, Capability: capability, GrantedAt: time.Now().UTC()}
	if err := s.db.WithContext(ctx).Save(&record).Error; err != nil {
		s.logger.Error("permission grant failed", zap.Error(err),
			zap.String("user_id", userID), zap.String("capability", capability))
		return err
	}
	return nil
}
