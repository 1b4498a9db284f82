package users

import (
	"strings"
	"time"
)

// Identity captures the mapping between a canonical compendium user id and a
// provider-specific login.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index"`
	Email       string    `gorm:"column:user_email;size:320"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

// PermissionRecord grants one capability to one user. Capability strings are
// either a bare grant (admin, edit) or scoped with a target, e.g.
// "edit_section:s1" or "edit_tag:history".
type PermissionRecord struct {
	UserID     string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Capability string    `gorm:"column:capability;primaryKey;size:190;not null"`
	GrantedAt  time.Time `gorm:"column:granted_at;autoCreateTime"`
}

// TableName exposes the table backing permission grants.
func (PermissionRecord) TableName() string {
	return "user_permissions"
}

// Capability grant names.
const (
	CapabilityAdmin         = "admin"
	CapabilityEdit          = "edit"
	capabilitySectionPrefix = "edit_section:"
	capabilityTagPrefix     = "edit_tag:"
)

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
