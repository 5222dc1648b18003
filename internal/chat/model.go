package chat

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidIdentity indicates that a caller identity is empty or exceeds storage bounds.
	ErrInvalidIdentity = errors.New("chat: invalid identity")
)

// Identity represents a validated opaque caller credential.
type Identity string

// NewIdentity validates raw input and returns an Identity.
func NewIdentity(rawInput string) (Identity, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidIdentity)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidIdentity, maxIdentifierLength)
	}
	return Identity(trimmed), nil
}

// String returns the underlying credential string.
func (id Identity) String() string {
	return string(id)
}

// validateName enforces the non-empty rule for display names, chat names and
// rename targets. The value is returned unchanged on success.
func validateName(value string) (string, error) {
	if strings.TrimSpace(value) == "" {
		return "", ErrEmptyInput
	}
	return value, nil
}

// validateMessage applies the same rule to message bodies.
func validateMessage(text string) (string, error) {
	return validateName(text)
}

// User holds one row per connected identity. Presence is tracked purely by
// row existence: the row is created on first connect and deleted on
// disconnect, so there is no separate online flag.
type User struct {
	Identity string  `gorm:"column:identity;primaryKey;size:190;not null"`
	Name     *string `gorm:"column:name;size:190"`
}

// TableName provides the explicit table binding for GORM.
func (User) TableName() string {
	return "users"
}

// GroupChat models a chat room. Rooms are never deleted and ownership is
// immutable after creation.
type GroupChat struct {
	ID        uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	Name      string `gorm:"column:name;size:190;not null"`
	CreatedBy string `gorm:"column:created_by;size:190;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (GroupChat) TableName() string {
	return "groupchats"
}

// GroupChatMembership joins an identity to a chat room. At most one row
// exists per (identity, groupchat_id) pair; the reducer layer enforces the
// uniqueness through the composite index lookup, not a store constraint.
type GroupChatMembership struct {
	ID          uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	Identity    string `gorm:"column:identity;size:190;not null;index:idx_memberships_identity;index:idx_memberships_identity_chat,priority:1"`
	GroupChatID uint64 `gorm:"column:groupchat_id;not null;index:idx_memberships_chat;index:idx_memberships_identity_chat,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (GroupChatMembership) TableName() string {
	return "groupchat_memberships"
}

// Message is an immutable chat event. Rows are never updated or deleted;
// ordering within a chat is (sent_at_s, id), with the auto-increment id
// breaking timestamp ties in insertion order.
type Message struct {
	ID            uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	Sender        string `gorm:"column:sender;size:190;not null"`
	SentAtSeconds int64  `gorm:"column:sent_at_s;not null"`
	Text          string `gorm:"column:text;type:text;not null"`
	GroupChatID   uint64 `gorm:"column:groupchat_id;not null;index:idx_messages_chat"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "messages"
}
