package chat

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	opServiceNew           = "chat.service.new"
	opInit                 = "chat.init"
	opSetName              = "chat.set_name"
	opCreateGroupChat      = "chat.create_groupchat"
	opSetGroupChatName     = "chat.set_group_chat_name"
	opJoinGroupChat        = "chat.join_groupchat"
	opSendMessage          = "chat.send_message"
	opIdentityConnected    = "chat.identity_connected"
	opIdentityDisconnected = "chat.identity_disconnected"
	opListUsers            = "chat.list_users"
	opListGroupChats       = "chat.list_groupchats"
	opListMembers          = "chat.list_members"
	opListMemberships      = "chat.list_memberships"
	opListMessages         = "chat.list_messages"
)

// ServiceConfig describes the dependencies of the reducer layer.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service is the transactional reducer layer over the four chat tables.
// Every mutating operation runs as a single all-or-nothing transaction;
// a domain failure aborts the transaction and leaves no partial effect.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the reducer service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:     cfg.Database,
		clock:  clock,
		logger: logger,
	}, nil
}

// Init is invoked once at startup, after migrations have run. It records
// readiness and the current table sizes.
func (s *Service) Init(ctx context.Context) error {
	var chatCount, messageCount int64
	if err := s.db.WithContext(ctx).Model(&GroupChat{}).Count(&chatCount).Error; err != nil {
		return newServiceError(opInit, "count_failed", err)
	}
	if err := s.db.WithContext(ctx).Model(&Message{}).Count(&messageCount).Error; err != nil {
		return newServiceError(opInit, "count_failed", err)
	}
	s.logger.Info("chat module initialized",
		zap.Int64("groupchats", chatCount),
		zap.Int64("messages", messageCount))
	return nil
}

// SetName updates the caller's display name. Only the name field changes;
// chat and membership state is untouched.
func (s *Service) SetName(ctx context.Context, caller Identity, name string) error {
	validated, err := validateName(name)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user User
		err := tx.Where("identity = ?", caller.String()).Take(&user).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUnknownUser
		}
		if err != nil {
			return s.failOp(opSetName, "user_select_failed", err, caller)
		}
		if err := tx.Model(&User{}).
			Where("identity = ?", caller.String()).
			Update("name", validated).Error; err != nil {
			return s.failOp(opSetName, "user_update_failed", err, caller)
		}
		s.logger.Info("user set name",
			zap.String("identity", caller.String()),
			zap.String("name", validated))
		return nil
	})
}

// CreateGroupChat inserts a new chat room owned by the caller. Chat names
// are not unique; only the store-assigned id is. The id is deliberately not
// returned to the caller, it is observable only through the query surface.
func (s *Service) CreateGroupChat(ctx context.Context, caller Identity, name string) error {
	validated, err := validateName(name)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		groupChat := GroupChat{
			Name:      validated,
			CreatedBy: caller.String(),
		}
		if err := tx.Create(&groupChat).Error; err != nil {
			return s.failOp(opCreateGroupChat, "insert_failed", err, caller)
		}
		s.logger.Info("group chat created",
			zap.String("identity", caller.String()),
			zap.Uint64("groupchat_id", groupChat.ID),
			zap.String("name", validated))
		return nil
	})
}

// SetGroupChatName renames a chat room. Only the permanent creator may
// rename; there is no admin override and ownership never transfers.
func (s *Service) SetGroupChatName(ctx context.Context, caller Identity, groupChatID uint64, newName string) error {
	validated, err := validateName(newName)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var groupChat GroupChat
		err := tx.Where("id = ?", groupChatID).Take(&groupChat).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrChatNotFound
		}
		if err != nil {
			return s.failOp(opSetGroupChatName, "chat_select_failed", err, caller)
		}
		if groupChat.CreatedBy != caller.String() {
			return ErrNotCreator
		}
		if err := tx.Model(&GroupChat{}).
			Where("id = ?", groupChatID).
			Update("name", validated).Error; err != nil {
			return s.failOp(opSetGroupChatName, "chat_update_failed", err, caller)
		}
		s.logger.Info("group chat renamed",
			zap.String("identity", caller.String()),
			zap.Uint64("groupchat_id", groupChatID),
			zap.String("name", validated))
		return nil
	})
}

// JoinGroupChat adds the caller to a chat room. Checks run in a fixed order:
// caller existence, chat existence, then duplicate membership through the
// composite index. The transaction is the unit of atomicity, so the
// check-then-insert needs no further locking.
func (s *Service) JoinGroupChat(ctx context.Context, caller Identity, groupChatID uint64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user User
		err := tx.Where("identity = ?", caller.String()).Take(&user).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUnknownUser
		}
		if err != nil {
			return s.failOp(opJoinGroupChat, "user_select_failed", err, caller)
		}

		var groupChat GroupChat
		err = tx.Where("id = ?", groupChatID).Take(&groupChat).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrChatNotFound
		}
		if err != nil {
			return s.failOp(opJoinGroupChat, "chat_select_failed", err, caller)
		}

		var existing GroupChatMembership
		err = tx.Where("identity = ? AND groupchat_id = ?", caller.String(), groupChatID).
			Take(&existing).Error
		if err == nil {
			return ErrAlreadyMember
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return s.failOp(opJoinGroupChat, "membership_select_failed", err, caller)
		}

		membership := GroupChatMembership{
			Identity:    caller.String(),
			GroupChatID: groupChatID,
		}
		if err := tx.Create(&membership).Error; err != nil {
			return s.failOp(opJoinGroupChat, "membership_insert_failed", err, caller)
		}
		s.logger.Info("user joined group chat",
			zap.String("identity", caller.String()),
			zap.Uint64("groupchat_id", groupChatID))
		return nil
	})
}

// SendMessage appends an immutable message to a chat room. The timestamp is
// assigned from the service clock, never taken from the caller.
func (s *Service) SendMessage(ctx context.Context, caller Identity, groupChatID uint64, text string) error {
	validated, err := validateMessage(text)
	if err != nil {
		return err
	}
	sentAt := s.clock().UTC().Unix()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var groupChat GroupChat
		err := tx.Where("id = ?", groupChatID).Take(&groupChat).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrChatNotFound
		}
		if err != nil {
			return s.failOp(opSendMessage, "chat_select_failed", err, caller)
		}

		var membership GroupChatMembership
		err = tx.Where("identity = ? AND groupchat_id = ?", caller.String(), groupChatID).
			Take(&membership).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotMember
		}
		if err != nil {
			return s.failOp(opSendMessage, "membership_select_failed", err, caller)
		}

		message := Message{
			Sender:        caller.String(),
			SentAtSeconds: sentAt,
			Text:          validated,
			GroupChatID:   groupChatID,
		}
		if err := tx.Create(&message).Error; err != nil {
			return s.failOp(opSendMessage, "insert_failed", err, caller)
		}
		s.logger.Info("message sent",
			zap.String("identity", caller.String()),
			zap.Uint64("groupchat_id", groupChatID))
		return nil
	})
}

// IdentityConnected materializes a User row for a newly connected identity.
// Reconnection of an identity that already has a row is a true no-op.
// Lifecycle hooks are platform-invoked and never surface errors to a caller.
func (s *Service) IdentityConnected(ctx context.Context, caller Identity) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user User
		err := tx.Where("identity = ?", caller.String()).Take(&user).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		return tx.Create(&User{Identity: caller.String(), Name: nil}).Error
	})
	if err != nil {
		s.logError(opIdentityConnected, "connect_failed", err,
			zap.String("identity", caller.String()))
		return
	}
	s.logger.Info("identity connected", zap.String("identity", caller.String()))
}

// IdentityDisconnected removes all per-identity state as one transaction:
// every membership row for the caller, then the User row itself. A missing
// User row is logged and ignored; it must never abort the membership cleanup.
func (s *Service) IdentityDisconnected(ctx context.Context, caller Identity) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("identity = ?", caller.String()).
			Delete(&GroupChatMembership{}).Error; err != nil {
			return err
		}
		result := tx.Where("identity = ?", caller.String()).Delete(&User{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			s.logger.Warn("disconnect event for unknown identity",
				zap.String("identity", caller.String()))
		}
		return nil
	})
	if err != nil {
		s.logError(opIdentityDisconnected, "cleanup_failed", err,
			zap.String("identity", caller.String()))
		return
	}
	s.logger.Info("identity disconnected", zap.String("identity", caller.String()))
}

// ListUsers returns every currently connected identity.
func (s *Service) ListUsers(ctx context.Context) ([]User, error) {
	var users []User
	if err := s.db.WithContext(ctx).
		Order("identity ASC").
		Find(&users).Error; err != nil {
		return nil, s.failOp(opListUsers, "query_failed", err, "")
	}
	return users, nil
}

// ListGroupChats returns all chat rooms in creation order.
func (s *Service) ListGroupChats(ctx context.Context) ([]GroupChat, error) {
	var groupChats []GroupChat
	if err := s.db.WithContext(ctx).
		Order("id ASC").
		Find(&groupChats).Error; err != nil {
		return nil, s.failOp(opListGroupChats, "query_failed", err, "")
	}
	return groupChats, nil
}

// ListMembers returns the membership rows of one chat room.
func (s *Service) ListMembers(ctx context.Context, groupChatID uint64) ([]GroupChatMembership, error) {
	var memberships []GroupChatMembership
	if err := s.db.WithContext(ctx).
		Where("groupchat_id = ?", groupChatID).
		Order("id ASC").
		Find(&memberships).Error; err != nil {
		return nil, s.failOp(opListMembers, "query_failed", err, "")
	}
	return memberships, nil
}

// ListMemberships returns the caller's membership rows across all chats.
func (s *Service) ListMemberships(ctx context.Context, caller Identity) ([]GroupChatMembership, error) {
	var memberships []GroupChatMembership
	if err := s.db.WithContext(ctx).
		Where("identity = ?", caller.String()).
		Order("id ASC").
		Find(&memberships).Error; err != nil {
		return nil, s.failOp(opListMemberships, "query_failed", err, caller)
	}
	return memberships, nil
}

// ListMessages returns a chat room's messages in insertion order, timestamp
// first with the auto-increment id breaking ties.
func (s *Service) ListMessages(ctx context.Context, groupChatID uint64) ([]Message, error) {
	var messages []Message
	if err := s.db.WithContext(ctx).
		Where("groupchat_id = ?", groupChatID).
		Order("sent_at_s ASC, id ASC").
		Find(&messages).Error; err != nil {
		return nil, s.failOp(opListMessages, "query_failed", err, "")
	}
	return messages, nil
}

// MemberIdentities returns the identities subscribed to a chat, used by the
// transport layer for realtime fanout.
func (s *Service) MemberIdentities(ctx context.Context, groupChatID uint64) ([]Identity, error) {
	memberships, err := s.ListMembers(ctx, groupChatID)
	if err != nil {
		return nil, err
	}
	identities := make([]Identity, 0, len(memberships))
	for _, membership := range memberships {
		identities = append(identities, Identity(membership.Identity))
	}
	return identities, nil
}

func (s *Service) failOp(operation, reason string, err error, caller Identity) error {
	s.logError(operation, reason, err, zap.String("identity", caller.String()))
	return newServiceError(operation, reason, err)
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
	s.logger.Error("chat service error", attrs...)
}
