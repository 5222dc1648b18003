package chat

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func mustIdentity(t *testing.T, value string) Identity {
	t.Helper()
	identity, err := NewIdentity(value)
	if err != nil {
		t.Fatalf("unexpected identity error: %v", err)
	}
	return identity
}

func newTestService(t *testing.T, clock func() time.Time) (*Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:parlor_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&User{}, &GroupChat{}, &GroupChatMembership{}, &Message{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	if clock == nil {
		clock = func() time.Time { return time.Unix(1700000600, 0).UTC() }
	}

	service, err := NewService(ServiceConfig{
		Database: db,
		Clock:    clock,
	})
	if err != nil {
		t.Fatalf("failed to construct chat service: %v", err)
	}

	return service, db
}

func seedChat(t *testing.T, db *gorm.DB, name, createdBy string) uint64 {
	t.Helper()
	groupChat := GroupChat{Name: name, CreatedBy: createdBy}
	if err := db.Create(&groupChat).Error; err != nil {
		t.Fatalf("failed to seed group chat: %v", err)
	}
	return groupChat.ID
}
