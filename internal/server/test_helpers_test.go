package server

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/parlorlabs/parlor/backend/internal/auth"
	"github.com/parlorlabs/parlor/backend/internal/chat"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type routerHarness struct {
	handler    http.Handler
	service    *chat.Service
	issuer     *auth.TokenIssuer
	dispatcher *RealtimeDispatcher
	db         *gorm.DB
}

func newRouterHarness(t *testing.T) *routerHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:parlor_server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&chat.User{}, &chat.GroupChat{}, &chat.GroupChatMembership{}, &chat.Message{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	service, err := chat.NewService(chat.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct chat service: %v", err)
	}

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "parlor-auth",
		Audience:      "parlor-api",
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to construct token issuer: %v", err)
	}

	dispatcher := NewRealtimeDispatcher(LifecycleHooks{
		Connected: func(identity string) {
			caller, err := chat.NewIdentity(identity)
			if err != nil {
				return
			}
			service.IdentityConnected(context.Background(), caller)
		},
		Disconnected: func(identity string) {
			caller, err := chat.NewIdentity(identity)
			if err != nil {
				return
			}
			service.IdentityDisconnected(context.Background(), caller)
		},
	})

	handler, err := NewHTTPHandler(Dependencies{
		TokenIssuer: issuer,
		ChatService: service,
		Realtime:    dispatcher,
		Logger:      zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	return &routerHarness{
		handler:    handler,
		service:    service,
		issuer:     issuer,
		dispatcher: dispatcher,
		db:         db,
	}
}

// connect materializes a User row the way an open event stream would, and
// returns a bearer token for the identity.
func (h *routerHarness) connect(t *testing.T, identity string) string {
	t.Helper()
	caller, err := chat.NewIdentity(identity)
	if err != nil {
		t.Fatalf("invalid identity: %v", err)
	}
	h.service.IdentityConnected(context.Background(), caller)
	return h.token(t, identity)
}

func (h *routerHarness) token(t *testing.T, identity string) string {
	t.Helper()
	token, _, err := h.issuer.IssueIdentityToken(context.Background(), identity)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (h *routerHarness) chatID(t *testing.T, name string) uint64 {
	t.Helper()
	var groupChat chat.GroupChat
	if err := h.db.Where("name = ?", name).Take(&groupChat).Error; err != nil {
		t.Fatalf("failed to find group chat %q: %v", name, err)
	}
	return groupChat.ID
}
