package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/parlorlabs/parlor/backend/internal/chat"
	"go.uber.org/zap"
)

const identityContextKey = "parlor_identity"

var (
	errMissingTokenIssuer   = errors.New("token issuer dependency required")
	errMissingChatService   = errors.New("chat service dependency required")
	errMissingDispatcher    = errors.New("realtime dispatcher dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// Dependencies wires the HTTP surface to the reducer layer.
type Dependencies struct {
	TokenIssuer TokenManager
	ChatService *chat.Service
	Realtime    *RealtimeDispatcher
	Logger      *zap.Logger
}

// TokenManager is the subset of the auth token issuer the router needs.
type TokenManager interface {
	ValidateToken(token string) (string, error)
}

// GuestTokenIssuer optionally extends TokenManager with guest issuance.
type GuestTokenIssuer interface {
	TokenManager
	IssueGuest() (identity, token string, expiresIn int64, err error)
}

// NewHTTPHandler builds the gin router exposing the reducer surface and the
// read-only query surface.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenIssuer == nil {
		return nil, errMissingTokenIssuer
	}
	if deps.ChatService == nil {
		return nil, errMissingChatService
	}
	if deps.Realtime == nil {
		return nil, errMissingDispatcher
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:      deps.TokenIssuer,
		chatService: deps.ChatService,
		realtime:    deps.Realtime,
		logger:      logger,
	}

	router.POST("/auth/guest", handler.handleGuestAuth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/profile/name", handler.handleSetName)
	protected.POST("/chats", handler.handleCreateChat)
	protected.POST("/chats/:id/name", handler.handleRenameChat)
	protected.POST("/chats/:id/join", handler.handleJoinChat)
	protected.POST("/chats/:id/messages", handler.handleSendMessage)
	protected.GET("/users", handler.handleListUsers)
	protected.GET("/chats", handler.handleListChats)
	protected.GET("/chats/:id/members", handler.handleListMembers)
	protected.GET("/chats/:id/messages", handler.handleListMessages)
	protected.GET("/memberships", handler.handleListMemberships)
	protected.GET("/events/stream", handler.handleEventStream)

	return router, nil
}

type httpHandler struct {
	tokens      TokenManager
	chatService *chat.Service
	realtime    *RealtimeDispatcher
	logger      *zap.Logger
}

type guestAuthResponsePayload struct {
	Identity    string `json:"identity"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleGuestAuth(c *gin.Context) {
	issuer, ok := h.tokens.(GuestTokenIssuer)
	if !ok {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "guest_auth_unavailable"})
		return
	}
	identity, token, expiresIn, err := issuer.IssueGuest()
	if err != nil {
		h.logger.Error("failed to issue guest token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	c.JSON(http.StatusOK, guestAuthResponsePayload{
		Identity:    identity,
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

type namePayload struct {
	Name string `json:"name"`
}

type messagePayload struct {
	Text string `json:"text"`
}

func (h *httpHandler) handleSetName(c *gin.Context) {
	caller, ok := h.callerIdentity(c)
	if !ok {
		return
	}
	var request namePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.chatService.SetName(c.Request.Context(), caller, request.Name); err != nil {
		h.respondChatError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleCreateChat deliberately returns no chat id. The id is observable
// only through the query surface.
func (h *httpHandler) handleCreateChat(c *gin.Context) {
	caller, ok := h.callerIdentity(c)
	if !ok {
		return
	}
	var request namePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.chatService.CreateGroupChat(c.Request.Context(), caller, request.Name); err != nil {
		h.respondChatError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleRenameChat(c *gin.Context) {
	caller, ok := h.callerIdentity(c)
	if !ok {
		return
	}
	chatID, ok := parseChatID(c)
	if !ok {
		return
	}
	var request namePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.chatService.SetGroupChatName(c.Request.Context(), caller, chatID, request.Name); err != nil {
		h.respondChatError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleJoinChat(c *gin.Context) {
	caller, ok := h.callerIdentity(c)
	if !ok {
		return
	}
	chatID, ok := parseChatID(c)
	if !ok {
		return
	}
	if err := h.chatService.JoinGroupChat(c.Request.Context(), caller, chatID); err != nil {
		h.respondChatError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleSendMessage(c *gin.Context) {
	caller, ok := h.callerIdentity(c)
	if !ok {
		return
	}
	chatID, ok := parseChatID(c)
	if !ok {
		return
	}
	var request messagePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.chatService.SendMessage(c.Request.Context(), caller, chatID, request.Text); err != nil {
		h.respondChatError(c, err)
		return
	}
	h.fanOutMessage(c, caller, chatID)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) fanOutMessage(c *gin.Context, sender chat.Identity, chatID uint64) {
	identities, err := h.chatService.MemberIdentities(c.Request.Context(), chatID)
	if err != nil {
		h.logger.Warn("realtime fanout skipped",
			zap.Uint64("groupchat_id", chatID), zap.Error(err))
		return
	}
	event := RealtimeMessage{
		EventType:   RealtimeEventMessage,
		GroupChatID: chatID,
		Sender:      sender.String(),
		Timestamp:   time.Now().UTC(),
	}
	for _, identity := range identities {
		event.Identity = identity.String()
		h.realtime.Publish(event)
	}
}

type userPayload struct {
	Identity string  `json:"identity"`
	Name     *string `json:"name,omitempty"`
}

type chatPayload struct {
	ID        uint64 `json:"id"`
	Name      string `json:"name"`
	CreatedBy string `json:"created_by"`
}

type membershipPayload struct {
	ID          uint64 `json:"id"`
	Identity    string `json:"identity"`
	GroupChatID uint64 `json:"groupchat_id"`
}

type messageRowPayload struct {
	Sender      string `json:"sender"`
	SentAt      int64  `json:"sent_at_s"`
	Text        string `json:"text"`
	GroupChatID uint64 `json:"groupchat_id"`
}

func (h *httpHandler) handleListUsers(c *gin.Context) {
	users, err := h.chatService.ListUsers(c.Request.Context())
	if err != nil {
		h.respondChatError(c, err)
		return
	}
	payload := make([]userPayload, 0, len(users))
	for _, user := range users {
		payload = append(payload, userPayload{Identity: user.Identity, Name: user.Name})
	}
	c.JSON(http.StatusOK, gin.H{"users": payload})
}

func (h *httpHandler) handleListChats(c *gin.Context) {
	groupChats, err := h.chatService.ListGroupChats(c.Request.Context())
	if err != nil {
		h.respondChatError(c, err)
		return
	}
	payload := make([]chatPayload, 0, len(groupChats))
	for _, groupChat := range groupChats {
		payload = append(payload, chatPayload{
			ID:        groupChat.ID,
			Name:      groupChat.Name,
			CreatedBy: groupChat.CreatedBy,
		})
	}
	c.JSON(http.StatusOK, gin.H{"chats": payload})
}

func (h *httpHandler) handleListMembers(c *gin.Context) {
	chatID, ok := parseChatID(c)
	if !ok {
		return
	}
	memberships, err := h.chatService.ListMembers(c.Request.Context(), chatID)
	if err != nil {
		h.respondChatError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": membershipRows(memberships)})
}

func (h *httpHandler) handleListMemberships(c *gin.Context) {
	caller, ok := h.callerIdentity(c)
	if !ok {
		return
	}
	memberships, err := h.chatService.ListMemberships(c.Request.Context(), caller)
	if err != nil {
		h.respondChatError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"memberships": membershipRows(memberships)})
}

func (h *httpHandler) handleListMessages(c *gin.Context) {
	chatID, ok := parseChatID(c)
	if !ok {
		return
	}
	messages, err := h.chatService.ListMessages(c.Request.Context(), chatID)
	if err != nil {
		h.respondChatError(c, err)
		return
	}
	payload := make([]messageRowPayload, 0, len(messages))
	for _, message := range messages {
		payload = append(payload, messageRowPayload{
			Sender:      message.Sender,
			SentAt:      message.SentAtSeconds,
			Text:        message.Text,
			GroupChatID: message.GroupChatID,
		})
	}
	c.JSON(http.StatusOK, gin.H{"messages": payload})
}

func (h *httpHandler) handleEventStream(c *gin.Context) {
	caller, ok := h.callerIdentity(c)
	if !ok {
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	stream, cleanup := h.realtime.Subscribe(c.Request.Context(), caller.String())
	defer cleanup()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"ts": time.Now().UTC().Unix()})
			return true
		case message, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(message.EventType, gin.H{
				"groupchat_id": message.GroupChatID,
				"sender":       message.Sender,
				"ts":           message.Timestamp.Unix(),
			})
			return true
		}
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		// Expired tokens are routine client behavior, not an anomaly.
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(identityContextKey, subject)
	c.Next()
}

// bearerToken reads the Authorization header, falling back to the
// access_token query parameter for EventSource clients that cannot set
// headers.
func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(c.Query("access_token"))
}

func (h *httpHandler) callerIdentity(c *gin.Context) (chat.Identity, bool) {
	caller, err := chat.NewIdentity(c.GetString(identityContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return caller, true
}

func parseChatID(c *gin.Context) (uint64, bool) {
	chatID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_chat_id"})
		return 0, false
	}
	return chatID, true
}

func membershipRows(memberships []chat.GroupChatMembership) []membershipPayload {
	payload := make([]membershipPayload, 0, len(memberships))
	for _, membership := range memberships {
		payload = append(payload, membershipPayload{
			ID:          membership.ID,
			Identity:    membership.Identity,
			GroupChatID: membership.GroupChatID,
		})
	}
	return payload
}

// respondChatError maps the reducer failure taxonomy onto HTTP statuses. The
// message field carries the human-readable reason returned to clients.
func (h *httpHandler) respondChatError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, chat.ErrEmptyInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty_input", "message": err.Error()})
	case errors.Is(err, chat.ErrUnknownUser):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unknown_user", "message": err.Error()})
	case errors.Is(err, chat.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, chat.ErrChatNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "chat_not_found", "message": err.Error()})
	case errors.Is(err, chat.ErrAlreadyMember):
		c.JSON(http.StatusConflict, gin.H{"error": "already_member", "message": err.Error()})
	default:
		var serviceErr *chat.ServiceError
		if errors.As(err, &serviceErr) {
			h.logger.Error("chat service failure", zap.String("code", serviceErr.Code()), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "code": serviceErr.Code()})
			return
		}
		h.logger.Error("unexpected chat failure", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
