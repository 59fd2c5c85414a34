package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/flatupgym/aika/internal/admission"
	"github.com/flatupgym/aika/internal/assistant"
	"github.com/flatupgym/aika/internal/auth"
	"github.com/flatupgym/aika/internal/messaging"
	"github.com/flatupgym/aika/internal/notes"
	"github.com/flatupgym/aika/internal/storage"
	"github.com/flatupgym/aika/internal/users"
)

const (
	userIDContextKey         = "aika_user_id"
	healthMessage            = "AIKA Backend is running"
	missingNoteFieldsMessage = "content と userId は必須です"
	missingMediaFieldsMsg    = "fileKey と userId は必須です"
	retryLaterMessage        = "ファイルの取得に失敗しました。しばらくしてから再度お試しください。"
	maxWebhookBodyBytes      = 1 << 20
	defaultHeartbeatInterval = 25 * time.Second
	defaultNoteListLimit     = 20
)

var (
	errMissingAssistant     = errors.New("assistant dependency required")
	errMissingUsers         = errors.New("user directory dependency required")
	errMissingNotes         = errors.New("note lister dependency required")
	errMissingSignatures    = errors.New("webhook verifier dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// NoteAssistant runs the user-facing flows.
type NoteAssistant interface {
	SubmitNote(ctx context.Context, submission assistant.NoteSubmission) error
	AnalyzeMedia(ctx context.Context, submission assistant.MediaSubmission) (assistant.MediaResult, error)
	DispatchLineMessages(messages []messaging.InboundMessage) error
}

type UserDirectory interface {
	GetUser(ctx context.Context, userID string) (users.User, error)
	GetOrCreateUser(ctx context.Context, userID, displayName string) (users.User, error)
}

type NoteLister interface {
	ListNotes(ctx context.Context, userID notes.UserID, limit int) ([]notes.Note, error)
}

type UploadPresigner interface {
	PresignUpload(ctx context.Context, category, fileName, contentType string) (storage.PresignedUpload, error)
}

type WebhookVerifier interface {
	Verify(body []byte, signature string) error
}

type IdentityVerifier interface {
	Verify(ctx context.Context, idToken string) (auth.LineClaims, error)
}

type SessionTokenManager interface {
	IssueSessionToken(ctx context.Context, userID string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP surface. Uploads and LineVerifier are optional; their routes
// answer 503 when they are missing.
type Dependencies struct {
	Assistant         NoteAssistant
	Users             UserDirectory
	Notes             NoteLister
	Uploads           UploadPresigner
	Signatures        WebhookVerifier
	LineVerifier      IdentityVerifier
	TokenManager      SessionTokenManager
	Realtime          *RealtimeDispatcher
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Assistant == nil:
		return nil, errMissingAssistant
	case deps.Users == nil:
		return nil, errMissingUsers
	case deps.Notes == nil:
		return nil, errMissingNotes
	case deps.Signatures == nil:
		return nil, errMissingSignatures
	case deps.TokenManager == nil:
		return nil, errMissingTokenManager
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		assistant:    deps.Assistant,
		users:        deps.Users,
		notes:        deps.Notes,
		uploads:      deps.Uploads,
		signatures:   deps.Signatures,
		lineVerifier: deps.LineVerifier,
		tokens:       deps.TokenManager,
		realtime:     realtime,
		heartbeat:    heartbeat,
		logger:       logger,
	}

	router.GET("/", handler.handleHealth)

	api := router.Group("/api")
	api.POST("/notes", handler.handleSubmitNote)
	api.POST("/analyze", handler.handleAnalyze)
	api.POST("/upload-request", handler.handleUploadRequest)
	api.GET("/user/:userId", handler.handleGetUser)
	api.POST("/webhook", handler.handleWebhook)
	api.POST("/auth/line", handler.handleLineAuth)

	protected := api.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/auth/validate", handler.handleValidateSession)
	protected.GET("/notes", handler.handleListNotes)
	protected.GET("/events", handler.handleEvents)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", messaging.SignatureHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	assistant    NoteAssistant
	users        UserDirectory
	notes        NoteLister
	uploads      UploadPresigner
	signatures   WebhookVerifier
	lineVerifier IdentityVerifier
	tokens       SessionTokenManager
	realtime     *RealtimeDispatcher
	heartbeat    time.Duration
	logger       *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, healthMessage)
}

type noteRequestPayload struct {
	Content  string `json:"content"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

func (h *httpHandler) handleSubmitNote(c *gin.Context) {
	var request noteRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil ||
		strings.TrimSpace(request.Content) == "" || strings.TrimSpace(request.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": missingNoteFieldsMessage})
		return
	}

	err := h.assistant.SubmitNote(c.Request.Context(), assistant.NoteSubmission{
		UserID:   request.UserID,
		UserName: request.UserName,
		Content:  request.Content,
	})
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"message": "Note being processed", "status": "processing"})
	case errors.Is(err, assistant.ErrAdmissionDenied):
		c.JSON(http.StatusTooManyRequests, gin.H{"message": admission.LimitMessage})
	case errors.Is(err, assistant.ErrInvalidSubmission):
		c.JSON(http.StatusBadRequest, gin.H{"error": missingNoteFieldsMessage})
	default:
		h.respondError(c, http.StatusInternalServerError, "note_submission_failed", err)
	}
}

type analyzeRequestPayload struct {
	FileKey  string `json:"fileKey"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	MIMEType string `json:"mimeType"`
}

func (h *httpHandler) handleAnalyze(c *gin.Context) {
	var request analyzeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil ||
		strings.TrimSpace(request.FileKey) == "" || strings.TrimSpace(request.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": missingMediaFieldsMsg})
		return
	}

	result, err := h.assistant.AnalyzeMedia(c.Request.Context(), assistant.MediaSubmission{
		UserID:   request.UserID,
		UserName: request.UserName,
		FileKey:  request.FileKey,
		MIMEType: request.MIMEType,
	})
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"success": true, "result": result})
	case errors.Is(err, assistant.ErrAdmissionDenied):
		c.JSON(http.StatusTooManyRequests, gin.H{"message": admission.LimitMessage})
	case errors.Is(err, assistant.ErrInvalidSubmission), errors.Is(err, assistant.ErrUnsupportedMedia):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, assistant.ErrStorageUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage_unavailable"})
	case errors.Is(err, assistant.ErrFetchFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": retryLaterMessage, "retry": true})
	default:
		h.respondError(c, http.StatusInternalServerError, "analysis_failed", err)
	}
}

type uploadRequestPayload struct {
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
	Category    string `json:"category"`
}

func (h *httpHandler) handleUploadRequest(c *gin.Context) {
	if h.uploads == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage_unavailable"})
		return
	}
	var request uploadRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.FileName) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "fileName is required"})
		return
	}

	upload, err := h.uploads.PresignUpload(c.Request.Context(), request.Category, request.FileName, request.ContentType)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, upload)
	case errors.Is(err, storage.ErrInvalidCategory), errors.Is(err, storage.ErrInvalidFileName):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, storage.ErrNotConfigured):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage_unavailable"})
	default:
		h.respondError(c, http.StatusInternalServerError, "upload_request_failed", err)
	}
}

func (h *httpHandler) handleGetUser(c *gin.Context) {
	user, err := h.users.GetUser(c.Request.Context(), c.Param("userId"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, user)
	case errors.Is(err, users.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
	case errors.Is(err, users.ErrInvalidUserID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
	default:
		h.respondError(c, http.StatusInternalServerError, "user_lookup_failed", err)
	}
}

func (h *httpHandler) handleWebhook(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body"})
		return
	}
	if err := h.signatures.Verify(body, c.GetHeader(messaging.SignatureHeader)); err != nil {
		h.logger.Warn("webhook signature rejected", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature"})
		return
	}

	messages, err := messaging.ParseMessages(body)
	if err != nil {
		h.logger.Warn("webhook payload rejected", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}
	if err := h.assistant.DispatchLineMessages(messages); err != nil {
		h.logger.Warn("webhook events not scheduled", zap.Int("events", len(messages)), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type lineAuthRequestPayload struct {
	IDToken     string `json:"idToken"`
	LineIDToken string `json:"lineIdToken"`
}

type lineAuthResponsePayload struct {
	UserID       string `json:"userId"`
	SessionToken string `json:"sessionToken"`
	ExpiresIn    int64  `json:"expiresIn"`
	TokenType    string `json:"tokenType"`
}

func (h *httpHandler) handleLineAuth(c *gin.Context) {
	if h.lineVerifier == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "line_login_unavailable"})
		return
	}
	var request lineAuthRequestPayload
	_ = c.ShouldBindJSON(&request)
	idToken := strings.TrimSpace(request.IDToken)
	if idToken == "" {
		idToken = strings.TrimSpace(request.LineIDToken)
	}
	if idToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "LINE ID token is required"})
		return
	}

	claims, err := h.lineVerifier.Verify(c.Request.Context(), idToken)
	if err != nil {
		h.logger.Warn("line id token verification failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	user, err := h.users.GetOrCreateUser(c.Request.Context(), claims.Subject, claims.Name)
	if err != nil {
		h.respondError(c, http.StatusInternalServerError, "user_creation_failed", err)
		return
	}
	token, expiresIn, err := h.tokens.IssueSessionToken(c.Request.Context(), user.ID)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, lineAuthResponsePayload{
		UserID:       user.ID,
		SessionToken: token,
		ExpiresIn:    expiresIn,
		TokenType:    "Bearer",
	})
}

func (h *httpHandler) handleValidateSession(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"userId": c.GetString(userIDContextKey)})
}

type noteResponsePayload struct {
	ID             string    `json:"id"`
	Content        string    `json:"content"`
	AnalysisResult *string   `json:"analysisResult"`
	CreatedAt      time.Time `json:"createdAt"`
}

func (h *httpHandler) handleListNotes(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	limit := defaultNoteListLimit
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}

	stored, err := h.notes.ListNotes(c.Request.Context(), notes.UserID(userID), limit)
	if err != nil {
		h.respondError(c, http.StatusInternalServerError, "note_list_failed", err)
		return
	}
	response := make([]noteResponsePayload, 0, len(stored))
	for _, note := range stored {
		response = append(response, noteResponsePayload{
			ID:             note.ID,
			Content:        note.Content,
			AnalysisResult: note.AnalysisResult,
			CreatedAt:      note.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"notes": response})
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, userID)
	defer cleanup()

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	h.writeEvent(c, realtimeEventHeartbeat, gin.H{"source": realtimeSourceBackend, "timestamp": time.Now().UTC()})

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-stream:
			if !ok {
				return
			}
			h.writeEvent(c, message.EventType, gin.H{
				"source":    realtimeSourceBackend,
				"note":      message.Note,
				"timestamp": message.Timestamp,
			})
		case now := <-ticker.C:
			h.writeEvent(c, realtimeEventHeartbeat, gin.H{"source": realtimeSourceBackend, "timestamp": now.UTC()})
		}
	}
}

func (h *httpHandler) writeEvent(c *gin.Context, event string, payload interface{}) {
	c.SSEvent(event, payload)
	c.Writer.Flush()
}

// authorizeRequest accepts a bearer header, or an access_token query parameter for
// EventSource clients that cannot set headers.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	if header := c.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	} else if c.Request.Method == http.MethodGet {
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

func (h *httpHandler) respondError(c *gin.Context, status int, message string, err error) {
	stage := "unknown"
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		stage = coded.Code()
	}
	h.logger.Error("request failed", zap.String("stage", stage), zap.Int("status", status), zap.Error(err))
	c.JSON(status, gin.H{"error": message, "stage": stage})
}
