package api

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"chatrecall/internal/assembler"
	"chatrecall/internal/auth"
	"chatrecall/internal/config"
	"chatrecall/internal/ingest"
	"chatrecall/internal/models"
	"chatrecall/internal/observability"
	"chatrecall/internal/service/assistant"
	"chatrecall/internal/storage"
	"chatrecall/internal/worker"
)

// WorkerManager is the part of the worker manager the HTTP layer drives.
type WorkerManager interface {
	StartSession(ctx context.Context, userID string) (models.Session, error)
	ResumeSession(ctx context.Context, userID, sessionID string) (models.Session, error)
	CloseSession(ctx context.Context, userID, sessionID string) error
	SessionStats(userID, sessionID string) worker.SessionStats
	Turn(req worker.TurnRequest) (worker.TurnResult, error)
	Preview(ctx context.Context, userID, sessionID, message string) (assembler.Block, assembler.Stats, error)
	StoreDocument(ctx context.Context, userID, filename, content, mediaType, source string) (models.Document, error)
	RemoveDocument(ctx context.Context, userID, filename string) error
	Wipe(ctx context.Context, userID string) error
	ResetUser(userID string)
	Store(ctx context.Context, userID string) (*storage.UserStore, error)
}

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

// Handler wires HTTP routes to the account service and the worker manager.
type Handler struct {
	cfg       *config.Config
	assistant *assistant.Service
	auth      *auth.Service
	workers   WorkerManager
	extractor *ingest.Extractor
	scraper   *ingest.Scraper
	metrics   *observability.Metrics
	checks    map[string]HealthCheck
}

// Deps groups what NewHandler needs. Metrics and Scraper may be nil.
type Deps struct {
	Config    *config.Config
	Assistant *assistant.Service
	Auth      *auth.Service
	Workers   WorkerManager
	Extractor *ingest.Extractor
	Scraper   *ingest.Scraper
	Metrics   *observability.Metrics
}

// NewHandler constructs a Handler instance.
func NewHandler(d Deps) *Handler {
	scraper := d.Scraper
	if scraper == nil {
		scraper = ingest.NewScraper(d.Config.Ingest.MaxScrapeBytes)
	}
	return &Handler{
		cfg:       d.Config,
		assistant: d.Assistant,
		auth:      d.Auth,
		workers:   d.Workers,
		extractor: d.Extractor,
		scraper:   scraper,
		metrics:   d.Metrics,
		checks:    make(map[string]HealthCheck),
	}
}

// AddHealthCheck registers a dependency probed by /healthz.
func (h *Handler) AddHealthCheck(name string, check HealthCheck) {
	if check != nil {
		h.checks[name] = check
	}
}

// check token userID is match with param userID
func (h *Handler) requirePathUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := auth.UserIDFromContext(c)
		if !ok || userID <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		paramID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || paramID <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
			return
		}
		if paramID != userID {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "user mismatch"})
			return
		}
		c.Next()
	}
}

// authorizedUser returns the account id and the key of its store.
func (h *Handler) authorizedUser(c *gin.Context) (int64, string, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok || userID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return 0, "", false
	}
	return userID, strconv.FormatInt(userID, 10), true
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", h.healthz)
	router.GET("/metrics", gin.WrapH(h.metrics.Handler()))

	api := router.Group("/api")
	api.POST("/users/register", h.registerUser)
	api.POST("/users/login", h.loginUser)
	authMW := h.auth.Middleware()
	userRoutes := api.Group("/users/:id")
	userRoutes.Use(authMW, h.requirePathUser(), h.auth.CSRFMiddleware())
	userRoutes.POST("/token", h.setToken)
	userRoutes.GET("/token", h.listTokens)
	userRoutes.DELETE("/token", h.deleteToken)
	userRoutes.POST("/sessions", h.openSession)
	userRoutes.GET("/sessions", h.listSessions)
	userRoutes.DELETE("/sessions/:session_id", h.closeSession)
	userRoutes.POST("/messages", h.postMessage)
	userRoutes.GET("/context", h.previewContext)
	userRoutes.POST("/documents", h.uploadDocument)
	userRoutes.POST("/documents/scrape", h.scrapeDocument)
	userRoutes.GET("/documents", h.listDocuments)
	userRoutes.DELETE("/documents/:filename", h.deleteDocument)
	userRoutes.GET("/stats", h.stats)
	userRoutes.DELETE("/data", h.wipeData)
	userRoutes.GET("/ws", h.chatSocket)
	userRoutes.POST("/logout", h.logoutUser)
	userRoutes.DELETE("", h.deleteUser)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, worker.ErrDispatcherBusy):
		return http.StatusTooManyRequests
	case errors.Is(err, worker.ErrSessionNotActive), errors.Is(err, storage.ErrDuplicateID):
		return http.StatusConflict
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrStoreUnavailable), errors.Is(err, worker.ErrJobCanceled):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, assistant.ErrTokenNotConfigured):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func errorMessage(err error) string {
	if errors.Is(err, worker.ErrDispatcherBusy) {
		return "server is busy, please retry"
	}
	return err.Error()
}

func respondError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": errorMessage(err)})
}

func (h *Handler) healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	status := http.StatusOK
	result := gin.H{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			result[name] = err.Error()
			continue
		}
		result[name] = "ok"
	}
	c.JSON(status, gin.H{"status": http.StatusText(status), "checks": result})
}

// User create&login interface
type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) registerUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.assistant.RegisterUser(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, assistant.ErrUsernameTaken) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
	})
}

func (h *Handler) loginUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.assistant.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	authToken, err := h.auth.IssueToken(c.Request.Context(), user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	csrfToken, err := h.auth.SetSessionCookies(c, authToken)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
		"auth_token": authToken,
		"csrf_token": csrfToken,
	})
}

func (h *Handler) logoutUser(c *gin.Context) {
	_, storeKey, ok := h.authorizedUser(c)
	if !ok {
		return
	}
	h.workers.ResetUser(storeKey)
	if authToken, ok := auth.AuthTokenFromContext(c); ok {
		_ = h.auth.RevokeToken(c.Request.Context(), authToken)
	}
	h.auth.ClearSessionCookies(c)
	c.Status(http.StatusNoContent)
}

// deleteUser removes the account and everything stored for it.
func (h *Handler) deleteUser(c *gin.Context) {
	id, storeKey, ok := h.authorizedUser(c)
	if !ok {
		return
	}
	if err := h.auth.RevokeUserTokens(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := h.workers.Wipe(c.Request.Context(), storeKey); err != nil {
		respondError(c, err)
		return
	}
	h.workers.ResetUser(storeKey)
	if err := h.assistant.DeleteUser(c.Request.Context(), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.auth.ClearSessionCookies(c)
	c.Status(http.StatusNoContent)
}

// handle api token
func (h *Handler) setToken(c *gin.Context) {
	userID, storeKey, ok := h.authorizedUser(c)
	if !ok {
		return
	}
	var req struct {
		Provider string `json:"provider"`
		Token    string `json:"token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if _, known := h.cfg.Providers[strings.TrimSpace(req.Provider)]; !known {
		c.JSON(http.StatusBadRequest, gin.H{"error": "provider not configured"})
		return
	}
	if err := h.assistant.SetUserToken(c.Request.Context(), userID, req.Provider, req.Token); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	// cached backends still hold the old key
	h.workers.ResetUser(storeKey)
	c.Status(http.StatusNoContent)
}

func (h *Handler) listTokens(c *gin.Context) {
	userID, _, ok := h.authorizedUser(c)
	if !ok {
		return
	}
	tokens, err := h.assistant.ListUserTokens(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if tokens == nil {
		tokens = []models.ProviderToken{}
	}
	c.JSON(http.StatusOK, gin.H{"tokens": tokens})
}

func (h *Handler) deleteToken(c *gin.Context) {
	userID, storeKey, ok := h.authorizedUser(c)
	if !ok {
		return
	}
	var req struct {
		Provider string `json:"provider"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.assistant.DeleteUserToken(c.Request.Context(), userID, req.Provider); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "token not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.workers.ResetUser(storeKey)
	c.Status(http.StatusNoContent)
}

// openSession starts a fresh session, or resumes session_id when given.
func (h *Handler) openSession(c *gin.Context) {
	_, storeKey, ok := h.authorizedUser(c)
	if !ok {
		return
	}
	var req struct {
		SessionID string `json:"session_id"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	var (
		session models.Session
		err     error
		status  = http.StatusCreated
	)
	if sid := strings.TrimSpace(req.SessionID); sid != "" {
		session, err = h.workers.ResumeSession(c.Request.Context(), storeKey, sid)
		status = http.StatusOK
	} else {
		session, err = h.workers.StartSession(c.Request.Context(), storeKey)
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(status, gin.H{
		"session": session,
		"buffer":  h.workers.SessionStats(storeKey, session.ID),
	})
}

func (h *Handler) listSessions(c *gin.Context) {
	_, storeKey, ok := h.authorizedUser(c)
	if !ok {
		return
	}
	store, err := h.workers.Store(c.Request.Context(), storeKey)
	if err != nil {
		respondError(c, err)
		return
	}
	sessions, err := store.ListSessions(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	if sessions == nil {
		sessions = []models.Session{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *Handler) closeSession(c *gin.Context) {
	_, storeKey, ok := h.authorizedUser(c)
	if !ok {
		return
	}
	sessionID := strings.TrimSpace(c.Param("session_id"))
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}
	if err := h.workers.CloseSession(c.Request.Context(), storeKey, sessionID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) previewContext(c *gin.Context) {
	_, storeKey, ok := h.authorizedUser(c)
	if !ok {
		return
	}
	sessionID := strings.TrimSpace(c.Query("session_id"))
	message := strings.TrimSpace(c.Query("message"))
	if sessionID == "" || message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id and message are required"})
		return
	}
	block, stats, err := h.workers.Preview(c.Request.Context(), storeKey, sessionID, message)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"block": block, "stats": stats})
}

func (h *Handler) stats(c *gin.Context) {
	_, storeKey, ok := h.authorizedUser(c)
	if !ok {
		return
	}
	store, err := h.workers.Store(c.Request.Context(), storeKey)
	if err != nil {
		respondError(c, err)
		return
	}
	st, err := store.Stats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	resp := gin.H{"store": st}
	if st.ActiveSessionID != "" {
		resp["session"] = h.workers.SessionStats(storeKey, st.ActiveSessionID)
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) wipeData(c *gin.Context) {
	_, storeKey, ok := h.authorizedUser(c)
	if !ok {
		return
	}
	if err := h.workers.Wipe(c.Request.Context(), storeKey); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
