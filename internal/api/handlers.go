package api

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/peercode/collab/internal/auth"
	"github.com/peercode/collab/internal/db"
	"github.com/peercode/collab/internal/judge"
	"github.com/peercode/collab/internal/ws"
)

const historyPageSize = 10

type API struct {
	hub      *ws.Hub
	database *db.Database
	verifier *auth.Verifier
	judge    *judge.Client
}

func New(hub *ws.Hub, database *db.Database, verifier *auth.Verifier, judgeClient *judge.Client) *API {
	return &API{
		hub:      hub,
		database: database,
		verifier: verifier,
		judge:    judgeClient,
	}
}

// Register mounts all HTTP routes. Everything except the health check
// sits behind the cookie auth middleware.
func (a *API) Register(r gin.IRouter) {
	r.GET("/health", a.HealthHandler)

	authed := r.Group("/", a.AuthMiddleware())
	authed.GET("/stats", a.StatsHandler)
	authed.GET("/check-authorization", a.CheckAuthorizationHandler)
	authed.GET("/get-question", a.GetQuestionHandler)
	authed.GET("/get-session", a.GetSessionHandler)
	authed.GET("/get-history", a.GetHistoryHandler)
	authed.POST("/save-code", a.SaveCodeHandler)
	authed.POST("/api/code-execute", a.CodeExecuteHandler)
	authed.GET("/api/code-execute/:token", a.CodeExecuteResultHandler)
}

const identityKey = "identity"

// AuthMiddleware verifies the access token cookie and stores the
// resulting identity in the request context.
func (a *API) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, err := a.verifier.VerifyRequest(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(identityKey, identity)
		c.Next()
	}
}

func identityFrom(c *gin.Context) *auth.Identity {
	v, ok := c.Get(identityKey)
	if !ok {
		return nil
	}
	return v.(*auth.Identity)
}

func (a *API) HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(c *gin.Context) {
	stats := gin.H{
		"active_rooms":   a.hub.GetRoomCount(),
		"active_clients": a.hub.GetClientCount(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}

	if a.database != nil {
		dbStats, err := a.database.GetStats()
		if err == nil {
			stats["total_sessions"] = dbStats["session_count"]
			stats["total_snapshots"] = dbStats["snapshot_count"]
		}
	}

	c.JSON(http.StatusOK, stats)
}

// CheckAuthorizationHandler reports whether the caller is one of the two
// matched participants of the room.
func (a *API) CheckAuthorizationHandler(c *gin.Context) {
	roomID := c.Query("roomId")
	if roomID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "roomId is required"})
		return
	}

	session, err := a.database.GetSession(roomID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to look up session"})
		return
	}
	if session == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	identity := identityFrom(c)
	authorized := identity.ID == session.UserOne || identity.ID == session.UserTwo
	c.JSON(http.StatusOK, gin.H{"authorized": authorized})
}

func (a *API) GetQuestionHandler(c *gin.Context) {
	session, ok := a.participantSession(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"title":                session.QuestionTitle,
		"content":              session.QuestionContent,
		"programming_language": session.Language,
	})
}

func (a *API) GetSessionHandler(c *gin.Context) {
	session, ok := a.participantSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, session)
}

func (a *API) GetHistoryHandler(c *gin.Context) {
	identity := identityFrom(c)

	username := c.Query("username")
	if username == "" {
		username = identity.Username
	}

	page, _ := strconv.Atoi(c.Query("page"))
	if page < 1 {
		page = 1
	}

	entries, err := a.database.ListHistory(username, page, historyPageSize)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list history"})
		return
	}

	total, err := a.database.CountHistory(username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to count history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"history":   entries,
		"page":      page,
		"page_size": historyPageSize,
		"total":     total,
	})
}

type SaveCodeRequest struct {
	RoomID   string `json:"roomId" binding:"required"`
	Code     string `json:"code"`
	Language string `json:"language"`
}

func (a *API) SaveCodeHandler(c *gin.Context) {
	var req SaveCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	session, err := a.database.GetSession(req.RoomID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to look up session"})
		return
	}
	if session == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	identity := identityFrom(c)
	if identity.ID != session.UserOne && identity.ID != session.UserTwo {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a session participant"})
		return
	}

	language := req.Language
	if language == "" {
		language = session.Language
	}

	if err := a.database.SaveCode(req.RoomID, req.Code, language); err != nil {
		log.Printf("Error saving code for room %s: %v", req.RoomID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save code"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"saved": true})
}

type CodeExecuteRequest struct {
	SourceCode string `json:"source_code" binding:"required"`
	LanguageID int    `json:"language_id" binding:"required"`
}

func (a *API) CodeExecuteHandler(c *gin.Context) {
	if a.judge == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "code execution is not configured"})
		return
	}

	var req CodeExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	token, err := a.judge.Submit(c.Request.Context(), req.SourceCode, req.LanguageID)
	if err != nil {
		log.Printf("Error submitting code for execution: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to submit code"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token})
}

func (a *API) CodeExecuteResultHandler(c *gin.Context) {
	if a.judge == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "code execution is not configured"})
		return
	}

	token := c.Param("token")
	result, err := a.judge.Poll(c.Request.Context(), token)
	if err != nil {
		log.Printf("Error polling execution result: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to fetch result"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status_id":   result.StatusID,
		"description": result.Description,
		"stdout":      result.Stdout,
		"stderr":      result.Stderr,
		"done":        result.Done(),
	})
}

// participantSession resolves the roomId query parameter into a session
// and rejects callers who are not one of its two participants.
func (a *API) participantSession(c *gin.Context) (*db.Session, bool) {
	roomID := c.Query("roomId")
	if roomID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "roomId is required"})
		return nil, false
	}

	session, err := a.database.GetSession(roomID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to look up session"})
		return nil, false
	}
	if session == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return nil, false
	}

	identity := identityFrom(c)
	if identity.ID != session.UserOne && identity.ID != session.UserTwo {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a session participant"})
		return nil, false
	}

	return session, true
}
