package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"counselbot/internal/auth"
	"counselbot/internal/logger"
	"counselbot/internal/models"
	"counselbot/internal/router"
	"counselbot/internal/service/lifecycle"
	"counselbot/internal/worker"
)

// Users is the read side of user storage the dashboard needs.
type Users interface {
	GetUser(ctx context.Context, id int64) (*models.User, error)
	ListUsersByRole(ctx context.Context, role models.Role) ([]*models.User, error)
}

type Pinger interface {
	PingContext(ctx context.Context) error
}

type StatsSource interface {
	Stats() worker.Stats
}

// Handler serves the supervisor dashboard API and the health check.
type Handler struct {
	users     Users
	cases     *lifecycle.Manager
	router    *router.Router
	deliverer *router.Deliverer
	auth      *auth.Service
	db        Pinger
	stats     StatsSource
}

func NewHandler(users Users, cases *lifecycle.Manager, rt *router.Router, deliverer *router.Deliverer, authService *auth.Service, db Pinger, stats StatsSource) *Handler {
	return &Handler{
		users:     users,
		cases:     cases,
		router:    rt,
		deliverer: deliverer,
		auth:      authService,
		db:        db,
		stats:     stats,
	}
}

const supervisorContextKey = "supervisor"

// requireSupervisor re-reads the role on every request so a demoted user
// loses access before their token expires.
func (h *Handler) requireSupervisor() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := auth.UserIDFromContext(c)
		if !ok || userID == 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		user, err := h.users.GetUser(c.Request.Context(), userID)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "load user failed"})
			return
		}
		if user.Role != models.RoleSupervisor {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "supervisor role required"})
			return
		}
		c.Set(supervisorContextKey, user)
		c.Next()
	}
}

func supervisorFromContext(c *gin.Context) *models.User {
	val, _ := c.Get(supervisorContextKey)
	u, _ := val.(*models.User)
	return u
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(engine *gin.Engine) {
	engine.GET("/healthz", h.health)

	admin := engine.Group("/api/admin")
	admin.Use(h.auth.Middleware(), h.requireSupervisor())
	admin.GET("/cases", h.listCases)
	admin.GET("/cases/:id", h.getCase)
	admin.POST("/cases/:id/assign", h.assignCase)
	admin.POST("/cases/:id/close", h.closeCase)
	admin.GET("/responders", h.listResponders)
	admin.POST("/logout", h.logout)
}

func (h *Handler) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	body := gin.H{"status": "ok"}
	if h.stats != nil {
		body["workers"] = h.stats.Stats()
	}
	if err := h.db.PingContext(ctx); err != nil {
		slog.ErrorContext(ctx, "health check: database unreachable", "error", err)
		body["status"] = "degraded"
		body["error"] = "database unreachable"
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

type userView struct {
	ID          int64       `json:"id"`
	Username    string      `json:"username,omitempty"`
	DisplayName string      `json:"display_name"`
	Role        models.Role `json:"role,omitempty"`
}

type caseView struct {
	ID         string            `json:"id"`
	Status     models.CaseStatus `json:"status"`
	Problem    string            `json:"problem"`
	Alias      string            `json:"alias,omitempty"`
	Done       bool              `json:"done"`
	Requester  userView          `json:"requester"`
	Responder  *userView         `json:"responder,omitempty"`
	Supervisor *userView         `json:"supervisor,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	Messages   []*models.Message `json:"messages,omitempty"`
}

// userCache memoizes lookups for one response.
type userCache struct {
	users Users
	seen  map[int64]userView
}

func (uc *userCache) view(ctx context.Context, id int64) userView {
	if v, ok := uc.seen[id]; ok {
		return v
	}
	v := userView{ID: id}
	if u, err := uc.users.GetUser(ctx, id); err == nil {
		v = userView{ID: u.ID, Username: u.Username, DisplayName: u.Name(), Role: u.Role}
	}
	uc.seen[id] = v
	return v
}

func (uc *userCache) optional(ctx context.Context, id int64) *userView {
	if id == 0 {
		return nil
	}
	v := uc.view(ctx, id)
	return &v
}

func (h *Handler) newUserCache() *userCache {
	return &userCache{users: h.users, seen: make(map[int64]userView)}
}

func (uc *userCache) caseView(ctx context.Context, cs *models.Case) caseView {
	return caseView{
		ID:         cs.ID,
		Status:     cs.Status,
		Problem:    cs.Problem,
		Alias:      cs.Alias,
		Done:       cs.Done,
		Requester:  uc.view(ctx, cs.RequesterID),
		Responder:  uc.optional(ctx, cs.ResponderID),
		Supervisor: uc.optional(ctx, cs.SupervisorID),
		CreatedAt:  cs.CreatedAt,
		UpdatedAt:  cs.UpdatedAt,
		Messages:   cs.Messages,
	}
}

func (h *Handler) listCases(c *gin.Context) {
	ctx := c.Request.Context()
	var (
		cases []*models.Case
		err   error
	)
	switch status := c.Query("status"); status {
	case "":
		cases, err = h.cases.ListAll(ctx)
	case "open":
		cases, err = h.cases.ListOpen(ctx)
	case string(models.StatusPending), string(models.StatusAssigned), string(models.StatusActive), string(models.StatusClosed):
		cases, err = h.cases.ListAll(ctx)
		cases = filterStatus(cases, models.CaseStatus(status))
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}

	uc := h.newUserCache()
	views := make([]caseView, 0, len(cases))
	for _, cs := range cases {
		views = append(views, uc.caseView(ctx, cs))
	}
	c.JSON(http.StatusOK, gin.H{"cases": views})
}

func filterStatus(cases []*models.Case, status models.CaseStatus) []*models.Case {
	out := cases[:0]
	for _, cs := range cases {
		if cs.Status == status {
			out = append(out, cs)
		}
	}
	return out
}

func (h *Handler) getCase(c *gin.Context) {
	cs, err := h.cases.GetCase(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if cs.Messages == nil {
		cs.Messages = make([]*models.Message, 0)
	}
	c.JSON(http.StatusOK, gin.H{"case": h.newUserCache().caseView(c.Request.Context(), cs)})
}

func (h *Handler) listResponders(c *gin.Context) {
	ctx := c.Request.Context()
	views := make([]userView, 0)
	for _, role := range []models.Role{models.RoleResponder, models.RoleSupervisor} {
		users, err := h.users.ListUsersByRole(ctx, role)
		if err != nil {
			h.fail(c, err)
			return
		}
		for _, u := range users {
			views = append(views, userView{ID: u.ID, Username: u.Username, DisplayName: u.Name(), Role: u.Role})
		}
	}
	c.JSON(http.StatusOK, gin.H{"responders": views})
}

type assignRequest struct {
	ResponderID int64 `json:"responder_id"`
}

func (h *Handler) assignCase(c *gin.Context) {
	var req assignRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ResponderID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "responder_id is required"})
		return
	}
	sup := supervisorFromContext(c)
	ctx := logger.WithLogFields(c.Request.Context(), logger.LogFields{
		SenderID:  logger.Ptr(sup.ID),
		CaseID:    logger.Ptr(c.Param("id")),
		Component: "api",
	})
	outs, err := h.router.AssignByID(ctx, sup, c.Param("id"), req.ResponderID)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.notify(ctx, outs)
	h.respondCase(ctx, c, c.Param("id"))
}

func (h *Handler) closeCase(c *gin.Context) {
	sup := supervisorFromContext(c)
	ctx := logger.WithLogFields(c.Request.Context(), logger.LogFields{
		SenderID:  logger.Ptr(sup.ID),
		CaseID:    logger.Ptr(c.Param("id")),
		Component: "api",
	})
	outs, err := h.router.CloseByID(ctx, sup, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	h.notify(ctx, outs)
	h.respondCase(ctx, c, c.Param("id"))
}

func (h *Handler) respondCase(ctx context.Context, c *gin.Context, id string) {
	cs, err := h.cases.GetCase(ctx, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	cs.Messages = nil
	c.JSON(http.StatusOK, gin.H{"case": h.newUserCache().caseView(ctx, cs)})
}

// notify is best effort: the state change already happened.
func (h *Handler) notify(ctx context.Context, outs []router.Outbound) {
	if h.deliverer == nil || len(outs) == 0 {
		return
	}
	if failed := h.deliverer.Deliver(ctx, outs); failed > 0 {
		slog.WarnContext(ctx, "dashboard notifications failed", "failed", failed, "total", len(outs))
	}
}

func (h *Handler) logout(c *gin.Context) {
	if authToken, ok := auth.AuthTokenFromContext(c); ok {
		if err := h.auth.RevokeToken(c.Request.Context(), authToken); err != nil {
			h.fail(c, err)
			return
		}
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, models.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, models.ErrCaseClosed):
		c.JSON(http.StatusConflict, gin.H{"error": "case is closed"})
	default:
		slog.ErrorContext(c.Request.Context(), "dashboard request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
