package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/opencron/condwatch/internal/dispatcher"
	"github.com/opencron/condwatch/internal/engine"
	"github.com/opencron/condwatch/internal/models"
	"github.com/opencron/condwatch/internal/store"
)

// TaskRunner triggers a run outside the schedule.
type TaskRunner interface {
	RunTaskNow(ctx context.Context, taskID string) (*models.Execution, error)
}

// WebhookTester sends a synthetic webhook.
type WebhookTester interface {
	SendTest(ctx context.Context, cfg *models.WebhookConfig) (*dispatcher.TestResult, error)
}

type API struct {
	Store    *store.Store
	Runner   TaskRunner
	Webhooks WebhookTester
	Logger   *zap.Logger
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (api *API) logger() *zap.Logger {
	if api.Logger == nil {
		return zap.NewNop()
	}
	return api.Logger
}

// Router builds the operational HTTP surface.
func (api *API) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), api.accessLog())

	r.GET("/healthz", api.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	tasks := r.Group("/api/tasks")
	tasks.GET("", api.listTasks)
	tasks.POST("", api.createTask)
	tasks.GET("/:id", api.getTask)
	tasks.DELETE("/:id", api.deleteTask)
	tasks.PUT("/:id/active", api.setActive)
	tasks.POST("/:id/run", api.runTask)
	tasks.GET("/:id/executions", api.listExecutions)

	r.GET("/api/executions/:id/deliveries", api.listDeliveries)
	r.PUT("/api/webhooks", api.upsertWebhook)
	r.POST("/api/webhooks/test", api.testWebhook)
	return r
}

func (api *API) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		api.logger().Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(started)),
		)
	}
}

func (api *API) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (api *API) listTasks(c *gin.Context) {
	tasks, err := api.Store.GetTasks(c.Request.Context())
	if err != nil {
		api.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tasks)
}

type createTaskRequest struct {
	OwnerID              string                `json:"owner_id"`
	Name                 string                `json:"name"`
	SearchQuery          string                `json:"search_query"`
	ConditionDescription string                `json:"condition_description"`
	Schedule             string                `json:"schedule"`
	NotifyBehavior       models.NotifyBehavior `json:"notify_behavior"`
	NotifyEmail          string                `json:"notify_email"`
	IsActive             *bool                 `json:"is_active"`
}

func (api *API) createTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	t := &models.Task{
		OwnerID:              req.OwnerID,
		Name:                 req.Name,
		SearchQuery:          req.SearchQuery,
		ConditionDescription: req.ConditionDescription,
		Schedule:             req.Schedule,
		NotifyBehavior:       req.NotifyBehavior,
		NotifyEmail:          req.NotifyEmail,
		IsActive:             req.IsActive == nil || *req.IsActive,
	}
	if err := api.Store.CreateTask(c.Request.Context(), t); err != nil {
		api.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (api *API) getTask(c *gin.Context) {
	t, err := api.Store.GetTaskByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		api.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (api *API) deleteTask(c *gin.Context) {
	if err := api.Store.DeleteTask(c.Request.Context(), c.Param("id")); err != nil {
		api.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (api *API) setActive(c *gin.Context) {
	var req struct {
		IsActive *bool `json:"is_active"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.IsActive == nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "is_active is required"})
		return
	}
	ctx := c.Request.Context()
	if err := api.Store.SetTaskActive(ctx, c.Param("id"), *req.IsActive); err != nil {
		api.fail(c, err)
		return
	}
	t, err := api.Store.GetTaskByID(ctx, c.Param("id"))
	if err != nil {
		api.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (api *API) runTask(c *gin.Context) {
	exec, err := api.Runner.RunTaskNow(c.Request.Context(), c.Param("id"))
	if err != nil {
		api.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (api *API) listExecutions(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	ctx := c.Request.Context()
	if _, err := api.Store.GetTaskByID(ctx, c.Param("id")); err != nil {
		api.fail(c, err)
		return
	}
	execs, err := api.Store.GetExecutions(ctx, c.Param("id"), limit)
	if err != nil {
		api.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, execs)
}

func (api *API) listDeliveries(c *gin.Context) {
	ctx := c.Request.Context()
	if _, err := api.Store.GetExecutionByID(ctx, c.Param("id")); err != nil {
		api.fail(c, err)
		return
	}
	ds, err := api.Store.GetDeliveries(ctx, c.Param("id"))
	if err != nil {
		api.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ds)
}

type webhookRequest struct {
	OwnerID string `json:"owner_id"`
	TaskID  string `json:"task_id"`
	URL     string `json:"url"`
	Secret  string `json:"secret"`
	Enabled bool   `json:"enabled"`
}

func (r webhookRequest) config() *models.WebhookConfig {
	return &models.WebhookConfig{
		OwnerID: r.OwnerID,
		TaskID:  r.TaskID,
		URL:     r.URL,
		Secret:  r.Secret,
		Enabled: r.Enabled,
	}
}

func (api *API) upsertWebhook(c *gin.Context) {
	var req webhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	cfg := req.config()
	if err := cfg.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	if err := api.Store.UpsertWebhookConfig(c.Request.Context(), cfg); err != nil {
		api.fail(c, err)
		return
	}
	cfg.Secret = ""
	c.JSON(http.StatusOK, cfg)
}

// testWebhook sends a test payload either to the given url and secret or,
// when url is empty, to the config stored for owner_id and task_id.
func (api *API) testWebhook(c *gin.Context) {
	var req webhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	ctx := c.Request.Context()

	cfg := req.config()
	if req.URL == "" {
		stored, err := api.Store.GetWebhookConfig(ctx, req.TaskID, req.OwnerID)
		if err != nil {
			api.fail(c, err)
			return
		}
		cfg = stored
	}

	res, err := api.Webhooks.SendTest(ctx, cfg)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (api *API) fail(c *gin.Context, err error) {
	var verrs validator.ValidationErrors
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
	case errors.As(err, &verrs), errors.Is(err, models.ErrInvalidSchedule):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	case errors.Is(err, engine.ErrTaskBusy):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
	case errors.Is(err, engine.ErrSchedulerStopped):
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
	default:
		api.logger().Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
}
