package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kafuneri/Openlist-Ani/internal/core"
)

type downloadManager interface {
	Download(ctx context.Context, res core.Resource, savePath string) bool
	IsDownloading(downloadURL string) bool
	ActiveTasks() []*core.Task
	GetTask(taskID string) (*core.Task, error)
	Cancel(taskID string) error
}

type remoteHealth interface {
	CheckHealth(ctx context.Context) bool
}

type handler struct {
	manager downloadManager
	remote  remoteHealth
	logger  *zap.Logger

	// runCtx outlives the request: downloads keep going after the
	// 202 is written.
	runCtx context.Context
}

func NewHandler(runCtx context.Context, manager downloadManager, remote remoteHealth, logger *zap.Logger) *handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &handler{
		manager: manager,
		remote:  remote,
		logger:  logger,
		runCtx:  runCtx,
	}
}

func (h *handler) healthz(c *gin.Context) {
	status := gin.H{"status": "ok"}
	code := http.StatusOK
	if h.remote != nil && !h.remote.CheckHealth(c.Request.Context()) {
		status = gin.H{"status": "degraded", "openlist": "unreachable"}
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (h *handler) createTask(c *gin.Context) {
	req := CreateTaskRequest{}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequestResponse(c, err)
		return
	}

	if h.manager.IsDownloading(req.DownloadURL) {
		h.errorResponse(c, core.NewConflictError("resource is already downloading"))
		return
	}

	res := req.Resource()
	go func() {
		h.manager.Download(h.runCtx, res, req.SavePath)
	}()

	h.logger.Info("accepted download",
		zap.String("reqid", GetRequestID(c)),
		zap.String("title", res.Title),
	)
	c.JSON(http.StatusAccepted, gin.H{
		"status": "accepted",
		"title":  res.Title,
	})
}

func (h *handler) listTasks(c *gin.Context) {
	c.JSON(http.StatusOK, NewTasksListResponse(h.manager.ActiveTasks()))
}

func (h *handler) getTask(c *gin.Context) {
	id := c.Param("id")
	SetTaskID(c, id)

	task, err := h.manager.GetTask(id)
	if err != nil {
		h.errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, NewTaskResponse(task))
}

func (h *handler) cancelTask(c *gin.Context) {
	id := c.Param("id")
	SetTaskID(c, id)

	if err := h.manager.Cancel(id); err != nil {
		h.errorResponse(c, err)
		return
	}
	h.logger.Info("cancellation requested",
		zap.String("reqid", GetRequestID(c)),
		zap.String("task_id", id),
	)
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
}

func (h *handler) badRequestResponse(c *gin.Context, err error) {
	if c != nil && err != nil {
		c.Error(err) //nolint:errcheck
	}
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":   "bad request",
		"details": err.Error(),
	})
}

func (h *handler) errorResponse(c *gin.Context, err error) {
	if c != nil && err != nil {
		c.Error(err) //nolint:errcheck
	}
	if err == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error": "internal server error",
		})
		return
	}

	if appErr, ok := core.AsAppError(err); ok {
		p := gin.H{
			"error": appErr.PublicMessage(),
			"code":  appErr.Code,
		}
		if appErr.SafeToShow {
			switch {
			case appErr.Err != nil:
				p["details"] = appErr.Err.Error()
			case appErr.Message != "":
				p["details"] = appErr.Message
			}
		}
		h.logger.Warn("handler error",
			zap.String("reqid", GetRequestID(c)),
			zap.String("task_id", GetTaskID(c)),
			zap.String("error", err.Error()),
		)
		c.AbortWithStatusJSON(appErr.HTTPStatus(), p)
		return
	}

	h.logger.Error("handler unknown error",
		zap.String("reqid", GetRequestID(c)),
		zap.String("task_id", GetTaskID(c)),
		zap.String("error", err.Error()),
	)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
		"error": "internal server error",
	})
}
