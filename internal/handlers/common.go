package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lehigh-university-libraries/photoqa/internal/batches"
	"github.com/lehigh-university-libraries/photoqa/internal/models"
)

// BatchService is satisfied by *batches.Service
type BatchService interface {
	Create(ctx context.Context, uploads []batches.Upload) (*models.Batch, error)
	Get(ctx context.Context, id string) (*models.BatchReport, error)
	List(ctx context.Context) ([]*models.Batch, error)
}

// Downloader is satisfied by *images.Fetcher
type Downloader interface {
	Download(ctx context.Context, rawURL string) ([]byte, string, error)
}

type Handler struct {
	batches BatchService
	fetcher Downloader
}

func New(svc BatchService, fetcher Downloader) *Handler {
	return &Handler{batches: svc, fetcher: fetcher}
}

// Router wires the API routes
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	r.MaxMultipartMemory = 32 << 20

	r.GET("/healthcheck", h.HandleHealthcheck)

	api := r.Group("/api")
	api.POST("/uploads", h.HandleUpload)
	api.GET("/uploads", h.HandleListBatches)
	api.GET("/uploads/:id", h.HandleBatchDetail)

	return r
}

func (h *Handler) HandleHealthcheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Response helpers
func (h *Handler) writeError(c *gin.Context, message string, code int) {
	if code >= http.StatusInternalServerError {
		slog.Error(message, "path", c.FullPath())
	} else {
		slog.Warn(message, "path", c.FullPath())
	}
	c.AbortWithStatusJSON(code, gin.H{"error": message})
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		slog.Debug("request", "method", c.Request.Method, "path", c.Request.URL.Path, "status", c.Writer.Status())
	}
}
