package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lehigh-university-libraries/photoqa/internal/models"
	"github.com/lehigh-university-libraries/photoqa/internal/storage"
)

type batchSummary struct {
	*models.Batch
	ProgressPercentage float64 `json:"progress_percentage"`
}

func (h *Handler) HandleListBatches(c *gin.Context) {
	list, err := h.batches.List(c.Request.Context())
	if err != nil {
		h.writeError(c, "Failed to list batches: "+err.Error(), http.StatusInternalServerError)
		return
	}

	result := make([]batchSummary, 0, len(list))
	for _, b := range list {
		result = append(result, batchSummary{Batch: b, ProgressPercentage: b.ProgressPercentage()})
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) HandleBatchDetail(c *gin.Context) {
	report, err := h.batches.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		h.writeError(c, "Batch not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.writeError(c, "Failed to load batch: "+err.Error(), http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, report)
}
