package handlers

import (
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/lehigh-university-libraries/photoqa/internal/batches"
	"github.com/lehigh-university-libraries/photoqa/internal/images"
)

const uploadField = "uploaded_photos"

func (h *Handler) HandleUpload(c *gin.Context) {
	// Check if this is a JSON request with image URLs
	if strings.Contains(c.GetHeader("Content-Type"), "application/json") {
		h.handleURLUpload(c)
		return
	}

	h.handleFileUpload(c)
}

func (h *Handler) handleURLUpload(c *gin.Context) {
	var request struct {
		ImageURLs []string `json:"image_urls"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		h.writeError(c, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(request.ImageURLs) == 0 {
		h.writeError(c, "image_urls is required", http.StatusBadRequest)
		return
	}

	uploads := make([]batches.Upload, 0, len(request.ImageURLs))
	for _, u := range request.ImageURLs {
		data, name, err := h.fetcher.Download(c.Request.Context(), u)
		if err != nil {
			h.writeError(c, "Failed to process image URL: "+err.Error(), http.StatusBadRequest)
			return
		}
		uploads = append(uploads, batches.Upload{Filename: name, Data: data})
	}

	h.createBatch(c, uploads)
}

func (h *Handler) handleFileUpload(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		h.writeError(c, "Failed to read upload: "+err.Error(), http.StatusBadRequest)
		return
	}

	headers := form.File[uploadField]
	if len(headers) == 0 {
		h.writeError(c, "No files provided in field "+uploadField, http.StatusBadRequest)
		return
	}

	uploads := make([]batches.Upload, 0, len(headers))
	for _, fh := range headers {
		data, err := readFile(fh)
		if err != nil {
			h.writeError(c, err.Error(), http.StatusBadRequest)
			return
		}
		uploads = append(uploads, batches.Upload{Filename: fh.Filename, Data: data})
	}

	h.createBatch(c, uploads)
}

func readFile(fh *multipart.FileHeader) ([]byte, error) {
	if fh.Size > images.MaxSize {
		return nil, fmt.Errorf("%s: %w", fh.Filename, images.ErrTooLarge)
	}
	file, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", fh.Filename, err)
	}
	defer file.Close()

	data, err := images.ReadLimited(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fh.Filename, err)
	}
	return data, nil
}

func (h *Handler) createBatch(c *gin.Context, uploads []batches.Upload) {
	batch, err := h.batches.Create(c.Request.Context(), uploads)
	switch {
	case errors.Is(err, images.ErrNotImage), errors.Is(err, images.ErrTooLarge), errors.Is(err, batches.ErrNoPhotos):
		h.writeError(c, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		h.writeError(c, "Failed to create batch: "+err.Error(), http.StatusInternalServerError)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"batch_id":     batch.ID,
		"status":       batch.Status,
		"total_photos": batch.TotalPhotos,
		"message":      fmt.Sprintf("Successfully uploaded %d photos", batch.TotalPhotos),
	})
}
