// Package files stores uploaded photo bytes under date-partitioned keys.
package files

import (
	"context"
	"errors"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("file not found")

// Store persists image bytes by key
type Store interface {
	Save(ctx context.Context, key string, data []byte) error
	Read(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// NewKey returns photos/YYYY/MM/DD/<uuid><ext> for an uploaded filename
func NewKey(now time.Time, filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	return path.Join("photos", now.UTC().Format("2006/01/02"), uuid.NewString()+ext)
}
