package httpapi

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dropbeam/dropbeam/backend/go/internal/v1/logging"
	"github.com/dropbeam/dropbeam/backend/go/internal/v1/protocol"
)

const maxUploadFiles = 50

// blockedExtensions are refused outright regardless of declared MIME type.
var blockedExtensions = map[string]struct{}{
	".exe": {}, ".bat": {}, ".cmd": {}, ".sh": {}, ".php": {}, ".js": {}, ".jar": {},
}

// allowedMIMEPrefixes gates the declared Content-Type of each part.
var allowedMIMEPrefixes = []string{
	"image/", "video/", "audio/", "text/",
	"application/pdf",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.",
	"application/vnd.ms-excel",
	"application/vnd.ms-powerpoint",
	"application/zip",
	"application/x-rar-compressed",
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// sanitizeFilename strips any path component and replaces everything outside
// the safe set with underscores.
func sanitizeFilename(name string) string {
	base := filepath.Base(name)
	base = unsafeFilenameChars.ReplaceAllString(base, "_")
	base = strings.Trim(base, ".")
	if base == "" {
		base = "file"
	}
	return base
}

func mimeAllowed(contentType string) bool {
	for _, prefix := range allowedMIMEPrefixes {
		if strings.HasPrefix(contentType, prefix) {
			return true
		}
	}
	return false
}

// UploadedFile describes one stored scratch file in the upload response.
type UploadedFile struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	Type       string `json:"type"`
	Path       string `json:"path"`
	URL        string `json:"url"`
	UploadedAt string `json:"uploadedAt"`
}

// Upload handles POST /api/upload. Files land in the scratch directory under
// a collision-proof name; the janitor prunes them after 24 h.
func (h *Handler) Upload(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid multipart form"})
		return
	}

	files := form.File["files"]
	if len(files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "no files provided"})
		return
	}
	if len(files) > maxUploadFiles {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   fmt.Sprintf("too many files: %d (max %d)", len(files), maxUploadFiles),
		})
		return
	}

	stored := make([]UploadedFile, 0, len(files))
	var totalSize int64

	for _, fh := range files {
		name := sanitizeFilename(fh.Filename)

		if fh.Size > protocol.MaxFileSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"success": false,
				"error":   fmt.Sprintf("%s exceeds the %d byte limit", name, int64(protocol.MaxFileSize)),
			})
			return
		}

		ext := strings.ToLower(filepath.Ext(name))
		if _, blocked := blockedExtensions[ext]; blocked {
			c.JSON(http.StatusBadRequest, gin.H{
				"success": false,
				"error":   fmt.Sprintf("file type %s is not allowed", ext),
			})
			return
		}

		contentType := fh.Header.Get("Content-Type")
		if !mimeAllowed(contentType) {
			c.JSON(http.StatusBadRequest, gin.H{
				"success": false,
				"error":   fmt.Sprintf("content type %q is not allowed for %s", contentType, name),
			})
			return
		}

		storedName := uuid.NewString()[:8] + "_" + name
		dst := filepath.Join(h.uploadDir, storedName)
		if err := c.SaveUploadedFile(fh, dst); err != nil {
			logging.Error(c.Request.Context(), "Failed to store upload",
				zap.String("file", name), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "failed to store file"})
			return
		}

		stored = append(stored, UploadedFile{
			Name:       name,
			Size:       fh.Size,
			Type:       contentType,
			Path:       dst,
			URL:        "/api/download/" + storedName,
			UploadedAt: time.Now().UTC().Format(time.RFC3339),
		})
		totalSize += fh.Size
	}

	logging.Info(c.Request.Context(), "Scratch upload stored",
		zap.Int("files", len(stored)), zap.Int64("total_bytes", totalSize))

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"files":     stored,
		"totalSize": totalSize,
	})
}

// Download handles GET /api/download/:filename, streaming a scratch file
// with an attachment disposition named after the original upload.
func (h *Handler) Download(c *gin.Context) {
	name := c.Param("filename")

	// Reject anything that survived sanitization differently, which covers
	// traversal sequences and separators in one check.
	if name == "" || sanitizeFilename(name) != name {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid filename"})
		return
	}

	full := filepath.Join(h.uploadDir, name)
	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}

	// Stored names carry a random prefix before the first underscore; the
	// attachment keeps the name the uploader sent.
	display := name
	if i := strings.Index(name, "_"); i > 0 {
		display = name[i+1:]
	}

	c.FileAttachment(full, display)
}
