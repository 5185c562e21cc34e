package api

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"chatrecall/internal/ingest"
	"chatrecall/internal/models"
)

// uploadDocument extracts the text of a multipart "file" and stores it as
// a document of the user.
func (h *Handler) uploadDocument(c *gin.Context) {
	_, storeKey, ok := h.authorizedUser(c)
	if !ok {
		return
	}
	limit := h.cfg.Ingest.MaxUploadBytes
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+1<<20)
	file, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	if file.Size > limit {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}
	filename := ingest.SafeFilename(filepath.Base(file.Filename))

	// the extractor picks its parser by extension, so the temp copy keeps it
	dir := filepath.Join(h.cfg.BasicConfig.FileBaseDir, storeKey)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create directory failed"})
		return
	}
	tmp, err := os.CreateTemp(dir, "upload-*"+strings.ToLower(filepath.Ext(filename)))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save file failed"})
		return
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)
	if err := c.SaveUploadedFile(file, tmpPath); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save file failed"})
		return
	}

	text, err := h.extractor.Extract(c.Request.Context(), tmpPath)
	if err != nil {
		if errors.Is(err, ingest.ErrNoText) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "file has no readable text"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	doc, err := h.workers.StoreDocument(c.Request.Context(), storeKey, filename, text, ingest.MediaType(tmpPath), "upload")
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"document": withoutContent(doc)})
}

// scrapeDocument fetches a URL and stores its readable text.
func (h *Handler) scrapeDocument(c *gin.Context) {
	_, storeKey, ok := h.authorizedUser(c)
	if !ok {
		return
	}
	var req struct {
		URL string `json:"url"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.URL) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url is required"})
		return
	}
	page, err := h.scraper.Fetch(c.Request.Context(), req.URL)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	doc, err := h.workers.StoreDocument(c.Request.Context(), storeKey, page.Filename, page.Text, "text/html", "scrape")
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"document": withoutContent(doc), "page": page})
}

func (h *Handler) listDocuments(c *gin.Context) {
	_, storeKey, ok := h.authorizedUser(c)
	if !ok {
		return
	}
	store, err := h.workers.Store(c.Request.Context(), storeKey)
	if err != nil {
		respondError(c, err)
		return
	}
	docs, err := store.ListDocuments(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]models.Document, 0, len(docs))
	for _, d := range docs {
		out = append(out, withoutContent(d))
	}
	c.JSON(http.StatusOK, gin.H{"documents": out})
}

func (h *Handler) deleteDocument(c *gin.Context) {
	_, storeKey, ok := h.authorizedUser(c)
	if !ok {
		return
	}
	filename := strings.TrimSpace(c.Param("filename"))
	if filename == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "filename is required"})
		return
	}
	if err := h.workers.RemoveDocument(c.Request.Context(), storeKey, filename); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func withoutContent(d models.Document) models.Document {
	d.Content = ""
	return d
}
