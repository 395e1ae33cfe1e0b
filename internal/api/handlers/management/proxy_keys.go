package management

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/agentgate-dev/agentgate/internal/store"
	"github.com/gin-gonic/gin"
)

// ListProxyKeys reports the issued inbound keys. Only the preview survives
// issuance; the full key is shown exactly once, in the create response.
func (h *Handler) ListProxyKeys(c *gin.Context) {
	records, err := h.st.ListProxyAPIKeys(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to list proxy keys: %v", err)})
		return
	}
	keys := make([]gin.H, 0, len(records))
	for _, record := range records {
		entry := gin.H{
			"user_id":     record.UserID,
			"name":        record.Name,
			"key_preview": record.KeyPreview,
			"active":      record.Active,
			"created_at":  record.CreatedAt,
		}
		if !record.ExpiresAt.IsZero() {
			entry["expires_at"] = record.ExpiresAt
		}
		keys = append(keys, entry)
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

// CreateProxyKey issues an inbound key bound to a tenant. A key value may
// be supplied for imports; otherwise one is generated.
func (h *Handler) CreateProxyKey(c *gin.Context) {
	var body struct {
		UserID    string     `json:"user_id"`
		Name      string     `json:"name"`
		Key       string     `json:"key"`
		ExpiresAt *time.Time `json:"expires_at"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if body.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing user_id"})
		return
	}
	rawKey := body.Key
	if rawKey == "" {
		generated, err := generateProxyKey()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to generate key: %v", err)})
			return
		}
		rawKey = generated
	}
	record := &store.ProxyAPIKey{
		Key:    rawKey,
		UserID: body.UserID,
		Name:   body.Name,
		Active: true,
	}
	if body.ExpiresAt != nil {
		record.ExpiresAt = *body.ExpiresAt
	}
	if err := h.st.SaveProxyAPIKey(c.Request.Context(), record); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to save proxy key: %v", err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "key": rawKey, "user_id": record.UserID})
}

// DeleteProxyKey revokes an issued key. The full key value addresses the
// record; previews cannot be used here.
func (h *Handler) DeleteProxyKey(c *gin.Context) {
	rawKey := c.Query("key")
	if rawKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing key"})
		return
	}
	if _, ok, err := h.st.LookupProxyAPIKey(c.Request.Context(), rawKey); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to look up proxy key: %v", err)})
		return
	} else if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
		return
	}
	if err := h.st.DeleteProxyAPIKey(c.Request.Context(), rawKey); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to delete proxy key: %v", err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func generateProxyKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "ag-" + hex.EncodeToString(buf), nil
}
