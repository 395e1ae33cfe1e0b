package management

import (
	"github.com/gin-gonic/gin"
)

// GetConfig reports the effective configuration with secrets masked.
func (h *Handler) GetConfig(c *gin.Context) {
	compat := make([]gin.H, 0, len(h.cfg.OpenAICompatibility))
	for _, entry := range h.cfg.OpenAICompatibility {
		models := make([]gin.H, 0, len(entry.Models))
		for _, m := range entry.Models {
			models = append(models, gin.H{"name": m.Name, "alias": m.Alias})
		}
		compat = append(compat, gin.H{
			"name":     entry.Name,
			"base-url": entry.BaseURL,
			"api-keys": len(entry.APIKeys),
			"models":   models,
		})
	}
	c.JSON(200, gin.H{
		"port":                            h.cfg.Port,
		"auth-dir":                        h.cfg.AuthDir,
		"store":                           h.cfg.StorePath,
		"base-url":                        h.cfg.BaseURL,
		"debug":                           h.cfg.Debug,
		"proxy-url":                       h.cfg.ProxyURL,
		"request-log":                     h.cfg.RequestLog,
		"request-retry":                   h.cfg.RequestRetry,
		"retry-backoff-ms":                h.cfg.RetryBackoffMs,
		"api-keys":                        len(h.cfg.APIKeys),
		"allow-localhost-unauthenticated": h.cfg.AllowLocalhostUnauthenticated,
		"openai-compatibility":            compat,
	})
}

// Debug
func (h *Handler) GetDebug(c *gin.Context) { c.JSON(200, gin.H{"debug": h.cfg.Debug}) }
func (h *Handler) PutDebug(c *gin.Context) { h.updateBoolField(c, func(v bool) { h.cfg.Debug = v }) }

// Request log
func (h *Handler) GetRequestLog(c *gin.Context) { c.JSON(200, gin.H{"request-log": h.cfg.RequestLog}) }
func (h *Handler) PutRequestLog(c *gin.Context) {
	h.updateBoolField(c, func(v bool) { h.cfg.RequestLog = v })
}

// Request retry
func (h *Handler) GetRequestRetry(c *gin.Context) {
	c.JSON(200, gin.H{"request-retry": h.cfg.RequestRetry})
}
func (h *Handler) PutRequestRetry(c *gin.Context) {
	h.updateIntField(c, func(v int) { h.cfg.RequestRetry = v })
}

// Allow localhost unauthenticated
func (h *Handler) GetAllowLocalhost(c *gin.Context) {
	c.JSON(200, gin.H{"allow-localhost-unauthenticated": h.cfg.AllowLocalhostUnauthenticated})
}
func (h *Handler) PutAllowLocalhost(c *gin.Context) {
	h.updateBoolField(c, func(v bool) { h.cfg.AllowLocalhostUnauthenticated = v })
}

// Proxy URL
func (h *Handler) GetProxyURL(c *gin.Context) { c.JSON(200, gin.H{"proxy-url": h.cfg.ProxyURL}) }
func (h *Handler) PutProxyURL(c *gin.Context) {
	h.updateStringField(c, func(v string) { h.cfg.ProxyURL = v })
}
func (h *Handler) DeleteProxyURL(c *gin.Context) {
	h.cfg.ProxyURL = ""
	h.persist(c)
}
