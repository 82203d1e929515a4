package handler

import (
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"ccfleet/internal/metrics"
	"ccfleet/internal/orchestrator"
	"ccfleet/internal/proxypool"
	"ccfleet/internal/registry"
	"ccfleet/internal/store"
)

// AdminHandler serves the fleet management API.
type AdminHandler struct {
	reg           *registry.Registry
	pool          *proxypool.Pool
	orch          *orchestrator.Orchestrator
	store         *store.Store
	metrics       *metrics.Metrics
	proxyListPath string
}

func NewAdminHandler(reg *registry.Registry, pool *proxypool.Pool, orch *orchestrator.Orchestrator, st *store.Store, m *metrics.Metrics, proxyListPath string) *AdminHandler {
	return &AdminHandler{
		reg:           reg,
		pool:          pool,
		orch:          orch,
		store:         st,
		metrics:       m,
		proxyListPath: proxyListPath,
	}
}

type addAccountRequest struct {
	Cookie           string               `json:"cookie"`
	OAuth            *registry.OAuthToken `json:"oauth_token"`
	OrganizationUUID string               `json:"organization_uuid"`
	Capabilities     []string             `json:"capabilities"`
}

// AddAccount registers a new account (or updates an existing one).
func (h *AdminHandler) AddAccount(c *gin.Context) {
	var req addAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	account, err := h.reg.Add(req.Cookie, req.OAuth, req.OrganizationUUID, req.Capabilities)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"organization_uuid": account.OrganizationUUID,
		"status":            account.Status,
		"tier":              account.Tier(),
	})
}

// ListAccounts returns the redacted fleet view.
func (h *AdminHandler) ListAccounts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"accounts": h.reg.List()})
}

// DeleteAccount removes one account.
func (h *AdminHandler) DeleteAccount(c *gin.Context) {
	id := c.Param("id")
	if err := h.reg.Remove(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	h.orch.Sessions().DestroyByAccount(id, "account_removed")
	c.JSON(http.StatusOK, gin.H{"removed": id})
}

type batchRequest struct {
	IDs []string `json:"ids" binding:"required"`
}

// BatchDeleteAccounts removes several accounts in one persist.
func (h *AdminHandler) BatchDeleteAccounts(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result := h.reg.BatchRemove(req.IDs)
	for _, id := range req.IDs {
		h.orch.Sessions().DestroyByAccount(id, "account_removed")
	}
	c.JSON(http.StatusOK, result)
}

type refreshRequest struct {
	IDs            []string `json:"ids"`
	MaxConcurrency int      `json:"max_concurrency"`
}

// RefreshAccounts runs the two-phase probe over the named accounts. With no
// body or an empty ids list, the whole fleet is probed.
func (h *AdminHandler) RefreshAccounts(c *gin.Context) {
	var req refreshRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	ids := req.IDs
	if len(ids) == 0 {
		for _, info := range h.reg.List() {
			ids = append(ids, info.OrganizationUUID)
		}
	}

	results := h.reg.BatchRefresh(c.Request.Context(), h.orch.Prober(), ids, req.MaxConcurrency)
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// GetProxies returns the redacted proxy list and pool status.
func (h *AdminHandler) GetProxies(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  h.pool.Status(),
		"proxies": h.pool.List(),
	})
}

type putProxiesRequest struct {
	// Content is the raw proxy list, one proxy per line.
	Content string `json:"content" binding:"required"`
}

// PutProxies replaces the proxy list and persists it to the list file.
func (h *AdminHandler) PutProxies(c *gin.Context) {
	var req putProxiesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	count := h.pool.Reload(req.Content)
	if h.proxyListPath != "" {
		if err := os.WriteFile(h.proxyListPath, []byte(req.Content), 0o644); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "pool updated but list file write failed: " + err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"loaded": count})
}

// GetSettings returns the live pool settings.
func (h *AdminHandler) GetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"proxy": h.pool.Settings()})
}

type putSettingsRequest struct {
	Proxy proxypool.Settings `json:"proxy" binding:"required"`
}

// PutSettings swaps the pool settings at runtime. The change is not written
// back to config.json; restart restores the configured values.
func (h *AdminHandler) PutSettings(c *gin.Context) {
	var req putSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.pool.UpdateSettings(req.Proxy); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"proxy": h.pool.Settings()})
}

// Stats aggregates durable usage and live counters.
func (h *AdminHandler) Stats(c *gin.Context) {
	days := 30
	to := time.Now()
	from := to.AddDate(0, 0, -days)

	resp := gin.H{
		"sessions": h.orch.Sessions().Len(),
		"runtime":  h.metrics,
	}

	if h.store != nil {
		overview, err := h.store.GetGlobalOverview(from, to)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		trend, err := h.store.GetDailyTrend(days)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		resp["overview"] = overview
		resp["daily"] = trend
	}

	c.JSON(http.StatusOK, resp)
}

// Logs pages through the request log.
func (h *AdminHandler) Logs(c *gin.Context) {
	if h.store == nil {
		c.JSON(http.StatusOK, gin.H{"logs": []any{}, "total": 0})
		return
	}

	var filter store.RequestLogFilter
	filter.AccountID = c.Query("account_id")
	filter.Origin = c.Query("origin")
	filter.Model = c.Query("model")
	if p, err := parseIntQuery(c, "page"); err == nil {
		filter.Page = p
	}
	if l, err := parseIntQuery(c, "limit"); err == nil {
		filter.Limit = l
	}

	logs, total, err := h.store.ListRequestLogs(filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs, "total": total})
}
