package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"ccfleet/internal/middleware"
)

// RouterDeps bundles everything the router wires up.
type RouterDeps struct {
	Messages *MessagesHandler
	Admin    *AdminHandler
	AdminKey string
}

// NewRouter builds the gin engine with the public and admin surfaces.
func NewRouter(deps RouterDeps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger())

	r.GET("/health", deps.Admin.Health)

	v1 := r.Group("/v1")
	v1.Use(middleware.ClientKey())
	v1.POST("/messages", deps.Messages.Messages)

	admin := r.Group("/admin")
	admin.Use(middleware.NewAdminMiddleware(deps.AdminKey).Auth())
	{
		admin.GET("/accounts", deps.Admin.ListAccounts)
		admin.POST("/accounts", deps.Admin.AddAccount)
		admin.DELETE("/accounts/:id", deps.Admin.DeleteAccount)
		admin.POST("/accounts/batch_delete", deps.Admin.BatchDeleteAccounts)
		admin.POST("/accounts/refresh", deps.Admin.RefreshAccounts)

		admin.GET("/proxies", deps.Admin.GetProxies)
		admin.PUT("/proxies", deps.Admin.PutProxies)

		admin.GET("/settings", deps.Admin.GetSettings)
		admin.PUT("/settings", deps.Admin.PutSettings)

		admin.GET("/stats", deps.Admin.Stats)
		admin.GET("/logs", deps.Admin.Logs)
		admin.GET("/metrics", deps.Admin.metrics.Handler())
	}

	return r
}

// Health reports liveness plus a fleet snapshot.
func (h *AdminHandler) Health(c *gin.Context) {
	byStatus := make(map[string]int)
	for _, info := range h.reg.List() {
		byStatus[string(info.Status)]++
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"accounts": byStatus,
		"sessions": h.orch.Sessions().Len(),
		"proxies":  h.pool.Status(),
	})
}

func parseIntQuery(c *gin.Context, name string) (int, error) {
	return strconv.Atoi(c.Query(name))
}
