package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/perimeterlabs/sentinel/internal/ddos"
	"github.com/perimeterlabs/sentinel/internal/model"
	"github.com/perimeterlabs/sentinel/internal/rules"
	"github.com/perimeterlabs/sentinel/internal/store"
	"go.uber.org/zap"
)

// AdminHandler exposes the admin mutation entry points and the
// metrics read surface. Authorization is enforced by the AdminAuth
// middleware installed on the route group; the handlers trust it.
type AdminHandler struct {
	detector *ddos.Detector
	matcher  *rules.Matcher
	store    store.Store
	logger   *zap.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(det *ddos.Detector, matcher *rules.Matcher, st store.Store, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{detector: det, matcher: matcher, store: st, logger: logger}
}

// Register registers the admin and metrics routes.
func (h *AdminHandler) Register(rg *gin.RouterGroup, auth gin.HandlerFunc) {
	metrics := rg.Group("/metrics", auth)
	{
		metrics.GET("/tenants", h.AllTenantMetrics)
		metrics.GET("/tenants/:id", h.TenantMetrics)
	}

	admin := rg.Group("/admin", auth)
	{
		admin.GET("/tenants/:id/ddos-config", h.GetDDoSConfig)
		admin.PUT("/tenants/:id/ddos-config", h.UpdateDDoSConfig)
		admin.GET("/tenants/:id/policy", h.GetPolicy)
		admin.PUT("/tenants/:id/policy", h.UpdatePolicy)
		admin.GET("/tenants/:id/rules", h.GetRules)
		admin.PUT("/tenants/:id/rules", h.UpdateRules)
		admin.POST("/tenants/:id/reset", h.ResetTenant)
		admin.POST("/reset", h.ResetAll)
		admin.DELETE("/tenants/:id", h.DeleteTenant)
	}
}

// TenantMetrics handles GET /v1/metrics/tenants/:id.
func (h *AdminHandler) TenantMetrics(c *gin.Context) {
	m, ok := h.detector.TenantMetrics(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no traffic recorded for tenant"})
		return
	}
	c.JSON(http.StatusOK, m)
}

// AllTenantMetrics handles GET /v1/metrics/tenants.
func (h *AdminHandler) AllTenantMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tenants": h.detector.AllMetrics()})
}

// GetDDoSConfig handles GET /v1/admin/tenants/:id/ddos-config.
func (h *AdminHandler) GetDDoSConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.detector.TenantConfig(c.Param("id")))
}

// UpdateDDoSConfig handles PUT /v1/admin/tenants/:id/ddos-config.
func (h *AdminHandler) UpdateDDoSConfig(c *gin.Context) {
	var cfg ddos.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.detector.UpdateConfig(c.Param("id"), cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// GetPolicy handles GET /v1/admin/tenants/:id/policy.
func (h *AdminHandler) GetPolicy(c *gin.Context) {
	pol, err := h.store.Policy(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusOK, model.DefaultPolicy())
		return
	}
	if err != nil {
		h.logger.Error("read policy", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read policy"})
		return
	}
	c.JSON(http.StatusOK, pol)
}

// UpdatePolicy handles PUT /v1/admin/tenants/:id/policy.
func (h *AdminHandler) UpdatePolicy(c *gin.Context) {
	var pol model.Policy
	if err := c.ShouldBindJSON(&pol); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.store.SavePolicy(c.Request.Context(), c.Param("id"), &pol); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, pol)
}

// GetRules handles GET /v1/admin/tenants/:id/rules — returns the
// rules active for the tenant, built-ins included.
func (h *AdminHandler) GetRules(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rules": h.matcher.ActiveRules(c.Param("id"))})
}

// UpdateRules handles PUT /v1/admin/tenants/:id/rules — validates,
// persists and hot-loads the tenant's custom rule set.
func (h *AdminHandler) UpdateRules(c *gin.Context) {
	var list []model.Rule
	if err := c.ShouldBindJSON(&list); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tenantID := c.Param("id")
	for i := range list {
		list[i].TenantID = tenantID
	}
	if err := h.store.SaveRules(c.Request.Context(), tenantID, list); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	skipped := h.matcher.Load(tenantID, list)
	c.JSON(http.StatusOK, gin.H{"loaded": len(list) - len(skipped), "skipped": skipped})
}

// ResetTenant handles POST /v1/admin/tenants/:id/reset.
func (h *AdminHandler) ResetTenant(c *gin.Context) {
	h.detector.ResetTenant(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

// ResetAll handles POST /v1/admin/reset.
func (h *AdminHandler) ResetAll(c *gin.Context) {
	h.detector.ResetAll()
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

// DeleteTenant handles DELETE /v1/admin/tenants/:id — the tenant
// lifecycle hook: evicts detection state, custom rules and stored
// configuration so memory is reclaimed without a restart.
func (h *AdminHandler) DeleteTenant(c *gin.Context) {
	tenantID := c.Param("id")
	if err := h.store.DeleteTenant(c.Request.Context(), tenantID); err != nil {
		h.logger.Error("delete tenant config", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete tenant configuration"})
		return
	}
	h.detector.EvictTenant(tenantID)
	h.matcher.Drop(tenantID)
	h.logger.Info("tenant evicted", zap.String("tenant", tenantID))
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
