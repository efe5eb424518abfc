package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/dispatch/internal/identity"
	"github.com/orrn/dispatch/internal/quota"
)

type QuotaResponse struct {
	Username string `json:"username"`
	Quota    int    `json:"quota"`
	Eligible bool   `json:"eligible"`
}

type QuotaHandler struct {
	resolver identity.Resolver
	counter  *quota.Counter
}

func NewQuotaHandler(resolver identity.Resolver, counter *quota.Counter) *QuotaHandler {
	return &QuotaHandler{resolver: resolver, counter: counter}
}

func (h *QuotaHandler) GetQuota(c *gin.Context) {
	username := c.Param("username")

	profile, err := h.resolver.Resolve(c.Request.Context(), username)
	if err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve user"})
		return
	}

	snapshot, err := h.counter.QuotaData(c.Request.Context(), profile)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute quota"})
		return
	}

	c.JSON(http.StatusOK, QuotaResponse{
		Username: username,
		Quota:    snapshot.Quota,
		Eligible: h.counter.HasCurrentSemesterEligible(profile, profile.Semesters),
	})
}

func (h *QuotaHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/quota/:username", h.GetQuota)
}
