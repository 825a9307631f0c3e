package referral

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"marketplace-rewards/pkg/errutil"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(r gin.IRouter) {
	g := r.Group("/v1/referrals")
	g.GET("/codes/:user_id", h.getOrCreateCode)
	g.PUT("/codes/:user_id", h.setCustomCode)
	g.POST("/validate", h.validateCode)
	g.POST("/use", h.useCode)
	g.GET("/:id", h.getReferral)
	g.POST("/:id/complete", h.complete)
	g.GET("/users/:user_id", h.listReferrals)

	g.POST("/tiers", h.createTier)
	g.GET("/tiers", h.listTiers)
	g.PATCH("/tiers/:id", h.updateTier)

	g.POST("/campaigns", h.createCampaign)
	g.GET("/campaigns", h.listCampaigns)
	g.PATCH("/campaigns/:id", h.updateCampaign)
}

func (h *Handler) getOrCreateCode(c *gin.Context) {
	code, err := h.svc.GetOrCreateCode(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, code)
}

type setCustomCodeRequest struct {
	Code string `json:"code" binding:"required"`
}

func (h *Handler) setCustomCode(c *gin.Context) {
	var req setCustomCodeRequest
	if err := c.BindJSON(&req); err != nil {
		return
	}

	code, err := h.svc.SetCustomCode(c.Request.Context(), c.Param("user_id"), req.Code)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, code)
}

type validateCodeRequest struct {
	Code   string `json:"code" binding:"required"`
	UserID string `json:"user_id" binding:"required"`
}

func (h *Handler) validateCode(c *gin.Context) {
	var req validateCodeRequest
	if err := c.BindJSON(&req); err != nil {
		return
	}

	valid, err := h.svc.ValidateCode(c.Request.Context(), req.Code, req.UserID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": valid})
}

type useCodeRequest struct {
	Code   string `json:"code" binding:"required"`
	UserID string `json:"user_id" binding:"required"`
}

func (h *Handler) useCode(c *gin.Context) {
	var req useCodeRequest
	if err := c.BindJSON(&req); err != nil {
		return
	}

	referral, err := h.svc.UseCode(c.Request.Context(), req.Code, req.UserID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, referral)
}

func (h *Handler) getReferral(c *gin.Context) {
	referral, err := h.svc.GetReferral(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, referral)
}

func (h *Handler) complete(c *gin.Context) {
	referral, err := h.svc.Complete(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, referral)
}

func (h *Handler) listReferrals(c *gin.Context) {
	referrals, err := h.svc.ListReferrals(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"referrals": referrals})
}

type createTierRequest struct {
	Name           string `json:"name" binding:"required"`
	MinReferrals   int    `json:"min_referrals"`
	MaxReferrals   *int   `json:"max_referrals"`
	ReferrerPoints int64  `json:"referrer_points"`
	ReferredPoints int64  `json:"referred_points"`
}

func (h *Handler) createTier(c *gin.Context) {
	var req createTierRequest
	if err := c.BindJSON(&req); err != nil {
		return
	}

	tier, err := h.svc.CreateTier(c.Request.Context(), CreateTierParams{
		Name:           req.Name,
		MinReferrals:   req.MinReferrals,
		MaxReferrals:   req.MaxReferrals,
		ReferrerPoints: req.ReferrerPoints,
		ReferredPoints: req.ReferredPoints,
	})
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, tier)
}

func (h *Handler) listTiers(c *gin.Context) {
	includeInactive := c.Query("include_inactive") == "true"
	tiers, err := h.svc.ListTiers(c.Request.Context(), includeInactive)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tiers": tiers})
}

type updateTierRequest struct {
	Name           *string `json:"name"`
	MinReferrals   *int    `json:"min_referrals"`
	MaxReferrals   *int    `json:"max_referrals"`
	ReferrerPoints *int64  `json:"referrer_points"`
	ReferredPoints *int64  `json:"referred_points"`
	IsActive       *bool   `json:"is_active"`
}

func (h *Handler) updateTier(c *gin.Context) {
	var req updateTierRequest
	if err := c.BindJSON(&req); err != nil {
		return
	}

	tier, err := h.svc.UpdateTier(c.Request.Context(), c.Param("id"), UpdateTierParams{
		Name:           req.Name,
		MinReferrals:   req.MinReferrals,
		MaxReferrals:   req.MaxReferrals,
		ReferrerPoints: req.ReferrerPoints,
		ReferredPoints: req.ReferredPoints,
		IsActive:       req.IsActive,
	})
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, tier)
}

type createCampaignRequest struct {
	Name        string          `json:"name" binding:"required"`
	BonusPoints int64           `json:"bonus_points"`
	Multiplier  decimal.Decimal `json:"multiplier"`
	StartAt     string          `json:"start_at" binding:"required"`
	EndAt       string          `json:"end_at" binding:"required"`
}

func (h *Handler) createCampaign(c *gin.Context) {
	var req createCampaignRequest
	if err := c.BindJSON(&req); err != nil {
		return
	}

	startAt, err := time.Parse(time.RFC3339, req.StartAt)
	if err != nil {
		c.Error(errutil.ValidationFailed("start_at must be an RFC3339 timestamp"))
		return
	}
	endAt, err := time.Parse(time.RFC3339, req.EndAt)
	if err != nil {
		c.Error(errutil.ValidationFailed("end_at must be an RFC3339 timestamp"))
		return
	}

	campaign, err := h.svc.CreateCampaign(c.Request.Context(), CreateCampaignParams{
		Name:        req.Name,
		BonusPoints: req.BonusPoints,
		Multiplier:  req.Multiplier,
		StartAt:     startAt,
		EndAt:       endAt,
	})
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, campaign)
}

func (h *Handler) listCampaigns(c *gin.Context) {
	if c.Query("active") == "true" {
		campaign, err := h.svc.ActiveCampaign(c.Request.Context())
		if err != nil {
			c.Error(err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"campaign": campaign})
		return
	}

	campaigns, err := h.svc.ListCampaigns(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"campaigns": campaigns})
}

type updateCampaignRequest struct {
	Name        *string          `json:"name"`
	BonusPoints *int64           `json:"bonus_points"`
	Multiplier  *decimal.Decimal `json:"multiplier"`
	StartAt     *string          `json:"start_at"`
	EndAt       *string          `json:"end_at"`
	IsActive    *bool            `json:"is_active"`
}

func (h *Handler) updateCampaign(c *gin.Context) {
	var req updateCampaignRequest
	if err := c.BindJSON(&req); err != nil {
		return
	}

	params := UpdateCampaignParams{
		Name:        req.Name,
		BonusPoints: req.BonusPoints,
		Multiplier:  req.Multiplier,
		IsActive:    req.IsActive,
	}
	if req.StartAt != nil {
		t, err := time.Parse(time.RFC3339, *req.StartAt)
		if err != nil {
			c.Error(errutil.ValidationFailed("start_at must be an RFC3339 timestamp"))
			return
		}
		params.StartAt = &t
	}
	if req.EndAt != nil {
		t, err := time.Parse(time.RFC3339, *req.EndAt)
		if err != nil {
			c.Error(errutil.ValidationFailed("end_at must be an RFC3339 timestamp"))
			return
		}
		params.EndAt = &t
	}

	campaign, err := h.svc.UpdateCampaign(c.Request.Context(), c.Param("id"), params)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, campaign)
}
