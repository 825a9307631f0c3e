package points

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"marketplace-rewards/pkg/db/pagination"
	"marketplace-rewards/pkg/errutil"
)

func parseRFC3339(raw, field string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errutil.ValidationFailed(field + " must be an RFC3339 timestamp")
	}
	return t, nil
}

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(r gin.IRouter) {
	g := r.Group("/v1/points")
	g.POST("/earn", h.earn)
	g.POST("/redeem", h.redeem)
	g.POST("/adjust", h.adjust)
	g.GET("/leaderboard", h.leaderboard)
	g.GET("/users/:id", h.balance)
	g.GET("/users/:id/rank", h.rank)
	g.GET("/users/:id/transactions", h.listTransactions)

	g.POST("/rules", h.createRule)
	g.GET("/rules", h.listRules)
	g.GET("/rules/:action_type", h.getRule)
	g.PATCH("/rules/:action_type", h.updateRule)

	g.POST("/multipliers", h.createMultiplier)
	g.GET("/multipliers", h.listMultipliers)
	g.PATCH("/multipliers/:id", h.updateMultiplier)
}

type earnRequest struct {
	UserID        string `json:"user_id" binding:"required"`
	ActionType    string `json:"action_type" binding:"required"`
	ReferenceType string `json:"reference_type"`
	ReferenceID   string `json:"reference_id"`
	Description   string `json:"description"`
}

func (h *Handler) earn(c *gin.Context) {
	var req earnRequest
	if err := c.BindJSON(&req); err != nil {
		return
	}

	result, err := h.svc.Earn(c.Request.Context(), EarnParams{
		UserID:        req.UserID,
		ActionType:    req.ActionType,
		ReferenceType: req.ReferenceType,
		ReferenceID:   req.ReferenceID,
		Description:   req.Description,
	})
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type redeemRequest struct {
	UserID        string `json:"user_id" binding:"required"`
	Points        int64  `json:"points" binding:"required"`
	Description   string `json:"description"`
	ReferenceType string `json:"reference_type"`
	ReferenceID   string `json:"reference_id"`
}

func (h *Handler) redeem(c *gin.Context) {
	var req redeemRequest
	if err := c.BindJSON(&req); err != nil {
		return
	}

	txn, err := h.svc.Redeem(c.Request.Context(), RedeemParams{
		UserID:        req.UserID,
		Points:        req.Points,
		Description:   req.Description,
		ReferenceType: req.ReferenceType,
		ReferenceID:   req.ReferenceID,
	})
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, txn)
}

type adjustRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Delta  int64  `json:"delta" binding:"required"`
	Reason string `json:"reason"`
}

func (h *Handler) adjust(c *gin.Context) {
	var req adjustRequest
	if err := c.BindJSON(&req); err != nil {
		return
	}

	txn, err := h.svc.Adjust(c.Request.Context(), req.UserID, req.Delta, req.Reason)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, txn)
}

func (h *Handler) balance(c *gin.Context) {
	up, err := h.svc.Balance(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, up)
}

func (h *Handler) rank(c *gin.Context) {
	rank, err := h.svc.Rank(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": c.Param("id"), "rank": rank})
}

func (h *Handler) leaderboard(c *gin.Context) {
	count := 0
	if raw := c.Query("count"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			c.Error(errutil.BadRequest("count must be an integer"))
			return
		}
		count = v
	}

	entries, err := h.svc.Leaderboard(c.Request.Context(), count)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h *Handler) listTransactions(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			c.Error(errutil.BadRequest("limit must be an integer"))
			return
		}
		limit = v
	}

	txns, pageInfo, err := h.svc.ListTransactions(c.Request.Context(), c.Param("id"), pagination.Pagination{
		Limit:  limit,
		Cursor: c.Query("cursor"),
	})
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txns, "page_info": pageInfo})
}

type createRuleRequest struct {
	ActionType          string          `json:"action_type" binding:"required"`
	PointValue          decimal.Decimal `json:"point_value"`
	MaxDailyOccurrences *int            `json:"max_daily_occurrences"`
	MaxTotalOccurrences *int            `json:"max_total_occurrences"`
	CooldownMinutes     *int            `json:"cooldown_minutes"`
	MultiplierEligible  bool            `json:"multiplier_eligible"`
	Description         string          `json:"description"`
}

func (h *Handler) createRule(c *gin.Context) {
	var req createRuleRequest
	if err := c.BindJSON(&req); err != nil {
		return
	}

	rule, err := h.svc.CreateRule(c.Request.Context(), CreateRuleParams{
		ActionType:          req.ActionType,
		PointValue:          req.PointValue,
		MaxDailyOccurrences: req.MaxDailyOccurrences,
		MaxTotalOccurrences: req.MaxTotalOccurrences,
		CooldownMinutes:     req.CooldownMinutes,
		MultiplierEligible:  req.MultiplierEligible,
		Description:         req.Description,
	})
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

func (h *Handler) listRules(c *gin.Context) {
	includeInactive := c.Query("include_inactive") == "true"
	rules, err := h.svc.ListRules(c.Request.Context(), includeInactive)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules})
}

func (h *Handler) getRule(c *gin.Context) {
	rule, err := h.svc.GetRule(c.Request.Context(), c.Param("action_type"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

type updateRuleRequest struct {
	PointValue          *decimal.Decimal `json:"point_value"`
	IsActive            *bool            `json:"is_active"`
	MaxDailyOccurrences *int             `json:"max_daily_occurrences"`
	MaxTotalOccurrences *int             `json:"max_total_occurrences"`
	CooldownMinutes     *int             `json:"cooldown_minutes"`
	MultiplierEligible  *bool            `json:"multiplier_eligible"`
	Description         *string          `json:"description"`
}

func (h *Handler) updateRule(c *gin.Context) {
	var req updateRuleRequest
	if err := c.BindJSON(&req); err != nil {
		return
	}

	rule, err := h.svc.UpdateRule(c.Request.Context(), c.Param("action_type"), UpdateRuleParams{
		PointValue:          req.PointValue,
		IsActive:            req.IsActive,
		MaxDailyOccurrences: req.MaxDailyOccurrences,
		MaxTotalOccurrences: req.MaxTotalOccurrences,
		CooldownMinutes:     req.CooldownMinutes,
		MultiplierEligible:  req.MultiplierEligible,
		Description:         req.Description,
	})
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

type createMultiplierRequest struct {
	Name        string          `json:"name" binding:"required"`
	Factor      decimal.Decimal `json:"factor" binding:"required"`
	StartAt     string          `json:"start_at" binding:"required"`
	EndAt       string          `json:"end_at" binding:"required"`
	ActionTypes []string        `json:"action_types"`
}

func (h *Handler) createMultiplier(c *gin.Context) {
	var req createMultiplierRequest
	if err := c.BindJSON(&req); err != nil {
		return
	}

	startAt, err := parseRFC3339(req.StartAt, "start_at")
	if err != nil {
		c.Error(err)
		return
	}
	endAt, err := parseRFC3339(req.EndAt, "end_at")
	if err != nil {
		c.Error(err)
		return
	}

	multiplier, err := h.svc.CreateMultiplier(c.Request.Context(), CreateMultiplierParams{
		Name:        req.Name,
		Factor:      req.Factor,
		StartAt:     startAt,
		EndAt:       endAt,
		ActionTypes: req.ActionTypes,
	})
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, multiplier)
}

func (h *Handler) listMultipliers(c *gin.Context) {
	if c.Query("active") == "true" {
		multipliers, err := h.svc.ActiveMultipliers(c.Request.Context())
		if err != nil {
			c.Error(err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"multipliers": multipliers})
		return
	}

	multipliers, err := h.svc.ListMultipliers(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"multipliers": multipliers})
}

type updateMultiplierRequest struct {
	Name        *string          `json:"name"`
	Factor      *decimal.Decimal `json:"factor"`
	StartAt     *string          `json:"start_at"`
	EndAt       *string          `json:"end_at"`
	ActionTypes []string         `json:"action_types"`
	IsActive    *bool            `json:"is_active"`
}

func (h *Handler) updateMultiplier(c *gin.Context) {
	var req updateMultiplierRequest
	if err := c.BindJSON(&req); err != nil {
		return
	}

	params := UpdateMultiplierParams{
		Name:        req.Name,
		Factor:      req.Factor,
		ActionTypes: req.ActionTypes,
		IsActive:    req.IsActive,
	}
	if req.StartAt != nil {
		t, err := parseRFC3339(*req.StartAt, "start_at")
		if err != nil {
			c.Error(err)
			return
		}
		params.StartAt = &t
	}
	if req.EndAt != nil {
		t, err := parseRFC3339(*req.EndAt, "end_at")
		if err != nil {
			c.Error(err)
			return
		}
		params.EndAt = &t
	}

	multiplier, err := h.svc.UpdateMultiplier(c.Request.Context(), c.Param("id"), params)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, multiplier)
}
