package handler

import (
	"tipledger/internal/adapter/http/dto"
	"tipledger/internal/core/ports"
	"tipledger/pkg/apperror"
	"tipledger/pkg/response"

	"github.com/gin-gonic/gin"
)

// GiveawayHandler handles giveaway endpoints.
type GiveawayHandler struct {
	giveawaySvc ports.GiveawayService
}

// NewGiveawayHandler creates a new GiveawayHandler.
func NewGiveawayHandler(giveawaySvc ports.GiveawayService) *GiveawayHandler {
	return &GiveawayHandler{giveawaySvc: giveawaySvc}
}

// Create handles POST /api/v1/giveaways.
func (h *GiveawayHandler) Create(c *gin.Context) {
	var req dto.CreateGiveawayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}

	g, err := h.giveawaySvc.Create(c.Request.Context(), req.CreatorID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Created(c, dto.NewGiveawayResponse(g))
}

// Get handles GET /api/v1/giveaways/:id.
func (h *GiveawayHandler) Get(c *gin.Context) {
	id, ok := parseID(c, "giveaway")
	if !ok {
		return
	}

	g, err := h.giveawaySvc.Get(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, dto.NewGiveawayResponse(g))
}

// Fund handles POST /api/v1/giveaways/:id/fund.
func (h *GiveawayHandler) Fund(c *gin.Context) {
	id, ok := parseID(c, "giveaway")
	if !ok {
		return
	}

	var req dto.FundGiveawayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}
	amount, err := dto.ParseAmount(req.Amount, req.Units)
	if err != nil {
		response.Error(c, apperror.ErrInvalidAmount())
		return
	}
	key, err := dto.ParseIdempotencyKey(req.IdempotencyKey, c.GetHeader(HeaderIdempotencyKey))
	if err != nil {
		response.Error(c, apperror.Validation("idempotency key must be a UUID"))
		return
	}

	txn, err := h.giveawaySvc.Fund(c.Request.Context(), ports.GiveawayFundRequest{
		SenderID:       req.SenderID,
		GiveawayID:     id,
		Amount:         amount,
		IdempotencyKey: key,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Accepted(c, dto.NewTransactionResponse(txn))
}

// Payout handles POST /api/v1/giveaways/:id/payout. The winner is chosen by
// the caller.
func (h *GiveawayHandler) Payout(c *gin.Context) {
	id, ok := parseID(c, "giveaway")
	if !ok {
		return
	}

	var req dto.PayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}

	txn, err := h.giveawaySvc.Payout(c.Request.Context(), id, req.WinnerID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Accepted(c, dto.NewTransactionResponse(txn))
}

// Cancel handles POST /api/v1/giveaways/:id/cancel.
func (h *GiveawayHandler) Cancel(c *gin.Context) {
	id, ok := parseID(c, "giveaway")
	if !ok {
		return
	}

	g, err := h.giveawaySvc.Cancel(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, dto.NewGiveawayResponse(g))
}
