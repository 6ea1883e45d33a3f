package handler

import (
	"tipledger/internal/adapter/http/dto"
	"tipledger/internal/core/ports"
	"tipledger/pkg/apperror"
	"tipledger/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HeaderIdempotencyKey may carry the idempotency key instead of the body.
const HeaderIdempotencyKey = "Idempotency-Key"

// TransferHandler handles tip, withdrawal and transaction lookup endpoints.
type TransferHandler struct {
	transferSvc ports.TransferService
}

// NewTransferHandler creates a new TransferHandler.
func NewTransferHandler(transferSvc ports.TransferService) *TransferHandler {
	return &TransferHandler{transferSvc: transferSvc}
}

// Tip handles POST /api/v1/tips. The tip is queued for settlement, so the
// response is 202 with the transaction in its current state.
func (h *TransferHandler) Tip(c *gin.Context) {
	var req dto.TipRequest
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

	txn, err := h.transferSvc.RequestTip(c.Request.Context(), ports.TipRequest{
		SenderID:       req.SenderID,
		RecipientID:    req.RecipientID,
		Amount:         amount,
		IdempotencyKey: key,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Accepted(c, dto.NewTransactionResponse(txn))
}

// Withdraw handles POST /api/v1/withdrawals.
func (h *TransferHandler) Withdraw(c *gin.Context) {
	var req dto.WithdrawRequest
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

	txn, err := h.transferSvc.RequestWithdraw(c.Request.Context(), ports.WithdrawRequest{
		SenderID:       req.SenderID,
		Address:        req.Address,
		Amount:         amount,
		IdempotencyKey: key,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Accepted(c, dto.NewTransactionResponse(txn))
}

// GetTransaction handles GET /api/v1/transactions/:id.
func (h *TransferHandler) GetTransaction(c *gin.Context) {
	id, ok := parseID(c, "transaction")
	if !ok {
		return
	}

	txn, err := h.transferSvc.GetTransaction(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, dto.NewTransactionResponse(txn))
}

// parseID reads the :id path parameter as a UUID, writing a 400 on failure.
func parseID(c *gin.Context, entity string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Error(c, apperror.Validation("invalid "+entity+" id"))
		return uuid.Nil, false
	}
	return id, true
}
