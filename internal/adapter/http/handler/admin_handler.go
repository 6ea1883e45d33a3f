package handler

import (
	"math"
	"strconv"

	"tipledger/internal/adapter/http/dto"
	"tipledger/internal/core/ports"
	"tipledger/pkg/response"

	"github.com/gin-gonic/gin"
)

// AdminHandler handles operator endpoints.
type AdminHandler struct {
	transferSvc  ports.TransferService
	accountSvc   ports.AccountService
	reportingSvc ports.ReportingService
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(transferSvc ports.TransferService, accountSvc ports.AccountService, reportingSvc ports.ReportingService) *AdminHandler {
	return &AdminHandler{transferSvc: transferSvc, accountSvc: accountSvc, reportingSvc: reportingSvc}
}

// ListFailed handles GET /api/v1/admin/transactions/failed.
func (h *AdminHandler) ListFailed(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	txns, total, err := h.transferSvc.ListFailed(c.Request.Context(), page, pageSize)
	if err != nil {
		response.Error(c, err)
		return
	}

	items := make([]dto.TransactionResponse, 0, len(txns))
	for i := range txns {
		items = append(items, dto.NewTransactionResponse(&txns[i]))
	}

	response.OK(c, dto.TransactionListResponse{
		Items:      items,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: int(math.Ceil(float64(total) / float64(pageSize))),
	})
}

// Replay handles POST /api/v1/admin/transactions/:id/replay.
func (h *AdminHandler) Replay(c *gin.Context) {
	id, ok := parseID(c, "transaction")
	if !ok {
		return
	}

	txn, err := h.transferSvc.Replay(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Accepted(c, dto.NewTransactionResponse(txn))
}

// Freeze handles PUT /api/v1/admin/users/:id/freeze.
func (h *AdminHandler) Freeze(c *gin.Context) {
	h.setFrozen(c, true)
}

// Unfreeze handles DELETE /api/v1/admin/users/:id/freeze.
func (h *AdminHandler) Unfreeze(c *gin.Context) {
	h.setFrozen(c, false)
}

func (h *AdminHandler) setFrozen(c *gin.Context, frozen bool) {
	userID := c.Param("id")
	if err := h.accountSvc.SetFrozen(c.Request.Context(), userID, frozen); err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, dto.FreezeResponse{UserID: userID, Frozen: frozen})
}

// Stats handles GET /api/v1/admin/stats.
func (h *AdminHandler) Stats(c *gin.Context) {
	stats, err := h.reportingSvc.GetStats(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, dto.StatsResponse{
		Pending:  stats.Pending,
		Settling: stats.Settling,
		Settled:  stats.Settled,
		Failed:   stats.Failed,
	})
}
