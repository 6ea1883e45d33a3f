package handler

import (
	"tipledger/internal/adapter/http/dto"
	"tipledger/internal/core/ports"
	"tipledger/pkg/apperror"
	"tipledger/pkg/response"

	"github.com/gin-gonic/gin"
)

// UserHandler handles user registration and balance endpoints.
type UserHandler struct {
	accountSvc ports.AccountService
}

// NewUserHandler creates a new UserHandler.
func NewUserHandler(accountSvc ports.AccountService) *UserHandler {
	return &UserHandler{accountSvc: accountSvc}
}

// Register handles POST /api/v1/users.
func (h *UserHandler) Register(c *gin.Context) {
	var req dto.RegisterUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}
	dto.SanitizeStruct(&req)

	user, account, err := h.accountSvc.RegisterUser(c.Request.Context(), req.UserID, req.DisplayName)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, dto.NewUserResponse(user, account))
}

// GetBalance handles GET /api/v1/users/:id/balance.
func (h *UserHandler) GetBalance(c *gin.Context) {
	view, err := h.accountSvc.GetBalance(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, dto.NewBalanceResponse(view))
}
