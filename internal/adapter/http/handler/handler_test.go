package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tipledger/internal/core/domain"
	"tipledger/internal/core/ports"
	"tipledger/internal/core/ports/mocks"
	"tipledger/pkg/apperror"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newContext(method, path, body string, params ...gin.Param) (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	c.Request.Header.Set("Content-Type", "application/json")
	c.Params = params
	return c, w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	data, ok := resp["data"].(map[string]interface{})
	require.True(t, ok, "body: %s", w.Body.String())
	return data
}

func decodeErrorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	code, _ := resp["error_code"].(string)
	return code
}

func pendingTip(amount int64) *domain.Transaction {
	recipient := "bob"
	return &domain.Transaction{
		ID:                 uuid.New(),
		IdempotencyKey:     uuid.New(),
		Kind:               domain.TransactionKindTip,
		SourceUserID:       "alice",
		DestinationUserID:  &recipient,
		DestinationAddress: "nano_bob",
		Amount:             decimal.NewFromInt(amount),
		State:              domain.TransactionStatePending,
		CreatedAt:          time.Now(),
		ModifiedAt:         time.Now(),
	}
}

// --- User Handler Tests ---

func TestRegisterUser_Success(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockAccounts := mocks.NewMockAccountService(ctrl)
	h := NewUserHandler(mockAccounts)

	mockAccounts.EXPECT().RegisterUser(gomock.Any(), "discord:42", "Alice &amp; Co").Return(
		&domain.User{ID: "discord:42", DisplayName: "Alice &amp; Co", CreatedAt: time.Now()},
		&domain.Account{UserID: "discord:42", Address: "nano_alice"},
		nil,
	)

	c, w := newContext(http.MethodPost, "/api/v1/users", `{"user_id":"discord:42","display_name":" Alice & Co "}`)
	h.Register(c)

	assert.Equal(t, http.StatusOK, w.Code)
	data := decodeData(t, w)
	assert.Equal(t, "discord:42", data["user_id"])
	assert.Equal(t, "nano_alice", data["address"])
}

func TestRegisterUser_ValidationError(t *testing.T) {
	ctrl := gomock.NewController(t)
	h := NewUserHandler(mocks.NewMockAccountService(ctrl))

	for _, body := range []string{`{}`, `{"user_id":"has space"}`, `not json`} {
		c, w := newContext(http.MethodPost, "/api/v1/users", body)
		h.Register(c)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
}

func TestRegisterUser_NodeUnavailable(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockAccounts := mocks.NewMockAccountService(ctrl)
	h := NewUserHandler(mockAccounts)

	mockAccounts.EXPECT().RegisterUser(gomock.Any(), "alice", "").
		Return(nil, nil, apperror.ErrNodeUnavailable(errors.New("connection refused")))

	c, w := newContext(http.MethodPost, "/api/v1/users", `{"user_id":"alice"}`)
	h.Register(c)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, apperror.CodeNodeUnavailable, decodeErrorCode(t, w))
}

func TestGetBalance_Success(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockAccounts := mocks.NewMockAccountService(ctrl)
	h := NewUserHandler(mockAccounts)

	mockAccounts.EXPECT().GetBalance(gomock.Any(), "alice").Return(&ports.BalanceView{
		UserID:         "alice",
		Address:        "nano_alice",
		Confirmed:      decimal.RequireFromString("2000000000000000000000000000000"),
		Receivable:     decimal.Zero,
		PendingSend:    decimal.RequireFromString("500000000000000000000000000000"),
		PendingReceive: decimal.Zero,
		Available:      decimal.RequireFromString("1500000000000000000000000000000"),
	}, nil)

	c, w := newContext(http.MethodGet, "/api/v1/users/alice/balance", "", gin.Param{Key: "id", Value: "alice"})
	h.GetBalance(c)

	assert.Equal(t, http.StatusOK, w.Code)
	data := decodeData(t, w)
	assert.Equal(t, "1500000000000000000000000000000", data["available"])
	assert.Equal(t, "1.5", data["display"])
}

// --- Transfer Handler Tests ---

func TestTip_Success(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockTransfers := mocks.NewMockTransferService(ctrl)
	h := NewTransferHandler(mockTransfers)

	key := uuid.New()
	txn := pendingTip(10)
	mockTransfers.EXPECT().RequestTip(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, req ports.TipRequest) (*domain.Transaction, error) {
			assert.Equal(t, "alice", req.SenderID)
			assert.Equal(t, "bob", req.RecipientID)
			assert.True(t, req.Amount.Equal(decimal.NewFromInt(10)))
			require.NotNil(t, req.IdempotencyKey)
			assert.Equal(t, key, *req.IdempotencyKey)
			return txn, nil
		},
	)

	c, w := newContext(http.MethodPost, "/api/v1/tips", `{"sender_id":"alice","recipient_id":"bob","amount":"10"}`)
	c.Request.Header.Set(HeaderIdempotencyKey, key.String())
	h.Tip(c)

	assert.Equal(t, http.StatusAccepted, w.Code)
	data := decodeData(t, w)
	assert.Equal(t, txn.ID.String(), data["id"])
	assert.Equal(t, "pending", data["state"])
	assert.Equal(t, "10", data["amount"])
}

func TestTip_UnitsAreConverted(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockTransfers := mocks.NewMockTransferService(ctrl)
	h := NewTransferHandler(mockTransfers)

	mockTransfers.EXPECT().RequestTip(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, req ports.TipRequest) (*domain.Transaction, error) {
			assert.Equal(t, "2000000000000000000000000000000", req.Amount.String())
			assert.Nil(t, req.IdempotencyKey)
			return pendingTip(1), nil
		},
	)

	c, w := newContext(http.MethodPost, "/api/v1/tips", `{"sender_id":"alice","recipient_id":"bob","units":"2"}`)
	h.Tip(c)
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestTip_InvalidAmount(t *testing.T) {
	ctrl := gomock.NewController(t)
	h := NewTransferHandler(mocks.NewMockTransferService(ctrl))

	for _, amount := range []string{`"0"`, `"-1"`, `"1.5"`} {
		c, w := newContext(http.MethodPost, "/api/v1/tips", `{"sender_id":"alice","recipient_id":"bob","amount":`+amount+`}`)
		h.Tip(c)
		assert.Equal(t, http.StatusBadRequest, w.Code, amount)
		assert.Equal(t, apperror.CodeInvalidAmount, decodeErrorCode(t, w), amount)
	}
}

func TestTip_ServiceErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"insufficient", apperror.ErrInsufficientFunds(), http.StatusPaymentRequired, apperror.CodeInsufficientFunds},
		{"frozen", apperror.ErrAccountFrozen(), http.StatusForbidden, apperror.CodeAccountFrozen},
		{"duplicate key", apperror.ErrDuplicateTransaction(), http.StatusConflict, apperror.CodeDuplicate},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "SYS_000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			mockTransfers := mocks.NewMockTransferService(ctrl)
			h := NewTransferHandler(mockTransfers)
			mockTransfers.EXPECT().RequestTip(gomock.Any(), gomock.Any()).Return(nil, tt.err)

			c, w := newContext(http.MethodPost, "/api/v1/tips", `{"sender_id":"alice","recipient_id":"bob","amount":"5"}`)
			h.Tip(c)

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, decodeErrorCode(t, w))
		})
	}
}

func TestWithdraw_InvalidDestination(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockTransfers := mocks.NewMockTransferService(ctrl)
	h := NewTransferHandler(mockTransfers)

	mockTransfers.EXPECT().RequestWithdraw(gomock.Any(), ports.WithdrawRequest{
		SenderID: "alice",
		Address:  "nano_bad",
		Amount:   decimal.NewFromInt(3),
	}).Return(nil, apperror.ErrInvalidDestination("bad checksum"))

	c, w := newContext(http.MethodPost, "/api/v1/withdrawals", `{"sender_id":"alice","address":"nano_bad","amount":"3"}`)
	h.Withdraw(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, apperror.CodeInvalidDestination, decodeErrorCode(t, w))
}

func TestGetTransaction(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockTransfers := mocks.NewMockTransferService(ctrl)
	h := NewTransferHandler(mockTransfers)

	txn := pendingTip(7)
	block := "ABC123"
	txn.State = domain.TransactionStateSettled
	txn.OnchainID = &block
	mockTransfers.EXPECT().GetTransaction(gomock.Any(), txn.ID).Return(txn, nil)
	missing := uuid.New()
	mockTransfers.EXPECT().GetTransaction(gomock.Any(), missing).Return(nil, apperror.ErrNotFound("Transaction"))

	c, w := newContext(http.MethodGet, "/", "", gin.Param{Key: "id", Value: txn.ID.String()})
	h.GetTransaction(c)
	assert.Equal(t, http.StatusOK, w.Code)
	data := decodeData(t, w)
	assert.Equal(t, "settled", data["state"])
	assert.Equal(t, block, data["onchain_id"])

	c, w = newContext(http.MethodGet, "/", "", gin.Param{Key: "id", Value: missing.String()})
	h.GetTransaction(c)
	assert.Equal(t, http.StatusNotFound, w.Code)

	c, w = newContext(http.MethodGet, "/", "", gin.Param{Key: "id", Value: "not-a-uuid"})
	h.GetTransaction(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// --- Giveaway Handler Tests ---

func TestGiveaway_CreateFundPayout(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockGiveaways := mocks.NewMockGiveawayService(ctrl)
	h := NewGiveawayHandler(mockGiveaways)

	g := &domain.Giveaway{
		ID:            uuid.New(),
		CreatorUserID: "alice",
		State:         domain.GiveawayStateOpen,
		CreatedAt:     time.Now(),
	}
	g.PoolUserID = domain.GiveawayPoolUserID(g.ID)
	idParam := gin.Param{Key: "id", Value: g.ID.String()}

	mockGiveaways.EXPECT().Create(gomock.Any(), "alice").Return(g, nil)
	c, w := newContext(http.MethodPost, "/api/v1/giveaways", `{"creator_id":"alice"}`)
	h.Create(c)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, g.PoolUserID, decodeData(t, w)["pool_user_id"])

	mockGiveaways.EXPECT().Fund(gomock.Any(), ports.GiveawayFundRequest{
		SenderID:   "carol",
		GiveawayID: g.ID,
		Amount:     decimal.NewFromInt(40),
	}).Return(pendingTip(40), nil)
	c, w = newContext(http.MethodPost, "/", `{"sender_id":"carol","amount":"40"}`, idParam)
	h.Fund(c)
	assert.Equal(t, http.StatusAccepted, w.Code)

	mockGiveaways.EXPECT().Payout(gomock.Any(), g.ID, "dave").Return(nil, apperror.ErrGiveawaySettling())
	c, w = newContext(http.MethodPost, "/", `{"winner_id":"dave"}`, idParam)
	h.Payout(c)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, apperror.CodeGiveawaySettling, decodeErrorCode(t, w))

	payout := pendingTip(40)
	payout.Kind = domain.TransactionKindGiveawayPayout
	mockGiveaways.EXPECT().Payout(gomock.Any(), g.ID, "dave").Return(payout, nil)
	c, w = newContext(http.MethodPost, "/", `{"winner_id":"dave"}`, idParam)
	h.Payout(c)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "giveaway_payout", decodeData(t, w)["kind"])
}

func TestGiveaway_GetAndCancel(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockGiveaways := mocks.NewMockGiveawayService(ctrl)
	h := NewGiveawayHandler(mockGiveaways)

	id := uuid.New()
	ended := time.Now()
	cancelled := &domain.Giveaway{ID: id, CreatorUserID: "alice", State: domain.GiveawayStateCancelled, EndedAt: &ended}
	mockGiveaways.EXPECT().Cancel(gomock.Any(), id).Return(cancelled, nil)
	mockGiveaways.EXPECT().Get(gomock.Any(), id).Return(cancelled, nil)

	c, w := newContext(http.MethodPost, "/", "", gin.Param{Key: "id", Value: id.String()})
	h.Cancel(c)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cancelled", decodeData(t, w)["state"])

	c, w = newContext(http.MethodGet, "/", "", gin.Param{Key: "id", Value: id.String()})
	h.Get(c)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, decodeData(t, w)["ended_at"])
}

// --- Admin Handler Tests ---

func TestAdmin_ListFailed(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockTransfers := mocks.NewMockTransferService(ctrl)
	h := NewAdminHandler(mockTransfers, mocks.NewMockAccountService(ctrl), mocks.NewMockReportingService(ctrl))

	failed := pendingTip(5)
	failed.State = domain.TransactionStateFailed
	reason := "node returned no block hash"
	failed.LastError = &reason
	mockTransfers.EXPECT().ListFailed(gomock.Any(), 2, 20).Return([]domain.Transaction{*failed}, int64(21), nil)

	c, w := newContext(http.MethodGet, "/api/v1/admin/transactions/failed?page=2&page_size=500", "")
	h.ListFailed(c)

	assert.Equal(t, http.StatusOK, w.Code)
	data := decodeData(t, w)
	assert.Equal(t, float64(21), data["total"])
	assert.Equal(t, float64(2), data["total_pages"])
	items := data["items"].([]interface{})
	require.Len(t, items, 1)
	assert.Equal(t, reason, items[0].(map[string]interface{})["last_error"])
}

func TestAdmin_Replay(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockTransfers := mocks.NewMockTransferService(ctrl)
	h := NewAdminHandler(mockTransfers, mocks.NewMockAccountService(ctrl), mocks.NewMockReportingService(ctrl))

	txn := pendingTip(5)
	mockTransfers.EXPECT().Replay(gomock.Any(), txn.ID).Return(txn, nil)
	mockTransfers.EXPECT().Replay(gomock.Any(), txn.ID).Return(nil, apperror.ErrNotReplayable())

	c, w := newContext(http.MethodPost, "/", "", gin.Param{Key: "id", Value: txn.ID.String()})
	h.Replay(c)
	assert.Equal(t, http.StatusAccepted, w.Code)

	c, w = newContext(http.MethodPost, "/", "", gin.Param{Key: "id", Value: txn.ID.String()})
	h.Replay(c)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, apperror.CodeNotReplayable, decodeErrorCode(t, w))
}

func TestAdmin_FreezeUnfreeze(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockAccounts := mocks.NewMockAccountService(ctrl)
	h := NewAdminHandler(mocks.NewMockTransferService(ctrl), mockAccounts, mocks.NewMockReportingService(ctrl))

	gomock.InOrder(
		mockAccounts.EXPECT().SetFrozen(gomock.Any(), "alice", true).Return(nil),
		mockAccounts.EXPECT().SetFrozen(gomock.Any(), "alice", false).Return(nil),
		mockAccounts.EXPECT().SetFrozen(gomock.Any(), "ghost", true).Return(apperror.ErrNotFound("User")),
	)

	c, w := newContext(http.MethodPut, "/", "", gin.Param{Key: "id", Value: "alice"})
	h.Freeze(c)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decodeData(t, w)["frozen"])

	c, w = newContext(http.MethodDelete, "/", "", gin.Param{Key: "id", Value: "alice"})
	h.Unfreeze(c)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decodeData(t, w)["frozen"])

	c, w = newContext(http.MethodPut, "/", "", gin.Param{Key: "id", Value: "ghost"})
	h.Freeze(c)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdmin_Stats(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockReporting := mocks.NewMockReportingService(ctrl)
	h := NewAdminHandler(mocks.NewMockTransferService(ctrl), mocks.NewMockAccountService(ctrl), mockReporting)

	mockReporting.EXPECT().GetStats(gomock.Any()).Return(&ports.LedgerStats{Pending: 3, Settling: 1, Settled: 40, Failed: 2}, nil)

	c, w := newContext(http.MethodGet, "/", "")
	h.Stats(c)

	assert.Equal(t, http.StatusOK, w.Code)
	data := decodeData(t, w)
	assert.Equal(t, float64(40), data["settled"])
	assert.Equal(t, float64(2), data["failed"])
}

// --- Health Check Tests ---

func TestHealthCheck(t *testing.T) {
	ctrl := gomock.NewController(t)
	db := mocks.NewMockHealthChecker(ctrl)
	db.EXPECT().Name().Return("postgresql").AnyTimes()
	db.EXPECT().Ping(gomock.Any()).Return(nil)
	node := mocks.NewMockHealthChecker(ctrl)
	node.EXPECT().Name().Return("node").AnyTimes()
	node.EXPECT().Ping(gomock.Any()).Return(errors.New("connection refused"))

	c, w := newContext(http.MethodGet, "/health", "")
	HealthCheck(db)(c)
	assert.Equal(t, http.StatusOK, w.Code)

	c, w = newContext(http.MethodGet, "/health", "")
	HealthCheck(db, node)(c)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp["status"])
	deps := resp["dependencies"].(map[string]interface{})
	assert.Equal(t, "healthy", deps["postgresql"].(map[string]interface{})["status"])
	assert.Equal(t, "unhealthy", deps["node"].(map[string]interface{})["status"])
}

func TestSwagger(t *testing.T) {
	c, w := newContext(http.MethodGet, "/swagger", "")
	SwaggerUI(c)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "/swagger/spec")

	c, w = newContext(http.MethodGet, "/swagger/spec", "")
	SwaggerSpec(c)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/api/v1/tips")
}
