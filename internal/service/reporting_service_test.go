package service

import (
	"context"
	"errors"
	"testing"

	"tipledger/internal/core/domain"
	"tipledger/internal/core/ports"
	"tipledger/internal/core/ports/mocks"
	"tipledger/pkg/apperror"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestReportingService_GetStats(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	txRepo := mocks.NewMockTransactionRepository(ctrl)
	svc := NewReportingService(txRepo)
	ctx := context.Background()

	txRepo.EXPECT().CountByState(ctx, domain.TransactionStatePending).Return(int64(3), nil)
	txRepo.EXPECT().CountByState(ctx, domain.TransactionStateSettling).Return(int64(1), nil)
	txRepo.EXPECT().CountByState(ctx, domain.TransactionStateSettled).Return(int64(40), nil)
	txRepo.EXPECT().CountByState(ctx, domain.TransactionStateFailed).Return(int64(2), nil)

	stats, err := svc.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, &ports.LedgerStats{Pending: 3, Settling: 1, Settled: 40, Failed: 2}, stats)
}

func TestReportingService_GetStats_DBError(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	txRepo := mocks.NewMockTransactionRepository(ctrl)
	svc := NewReportingService(txRepo)

	txRepo.EXPECT().CountByState(gomock.Any(), domain.TransactionStatePending).Return(int64(0), errors.New("db down"))

	_, err := svc.GetStats(context.Background())
	require.Error(t, err)
	assert.True(t, apperror.HasCode(err, "SYS_001"))
}
