package service

import (
	"context"
	"fmt"

	"tipledger/internal/core/domain"
	"tipledger/internal/core/ports"
	"tipledger/pkg/apperror"
)

// reportingService implements ports.ReportingService.
type reportingService struct {
	txRepo ports.TransactionRepository
}

// NewReportingService creates a new reporting service.
func NewReportingService(txRepo ports.TransactionRepository) ports.ReportingService {
	return &reportingService{txRepo: txRepo}
}

// GetStats returns the number of transactions in each state.
func (s *reportingService) GetStats(ctx context.Context) (*ports.LedgerStats, error) {
	stats := &ports.LedgerStats{}
	counters := []struct {
		state domain.TransactionState
		dst   *int64
	}{
		{domain.TransactionStatePending, &stats.Pending},
		{domain.TransactionStateSettling, &stats.Settling},
		{domain.TransactionStateSettled, &stats.Settled},
		{domain.TransactionStateFailed, &stats.Failed},
	}

	for _, c := range counters {
		n, err := s.txRepo.CountByState(ctx, c.state)
		if err != nil {
			return nil, apperror.InternalError(fmt.Errorf("count %s: %w", c.state, err))
		}
		*c.dst = n
	}
	return stats, nil
}
