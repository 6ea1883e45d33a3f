package service

import (
	"context"
	"time"

	"tipledger/internal/core/domain"
	"tipledger/internal/core/ports"

	"github.com/rs/zerolog"
)

const auditPersistTimeout = 5 * time.Second

type auditService struct {
	repo ports.AuditRepository
	log  zerolog.Logger
}

// NewAuditService creates a new audit service.
// If repo is nil, audit logs are only written to the logger.
func NewAuditService(repo ports.AuditRepository, log zerolog.Logger) ports.AuditService {
	return &auditService{repo: repo, log: log}
}

// Log records an operator action asynchronously (fire-and-forget).
func (s *auditService) Log(ctx context.Context, entry *domain.AuditLog) {
	// The request context ends with the response; the write must outlive it.
	ctx = context.WithoutCancel(ctx)

	go func() {
		s.log.Info().
			Str("operator_id", entry.OperatorID).
			Str("action", string(entry.Action)).
			Str("resource_type", entry.ResourceType).
			Str("resource_id", entry.ResourceID).
			Str("ip", entry.IPAddress).
			Msg("audit")

		if s.repo == nil {
			return
		}
		ctx, cancel := context.WithTimeout(ctx, auditPersistTimeout)
		defer cancel()
		if err := s.repo.Create(ctx, entry); err != nil {
			s.log.Warn().Err(err).Str("action", string(entry.Action)).Msg("failed to persist audit log")
		}
	}()
}
