// Package ledger enforces per-organization API quotas and records
// consumption. Counters only grow; nothing here refunds a unit, even for
// runs that end in failure, because the decision capability was still paid
// for.
package ledger

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/agentscale/api/schemas"
	"github.com/xkilldash9x/agentscale/internal/store"
)

// ErrQuotaExceeded is returned by Check when an organization has no budget
// left for another run.
var ErrQuotaExceeded = fmt.Errorf("ledger: organization API quota exceeded")

// Ledger mediates all quota reads and usage writes.
type Ledger struct {
	repo store.Repository
	log  *zap.Logger
}

// New creates a Ledger. The repository is required.
func New(repo store.Repository, logger *zap.Logger) (*Ledger, error) {
	if repo == nil {
		return nil, fmt.Errorf("ledger: repository is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{repo: repo, log: logger.Named("ledger")}, nil
}

// Check verifies the organization still has quota headroom for one more
// run. It returns ErrQuotaExceeded when api_used has reached api_quota; an
// unknown organization is treated the same way rather than granted a free
// pass.
func (l *Ledger) Check(ctx context.Context, orgID string) error {
	org, err := l.repo.GetOrganization(ctx, orgID)
	if err != nil {
		l.log.Warn("Quota check could not resolve organization",
			zap.String("organization_id", orgID),
			zap.Error(err))
		return ErrQuotaExceeded
	}
	if org.APIUsed >= org.APIQuota {
		return ErrQuotaExceeded
	}
	return nil
}

// Remaining reports how many runs the organization may still admit.
func (l *Ledger) Remaining(ctx context.Context, orgID string) (int, error) {
	org, err := l.repo.GetOrganization(ctx, orgID)
	if err != nil {
		return 0, err
	}
	remaining := org.APIQuota - org.APIUsed
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// Record charges one run against the organization and folds the detailed
// delta into the current period's usage record. It is called after the run
// finishes, regardless of outcome. Recording failures are logged, not
// propagated: the run already happened and its result must not be lost to a
// bookkeeping error.
func (l *Ledger) Record(ctx context.Context, orgID string, delta schemas.UsageDelta) {
	if err := l.repo.AddOrganizationUsage(ctx, orgID, 1); err != nil {
		l.log.Error("Failed to increment organization usage counter",
			zap.String("organization_id", orgID),
			zap.Error(err))
	}
	if err := l.repo.AddUsage(ctx, orgID, time.Now().UTC(), delta); err != nil {
		l.log.Error("Failed to record usage delta",
			zap.String("organization_id", orgID),
			zap.Int("api_calls", delta.APICalls),
			zap.Error(err))
	}
}
