package scorer

import (
	"context"
	"errors"
	"time"

	"github.com/benchrun/worker/pkg/models"
)

// Pool runs scorer invocations under a bounded concurrency limit, separate
// from the Scheduler's case pool.
type Pool struct {
	sem         chan struct{}
	backend     Backend
	hardTimeout time.Duration
}

// New constructs a Pool. concurrency bounds simultaneous backend calls;
// hardTimeout is the per-invocation wall-clock ceiling.
func New(concurrency int, hardTimeout time.Duration, backend Backend) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{sem: make(chan struct{}, concurrency), backend: backend, hardTimeout: hardTimeout}
}

// Score evaluates one case against one scorer. A failed case short-circuits
// to the run-case-failed sentinel without calling the backend.
func (p *Pool) Score(ctx context.Context, scorerCfg models.ScorerConfig, authToken string, result models.CaseResult) models.ScorerResult {
	if result.Status != models.CaseStatusSuccess {
		return models.ScorerResult{ScorerID: scorerCfg.ScorerID, Score: SentinelScore, Reason: ReasonRunCaseFailed}
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return models.ScorerResult{ScorerID: scorerCfg.ScorerID, Score: SentinelScore, Reason: ReasonBackendError}
	}
	defer func() { <-p.sem }()

	sctx, cancel := context.WithTimeout(ctx, p.hardTimeout)
	defer cancel()

	raw, err := p.backend.Call(sctx, scorerCfg, authToken, result)
	if err != nil {
		if errors.Is(sctx.Err(), context.DeadlineExceeded) {
			return models.ScorerResult{ScorerID: scorerCfg.ScorerID, Score: SentinelScore, Reason: ReasonScorerTimeout}
		}
		return models.ScorerResult{ScorerID: scorerCfg.ScorerID, Score: SentinelScore, Reason: ReasonBackendError}
	}

	score, reason, ok := ParseScore(raw)
	if !ok {
		return models.ScorerResult{ScorerID: scorerCfg.ScorerID, Score: SentinelScore, Reason: ReasonBadResponse}
	}
	return models.ScorerResult{ScorerID: scorerCfg.ScorerID, Score: score, Reason: reason}
}
