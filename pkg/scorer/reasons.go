package scorer

// Scorer sentinel reason codes. A sentinel
// result carries score=-1.0 and never propagates as an error to the pool.
const (
	ReasonRunCaseFailed = "E_SCORE_DEFAULT_RUN_CASE_FAILED"
	ReasonScorerTimeout = "E_SCORE_DEFAULT_SCORER_TIMEOUT"
	ReasonBackendError  = "E_SCORE_DEFAULT_BACKEND_ERROR"
	ReasonBadResponse   = "E_SCORE_DEFAULT_INVALID_RESPONSE"
)

// SentinelScore is returned instead of a real evaluation whenever a scorer
// invocation cannot produce one.
const SentinelScore = -1.0
