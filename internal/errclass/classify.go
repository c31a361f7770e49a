// Package errclass maps failures into the sync taxonomy and selects a
// recovery strategy. Classification is a pure function over typed errors
// produced at their origin (the remote client tags timeouts and statuses,
// the store tags quota and permission failures); it never inspects
// message text.
package errclass

import (
	"context"
	"errors"
	"time"

	"github.com/fleetcomply/dutysync/internal/remote"
	"github.com/fleetcomply/dutysync/internal/store"
	"github.com/fleetcomply/dutysync/internal/types"
)

// Strategy is the recovery action chosen for a failure.
type Strategy string

const (
	// StrategyRetry retries the failing item with the classification's
	// delay, bounded by the item's retry budget.
	StrategyRetry Strategy = "retry"

	// StrategyCache pauses the whole drain until the next reconnect edge.
	// Chosen when the device is clearly offline: burning per-item retries
	// against a dead link helps nobody.
	StrategyCache Strategy = "cache"

	// StrategyResolve hands the failure to conflict resolution.
	StrategyResolve Strategy = "resolve"

	// StrategyUserAction retires the item until the user intervenes.
	// Chosen for conditions that cannot self-heal.
	StrategyUserAction Strategy = "user_action"

	// StrategyIgnore drops the failure (cancelled work).
	StrategyIgnore Strategy = "ignore"
)

// Severity grades a failure for diagnostics.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Classification is the taxonomy entry plus recovery parameters.
type Classification struct {
	Type        types.ErrorType
	Severity    Severity
	Strategy    Strategy
	MaxAttempts int           // attempt cap within one drain pass
	Delay       time.Duration // wait between attempts
}

// Retry parameters per failure class.
const (
	networkAttempts = 3
	networkDelay    = 2 * time.Second
	serverAttempts  = 5
	serverDelay     = 5 * time.Second
)

// Classify maps an error to its classification. Side-effect-free.
func Classify(err error) Classification {
	switch {
	case err == nil:
		return Classification{Type: types.ErrorTypeUnknown, Severity: SeverityLow, Strategy: StrategyIgnore}

	case errors.Is(err, context.Canceled):
		return Classification{Type: types.ErrorTypeUnknown, Severity: SeverityLow, Strategy: StrategyIgnore}

	// Clearly offline: defer everything until reconnect instead of
	// burning per-item retries.
	case errors.Is(err, remote.ErrUnreachable):
		return Classification{
			Type:     types.ErrorTypeNetwork,
			Severity: SeverityHigh,
			Strategy: StrategyCache,
		}

	case errors.Is(err, remote.ErrTimeout):
		return Classification{
			Type:        types.ErrorTypeNetwork,
			Severity:    SeverityHigh,
			Strategy:    StrategyRetry,
			MaxAttempts: networkAttempts,
			Delay:       networkDelay,
		}

	case errors.Is(err, remote.ErrUnauthorized):
		return Classification{
			Type:     types.ErrorTypeAuth,
			Severity: SeverityHigh,
			Strategy: StrategyUserAction,
		}

	case errors.Is(err, store.ErrQuotaExceeded),
		errors.Is(err, store.ErrAccessDenied),
		errors.Is(err, store.ErrCorrupt):
		return Classification{
			Type:     types.ErrorTypeStorage,
			Severity: SeverityCritical,
			Strategy: StrategyUserAction,
		}
	}

	var conflict *remote.ConflictError
	if errors.As(err, &conflict) {
		return Classification{
			Type:     types.ErrorTypeSync,
			Severity: SeverityMedium,
			Strategy: StrategyResolve,
		}
	}

	var serverErr *remote.ServerError
	if errors.As(err, &serverErr) {
		return Classification{
			Type:        types.ErrorTypeServer,
			Severity:    SeverityHigh,
			Strategy:    StrategyRetry,
			MaxAttempts: serverAttempts,
			Delay:       serverDelay,
		}
	}

	var reqErr *remote.RequestError
	if errors.As(err, &reqErr) || errors.Is(err, remote.ErrNotFound) {
		return Classification{
			Type:     types.ErrorTypeData,
			Severity: SeverityMedium,
			Strategy: StrategyUserAction,
		}
	}

	// Unknown failures get a bounded optimistic retry.
	return Classification{
		Type:        types.ErrorTypeUnknown,
		Severity:    SeverityMedium,
		Strategy:    StrategyRetry,
		MaxAttempts: networkAttempts,
		Delay:       networkDelay,
	}
}
