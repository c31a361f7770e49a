package errclass

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/fleetcomply/dutysync/internal/remote"
	"github.com/fleetcomply/dutysync/internal/store"
	"github.com/fleetcomply/dutysync/internal/types"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		wantType     types.ErrorType
		wantStrategy Strategy
	}{
		{"nil error", nil, types.ErrorTypeUnknown, StrategyIgnore},
		{"cancelled context", context.Canceled, types.ErrorTypeUnknown, StrategyIgnore},
		{"unreachable", remote.ErrUnreachable, types.ErrorTypeNetwork, StrategyCache},
		{"wrapped unreachable", fmt.Errorf("send: %w", remote.ErrUnreachable), types.ErrorTypeNetwork, StrategyCache},
		{"timeout", remote.ErrTimeout, types.ErrorTypeNetwork, StrategyRetry},
		{"unauthorized", remote.ErrUnauthorized, types.ErrorTypeAuth, StrategyUserAction},
		{"quota exceeded", store.ErrQuotaExceeded, types.ErrorTypeStorage, StrategyUserAction},
		{"access denied", store.ErrAccessDenied, types.ErrorTypeStorage, StrategyUserAction},
		{"corrupt database", store.ErrCorrupt, types.ErrorTypeStorage, StrategyUserAction},
		{"version conflict", &remote.ConflictError{}, types.ErrorTypeSync, StrategyResolve},
		{"server 500", &remote.ServerError{Status: 500}, types.ErrorTypeServer, StrategyRetry},
		{"server 503", &remote.ServerError{Status: 503}, types.ErrorTypeServer, StrategyRetry},
		{"bad request", &remote.RequestError{Status: 422}, types.ErrorTypeData, StrategyUserAction},
		{"remote not found", remote.ErrNotFound, types.ErrorTypeData, StrategyUserAction},
		{"unrecognized error", errors.New("something odd"), types.ErrorTypeUnknown, StrategyRetry},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cls := Classify(tt.err)
			if cls.Type != tt.wantType {
				t.Errorf("type: expected %q, got %q", tt.wantType, cls.Type)
			}
			if cls.Strategy != tt.wantStrategy {
				t.Errorf("strategy: expected %q, got %q", tt.wantStrategy, cls.Strategy)
			}
		})
	}
}

func TestClassify_RetryParameters(t *testing.T) {
	// Network retries are quick and few; server retries are slower and
	// more patient.
	network := Classify(remote.ErrTimeout)
	server := Classify(&remote.ServerError{Status: 502})

	if network.MaxAttempts != networkAttempts || network.Delay != networkDelay {
		t.Errorf("network params: %+v", network)
	}
	if server.MaxAttempts != serverAttempts || server.Delay != serverDelay {
		t.Errorf("server params: %+v", server)
	}
	if server.Delay <= network.Delay {
		t.Error("server delay should exceed network delay")
	}
}

func TestClassify_IsDeterministic(t *testing.T) {
	err := &remote.ServerError{Status: 500}
	first := Classify(err)
	for i := 0; i < 5; i++ {
		if Classify(err) != first {
			t.Fatal("classification changed between calls")
		}
	}
}
