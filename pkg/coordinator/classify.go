package coordinator

import (
	"context"
	"errors"

	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/domain"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/routing"
)

type faultRule = routing.Rule[error, domain.FaultKind]

func is(target error) func(error) bool {
	return func(err error) bool { return errors.Is(err, target) }
}

func message(needles ...string) func(error) bool {
	match := routing.ContainsAny(needles...)
	return func(err error) bool { return match(err.Error()) }
}

// faults classifies errors. Typed sentinels come before message patterns so a
// wrapped cause always beats incidental wording.
var faults = routing.NewTable(domain.FaultGeneric,
	faultRule{Name: "cancelled", Match: is(context.Canceled), Target: domain.FaultCancelled},
	faultRule{Name: "deadline", Match: is(context.DeadlineExceeded), Target: domain.FaultTimeout},
	faultRule{Name: "transient", Match: is(domain.ErrTransient), Target: domain.FaultTransient},
	faultRule{Name: "model-request", Match: is(domain.ErrModelRequest), Target: domain.FaultModelRequest},
	faultRule{Name: "delegation", Match: is(domain.ErrDelegation), Target: domain.FaultDelegation},
	faultRule{Name: "timeout-text", Match: message("timeout", "timed out", "gateway timeout", "504"), Target: domain.FaultTimeout},
	faultRule{Name: "connection-text", Match: message("connection error", "network error", "connection refused", "connection reset"), Target: domain.FaultConnection},
	faultRule{Name: "transient-text", Match: message(
		"rate limit", "server error", "service unavailable", "bad gateway",
		"temporary failure", "try again", "502", "503",
	), Target: domain.FaultTransient},
	faultRule{Name: "delegation-text", Match: message("transfer_to_agent", "agent not found", "delegation"), Target: domain.FaultDelegation},
	faultRule{Name: "model-text", Match: message("invalid argument", "invalid_argument", "unsupported mime", "document", "malformed"), Target: domain.FaultModelRequest},
)

// Classify maps an error to a fault kind. A *domain.Fault keeps its own kind.
func Classify(err error) domain.FaultKind {
	if err == nil {
		return domain.FaultGeneric
	}
	var f *domain.Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	kind, _ := faults.Resolve(err)
	return kind
}
