package upstream

import (
	"errors"
	"fmt"
)

// FailureKind names the proxy's error taxonomy.
type FailureKind string

const (
	// FailureTransport marks connection-level problems: the target is
	// unreachable or the connection dropped mid-call.
	FailureTransport FailureKind = "transport"
	// FailureProtocol marks malformed or unexpected upstream responses
	// observed during discovery.
	FailureProtocol FailureKind = "protocol"
	// FailureUnknownCapability marks a routing miss: no target owns the
	// requested (kind, name). No upstream is contacted.
	FailureUnknownCapability FailureKind = "unknown_capability"
	// FailureUpstream wraps an error the upstream itself reported while
	// executing a capability. It is passed through verbatim.
	FailureUpstream FailureKind = "upstream"
)

// Failure is the typed error all connector and aggregator operations
// surface. Retryable indicates the caller may safely re-issue the
// request once the target recovers; the proxy itself never retries.
type Failure struct {
	Kind      FailureKind
	Target    string
	Retryable bool
	Err       error
}

func (f *Failure) Error() string {
	if f.Target == "" {
		return fmt.Sprintf("%s: %v", f.Kind, f.Err)
	}
	return fmt.Sprintf("%s (target %s): %v", f.Kind, f.Target, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// TransportFailure builds a retryable connection-level failure.
func TransportFailure(target string, err error) *Failure {
	return &Failure{Kind: FailureTransport, Target: target, Retryable: true, Err: err}
}

// ProtocolFailure builds a discovery-level failure for a target that
// answered with something the proxy could not use.
func ProtocolFailure(target string, err error) *Failure {
	return &Failure{Kind: FailureProtocol, Target: target, Err: err}
}

// UpstreamFailure wraps an error reported by the upstream, unmodified.
func UpstreamFailure(target string, err error) *Failure {
	return &Failure{Kind: FailureUpstream, Target: target, Err: err}
}

// UnknownCapabilityFailure builds the routing-miss failure.
func UnknownCapabilityFailure(kind, name string) *Failure {
	return &Failure{
		Kind: FailureUnknownCapability,
		Err:  fmt.Errorf("no upstream target owns %s %q", kind, name),
	}
}

// FailureOf extracts the typed failure from an error chain.
func FailureOf(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// IsRetryable reports whether err is a failure the caller may re-issue.
func IsRetryable(err error) bool {
	if f, ok := FailureOf(err); ok {
		return f.Retryable
	}
	return false
}
