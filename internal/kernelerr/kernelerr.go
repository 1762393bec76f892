// Package kernelerr defines the kernel's error taxonomy (spec §7).
//
// Errors are events, not exceptions: a KernelError is almost always reported
// on the service/status topic rather than returned up a call stack across a
// service boundary. Within a single service or package, ordinary wrapped
// errors (errors.Is/As friendly, in the teacher's sentinel-error style) are
// still used for local control flow.
package kernelerr

import "fmt"

// Kind identifies one of the closed set of error kinds from spec §7.
type Kind string

const (
	KindHandlerInvalid        Kind = "HandlerInvalid"
	KindHandlerError          Kind = "HandlerError"
	KindHandlerTimeout        Kind = "HandlerTimeout"
	KindServiceStartFailure   Kind = "ServiceStartFailure"
	KindServiceStopTimeout    Kind = "ServiceStopTimeout"
	KindTransitionFailed      Kind = "TransitionFailed"
	KindPlanStepFailure       Kind = "PlanStepFailure"
	KindPlanStepTimeout       Kind = "PlanStepTimeout"
	KindCacheMiss             Kind = "CacheMiss"
	KindCacheError            Kind = "CacheError"
	KindDispatchUnknownCmd    Kind = "DispatchUnknownCommand"
	KindDispatchInvalidPayload Kind = "DispatchInvalidPayload"
	KindExternalProviderError Kind = "ExternalProviderError"
)

// Severity mirrors the severity field carried on service/status events.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// KernelError wraps an underlying error with the kind/service taxonomy
// needed to build a service/status payload.
type KernelError struct {
	Kind    Kind
	Service string
	Err     error
}

func New(kind Kind, service string, err error) *KernelError {
	return &KernelError{Kind: kind, Service: service, Err: err}
}

func (e *KernelError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Service, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Service, e.Kind, e.Err)
}

func (e *KernelError) Unwrap() error { return e.Err }

// Is allows errors.Is(err, kernelerr.New(KindX, "", nil)) style matching
// on Kind alone, ignoring Service/Err.
func (e *KernelError) Is(target error) bool {
	t, ok := target.(*KernelError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}
