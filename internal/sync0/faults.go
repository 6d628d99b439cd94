package sync0

import "fmt"

// Kind classifies a failure so callers can branch without string matching.
type Kind string

const (
	// KindStorageUnavailable means the durable store cannot be used at all
	// (quota exceeded, engine disabled). Feature degraded, not fatal.
	KindStorageUnavailable Kind = "storage-unavailable"
	// KindTransport means the network was unreachable before any response
	// arrived. Queue or cache-fallback territory.
	KindTransport Kind = "transport"
	// KindApplication means the origin answered with a non-2xx status. Always
	// surfaced to the caller unchanged, never queued.
	KindApplication Kind = "application"
	// KindStaleServed is informational: a cache fallback was used.
	KindStaleServed Kind = "stale-served"
)

// Fault is the domain error type. Two faults match via errors.Is when their
// kinds are equal.
type Fault struct {
	Kind    Kind
	Message string
	Cause   error

	// Application faults carry the origin response so it reaches the caller
	// unchanged.
	Status int
	Body   []byte
}

func (f *Fault) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.Cause)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Fault) Unwrap() error { return f.Cause }

func (f *Fault) Is(target error) bool {
	t, ok := target.(*Fault)
	if !ok {
		return false
	}
	return f.Kind == t.Kind
}

func storageUnavailable(msg string, cause error) *Fault {
	return &Fault{Kind: KindStorageUnavailable, Message: msg, Cause: cause}
}

func transportFault(msg string, cause error) *Fault {
	return &Fault{Kind: KindTransport, Message: msg, Cause: cause}
}

func applicationFault(status int, body []byte) *Fault {
	return &Fault{
		Kind:    KindApplication,
		Message: fmt.Sprintf("origin returned status %d", status),
		Status:  status,
		Body:    body,
	}
}

// errStorageUnavailable / errTransport / errApplication are sentinel targets
// for errors.Is.
var (
	errStorageUnavailable = &Fault{Kind: KindStorageUnavailable}
	errTransport          = &Fault{Kind: KindTransport}
	errApplication        = &Fault{Kind: KindApplication}
)
