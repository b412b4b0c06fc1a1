package injector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TabID is the opaque integer a host assigns to a browser tab. Zero is never
// a valid id.
type TabID int

// Tab is a browser tab as reported by the host's tab query.
type Tab struct {
	ID  TabID  `json:"id"`
	URL string `json:"url"`
}

// Status is a tab's content load status.
type Status string

const (
	StatusLoading  Status = "loading"
	StatusComplete Status = "complete"
)

// ErrorKind classifies failures of the host's script-execution capability.
// The host adapter decides the kind; the tracker never inspects messages.
type ErrorKind int

const (
	KindOther ErrorKind = iota
	KindTabNotFound
	KindPermissionDenied
	KindConnectionLost
)

func (k ErrorKind) String() string {
	switch k {
	case KindTabNotFound:
		return "TAB_NOT_FOUND"
	case KindPermissionDenied:
		return "PERMISSION_DENIED"
	case KindConnectionLost:
		return "CONNECTION_LOST"
	default:
		return "OTHER"
	}
}

// ExecError is returned by ScriptRunner implementations.
type ExecError struct {
	Kind  ErrorKind
	TabID TabID
	Err   error
}

func (e *ExecError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: tab %d", e.Kind, e.TabID)
	}
	return fmt.Sprintf("%s: tab %d: %v", e.Kind, e.TabID, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// NewExecError wraps err with a kind for the given tab.
func NewExecError(kind ErrorKind, tab TabID, err error) error {
	return &ExecError{Kind: kind, TabID: tab, Err: err}
}

// KindOf returns the ErrorKind carried by err, or KindOther when err is not
// an *ExecError.
func KindOf(err error) ErrorKind {
	var ee *ExecError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return KindOther
}

// ScriptRunner executes code in a tab's page context.
type ScriptRunner interface {
	// Evaluate runs a JavaScript expression and returns its JSON value.
	Evaluate(ctx context.Context, tab TabID, expression string) (json.RawMessage, error)
	// RunFiles loads each script file into the tab, in order.
	RunFiles(ctx context.Context, tab TabID, files []string) error
}

// TabQuerier enumerates open tabs whose URL matches any of the patterns.
type TabQuerier interface {
	QueryTabs(ctx context.Context, patterns []string) ([]Tab, error)
}

// Host bundles the capabilities the injector consumes.
type Host interface {
	ScriptRunner
	TabQuerier
}

// Outcome is the result of a single Inject call.
type Outcome int

const (
	OutcomeFailed Outcome = iota
	OutcomeInjected
	OutcomeAlreadyLoaded
	OutcomeRestricted
	OutcomeTabGone
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInjected:
		return "injected"
	case OutcomeAlreadyLoaded:
		return "already_loaded"
	case OutcomeRestricted:
		return "restricted"
	case OutcomeTabGone:
		return "tab_gone"
	default:
		return "failed"
	}
}

func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// SignalKind names an observational signal.
type SignalKind string

const (
	SignalInjected SignalKind = "injected"
	SignalWarning  SignalKind = "warning"
	SignalError    SignalKind = "error"
	SignalPass     SignalKind = "pass"
)

// Signal is an observational record published by the injector. Publishing
// never blocks injection and never feeds back into tracking.
type Signal struct {
	Kind    SignalKind `json:"kind"`
	TabID   TabID      `json:"tab_id,omitempty"`
	PassID  string     `json:"pass_id,omitempty"`
	Message string     `json:"message,omitempty"`
	Time    time.Time  `json:"time"`
}

// Publisher receives signals.
type Publisher interface {
	Publish(Signal)
}

// Publishers fans a signal out to every publisher in order.
type Publishers []Publisher

func (ps Publishers) Publish(s Signal) {
	for _, p := range ps {
		if p != nil {
			p.Publish(s)
		}
	}
}

type discard struct{}

func (discard) Publish(Signal) {}
