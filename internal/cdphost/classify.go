package cdphost

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/dgnsrekt/markbridge/internal/injector"
)

var errUnknownTab = errors.New("no tab with given id")

// restrictedSchemes are pages the browser refuses to script from outside.
var restrictedSchemes = map[string]bool{
	"chrome":           true,
	"chrome-extension": true,
	"chrome-search":    true,
	"devtools":         true,
	"edge":             true,
	"about":            true,
	"view-source":      true,
}

// gone lists protocol error fragments that mean the target or its context
// no longer exists.
var gone = []string{
	"no session with given id",
	"session with given id not found",
	"no target with given id",
	"cannot find context with specified id",
	"execution context was destroyed",
	"target closed",
	"inspected target navigated or closed",
}

// isRestricted reports whether scripts may not be run on pageURL.
func isRestricted(pageURL string, allowFile bool) bool {
	u, err := url.Parse(pageURL)
	if err != nil || u.Scheme == "" {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme == "file" {
		return !allowFile
	}
	return restrictedSchemes[scheme]
}

// classify converts a transport error into an *injector.ExecError.
func classify(tab injector.TabID, err error) error {
	if err == nil {
		return nil
	}
	var ee *injector.ExecError
	if errors.As(err, &ee) {
		return err
	}
	return injector.NewExecError(kindOf(err), tab, err)
}

func kindOf(err error) injector.ErrorKind {
	switch {
	case errors.Is(err, errUnknownTab):
		return injector.KindTabNotFound
	case errors.Is(err, errNotConnected), errors.Is(err, errConnClosed),
		errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return injector.KindConnectionLost
	}

	var pe *protocolError
	if errors.As(err, &pe) {
		msg := strings.ToLower(pe.Message)
		for _, frag := range gone {
			if strings.Contains(msg, frag) {
				return injector.KindTabNotFound
			}
		}
		if strings.Contains(msg, "cannot access") || strings.Contains(msg, "not allowed") {
			return injector.KindPermissionDenied
		}
	}
	return injector.KindOther
}
