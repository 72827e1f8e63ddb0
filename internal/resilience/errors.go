package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/revenuelab/taxrules-cli/internal/model"
)

// IsTransient reports whether an error is safe to retry. Typed calculation
// errors follow the taxonomy: only database_error and unknown_error retry,
// and an unknown_error retries only when it looks like an infrastructure
// failure. Compile-time and numeric failures are terminal.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *model.CalcError
	if errors.As(err, &ce) {
		switch ce.Type {
		case model.ErrDatabase:
			return true
		case model.ErrUnknown:
			return isInfraError(err)
		default:
			return false
		}
	}

	return isInfraError(err)
}

// isInfraError matches network and database connectivity failures.
func isInfraError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	patterns := []string{
		"connection reset by peer",
		"broken pipe",
		"i/o timeout",
		"database is locked",
		"connection refused",
		"too many connections",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
