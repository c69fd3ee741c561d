package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/voundbrand/vc83-com-sub003/internal/retry"
)

// Error classes recorded on failover attempts.
const (
	ClassRotatable = "rotatable"
	ClassModel     = "model"
	ClassCancelled = "cancelled"
)

var rotatablePatterns = []string{
	"rate limit",
	"rate_limit",
	"quota",
	"insufficient_quota",
	"billing",
	"unauthorized",
	"invalid api key",
	"invalid_api_key",
	"authentication",
	"permission",
	"overloaded",
}

// StatusOf extracts the HTTP-like status from err, or 0.
func StatusOf(err error) int {
	var sc retry.StatusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatus()
	}
	return 0
}

// IsRotatable reports whether err is tied to the credential rather than the
// model: 401/402/403/429/5xx, or rate-limit, quota, auth or network messages.
// Such errors move on to the next auth profile and put this one in cooldown.
func IsRotatable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch s := StatusOf(err); {
	case s == 401 || s == 402 || s == 403 || s == 429:
		return true
	case s >= 500 && s <= 599:
		return true
	}
	if retry.IsNetworkError(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range rotatablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// Classify returns the failover class of an attempt error.
func Classify(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return ClassCancelled
	case IsRotatable(err):
		return ClassRotatable
	default:
		return ClassModel
	}
}
