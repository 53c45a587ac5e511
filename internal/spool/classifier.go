package spool

import (
	"errors"
	"strings"

	"github.com/mxrelay/mxrelay/framework/exterrors"
)

// Classify reports whether a delivery error should be treated as
// permanent (no further retries; DSN now) or transient (reschedule).
// Unknown/ambiguous errors default to transient, matching
// exterrors.IsTemporaryOrUnspec's conservative default.
func Classify(err error) (permanent bool) {
	if err == nil {
		return false
	}

	var smtpErr *exterrors.SMTPError
	if errors.As(err, &smtpErr) {
		return smtpErr.Code >= 500 && smtpErr.Code < 600
	}

	if !exterrors.IsTemporaryOrUnspec(err) {
		return true
	}

	if looksLikeNoMX(err) {
		return true
	}

	return false
}

func looksLikeNoMX(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no mx") || strings.Contains(msg, "does not exist")
}
