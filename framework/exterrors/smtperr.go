package exterrors

import "fmt"

// SMTPError is a deliberate, send-specific response produced by a session or
// delivery handler. It is distinguished from opaque internal errors so the
// Session Engine can surface it verbatim instead of mapping it to a generic
// 4xx/5xx fallback.
//
// EnhancedCode follows the RFC 3463 triple; a zero value means "derive from
// Code" at formatting time.
type SMTPError struct {
	Code         int
	EnhancedCode [3]int
	Message      string
}

func (e *SMTPError) Error() string {
	return fmt.Sprintf("%d %s", e.Code, e.Message)
}

// Temporary reports whether the SMTP code falls in the 4xx range.
func (e *SMTPError) Temporary() bool {
	return e.Code >= 400 && e.Code < 500
}

// Fields exposes the send-specific response as structured annotations so
// outer wrapping (WithFields) can carry it through an error chain without
// losing the original response.
func (e *SMTPError) Fields() map[string]interface{} {
	return map[string]interface{}{
		"smtp_code":     e.Code,
		"smtp_enchcode": e.EnhancedCode,
		"smtp_msg":      e.Message,
	}
}

// HasEnhancedCode reports whether an explicit enhanced code was set.
func (e *SMTPError) HasEnhancedCode() bool {
	return e.EnhancedCode != [3]int{}
}
