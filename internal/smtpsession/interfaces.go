package smtpsession

import (
	"context"
	"net"
)

// AuthService is the external collaborator contract for credential checks.
// Plaintext handling
// policy (whether to allow AUTH PLAIN outside TLS) lives in the session's
// configuration, not in this interface.
type AuthService interface {
	Enabled() bool
	Required() bool
	Verify(ctx context.Context, username, password string) (bool, error)
}

// RecipientRequest is the value object passed to
// DeliveryService.EvaluateRecipient at RCPT time, combining the Delivery
// Service's local/external routing decision with a RelayAccessPolicy
// evaluation for external recipients.
type RecipientRequest struct {
	Sender        string
	Recipient     string
	Authenticated bool
	PeerAddr      net.Addr
}

// DeliveryService decides whether a recipient may be accepted at RCPT time.
// A nil error means accept; otherwise the returned error should be a
// *exterrors.SMTPError carrying the appropriate 530/550 response.
type DeliveryService interface {
	EvaluateRecipient(ctx context.Context, req RecipientRequest) error
}

// EventHook receives best-effort, non-fatal lifecycle notifications.
// Every method must tolerate being called concurrently with other sessions'
// hooks but is invoked sequentially, in registration order, for a single
// session's own events.
type EventHook interface {
	SessionStarted(s *Session)
	SessionEnded(s *Session)
	MessageAccepted(s *Session, envelope SessionData, transferMode string)
	MessageRejected(s *Session, code int, message string, stage string)
}

// HookDispatcher runs a fixed, ordered list of EventHooks, recovering from
// and logging any hook panic so it never reaches the session fiber.
type HookDispatcher struct {
	hooks []EventHook
}

func NewHookDispatcher(hooks ...EventHook) *HookDispatcher {
	return &HookDispatcher{hooks: append([]EventHook(nil), hooks...)}
}

func (d *HookDispatcher) SessionStarted(s *Session) {
	for _, h := range d.hooks {
		d.safe(s, func() { h.SessionStarted(s) })
	}
}

func (d *HookDispatcher) SessionEnded(s *Session) {
	for _, h := range d.hooks {
		d.safe(s, func() { h.SessionEnded(s) })
	}
}

func (d *HookDispatcher) MessageAccepted(s *Session, envelope SessionData, transferMode string) {
	for _, h := range d.hooks {
		d.safe(s, func() { h.MessageAccepted(s, envelope, transferMode) })
	}
}

func (d *HookDispatcher) MessageRejected(s *Session, code int, message string, stage string) {
	for _, h := range d.hooks {
		d.safe(s, func() { h.MessageRejected(s, code, message, stage) })
	}
}

func (d *HookDispatcher) safe(s *Session, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Msg("event hook panicked", "panic", r)
		}
	}()
	fn()
}
