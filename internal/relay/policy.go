// Package relay implements the Delivery Orchestrator's routing half: the
// local-vs-external domain decision consulted at RCPT time, and the
// direct-dial MX relay consulted by the Spool Engine when a message is
// actually due for an external domain.
package relay

import (
	"context"
	"net"

	"github.com/mxrelay/mxrelay/framework/address"
	"github.com/mxrelay/mxrelay/framework/exterrors"
	"github.com/mxrelay/mxrelay/internal/smtpsession"
)

// AccessPolicy decides whether an external (non-local) recipient may be
// relayed for a given sender/peer.
type AccessPolicy interface {
	Evaluate(ctx context.Context, sender, recipient string, authenticated bool, peer net.Addr) error
}

// OpenRelayPolicy permits every external recipient. Only useful paired with
// an AuthService that itself requires authentication for MAIL FROM, or for
// a deliberately open relay in a lab/test deployment.
type OpenRelayPolicy struct{}

func (OpenRelayPolicy) Evaluate(context.Context, string, string, bool, net.Addr) error { return nil }

// AuthenticatedOnlyPolicy relays external mail only for authenticated
// senders; unauthenticated senders may only address locally-served domains.
type AuthenticatedOnlyPolicy struct{}

func (AuthenticatedOnlyPolicy) Evaluate(_ context.Context, _, _ string, authenticated bool, _ net.Addr) error {
	if authenticated {
		return nil
	}
	return &exterrors.SMTPError{
		Code:         550,
		EnhancedCode: [3]int{5, 7, 1},
		Message:      "Relaying denied, authentication required",
	}
}

// Router implements smtpsession.DeliveryService: it compares the
// recipient's IDNA-normalized domain against the set of locally-served
// domains and applies an AccessPolicy to anything that isn't local.
type Router struct {
	LocalDomains func(domain string) bool
	External     AccessPolicy
}

func NewRouter(localDomains func(domain string) bool, external AccessPolicy) *Router {
	if external == nil {
		external = AuthenticatedOnlyPolicy{}
	}
	return &Router{LocalDomains: localDomains, External: external}
}

func (r *Router) EvaluateRecipient(ctx context.Context, req smtpsession.RecipientRequest) error {
	cleaned, err := address.CleanDomain(req.Recipient)
	if err != nil {
		return &exterrors.SMTPError{Code: 501, EnhancedCode: [3]int{5, 1, 3}, Message: "Malformed recipient address"}
	}
	_, domain, err := address.Split(cleaned)
	if err != nil {
		return &exterrors.SMTPError{Code: 501, EnhancedCode: [3]int{5, 1, 3}, Message: "Malformed recipient address"}
	}

	if domain == "" || (r.LocalDomains != nil && r.LocalDomains(domain)) {
		return nil
	}

	return r.External.Evaluate(ctx, req.Sender, req.Recipient, req.Authenticated, req.PeerAddr)
}

var _ smtpsession.DeliveryService = (*Router)(nil)
