package smtpsession

import (
	"net"
	"time"
)

// RcptDSNOpts carries the per-recipient DSN parameters parsed from RCPT TO
// (NOTIFY, ORCPT), per RFC 3461.
type RcptDSNOpts struct {
	Notify []string
	ORcpt  string
}

// SessionData is the per-connection mutable state owned exclusively by the
// Session Engine; interceptors and handlers may read it, only the engine
// mutates it.
type SessionData struct {
	PeerAddr net.Addr
	Hostname string
	Ehlo     string
	UsedEhlo bool

	TLSActive             bool
	Authenticated         bool
	AuthenticatedUsername string
	AuthFailedAttempts    int
	AuthLockedUntil       time.Time

	MailFrom     string
	HasMailFrom  bool
	Recipients   []string
	RcptDSN      map[string]RcptDSNOpts
	DeclaredSize int64
	SMTPUTF8     bool
	DSNRet       string
	DSNEnvID     string
}

// ResetTransaction clears envelope state on RSET or after a completed
// DATA/BDAT transaction; greeting and authentication are preserved by
// default.
func (s *SessionData) ResetTransaction() {
	s.MailFrom = ""
	s.HasMailFrom = false
	s.Recipients = nil
	s.RcptDSN = nil
	s.DeclaredSize = 0
	s.SMTPUTF8 = false
	s.DSNRet = ""
	s.DSNEnvID = ""
}

// ResetForSTARTTLS fully reinitializes transaction and greeting state after
// a successful TLS upgrade, clearing authentication per RFC 3207. Auth
// failure bookkeeping is intentionally preserved: the rate limiter is keyed
// by identity/peer, not by TLS epoch.
func (s *SessionData) ResetForSTARTTLS() {
	s.ResetTransaction()
	s.UsedEhlo = false
	s.Ehlo = ""
	s.Authenticated = false
	s.AuthenticatedUsername = ""
}
