// Package spool implements the durable outbound Spool Engine: a metadata
// store keyed by message, a lock manager giving one worker at a time
// ownership of a message, a failure classifier, and a scheduler loop that
// drains due messages through a relay.MailRelay and retires or reschedules
// each recipient.
package spool

import "time"

// RcptDSNOpts mirrors smtpsession.RcptDSNOpts without importing the session
// package, keeping the Spool Engine usable without the Session Engine
// present (e.g. from a standalone requeue tool).
type RcptDSNOpts struct {
	Notify []string `json:"notify,omitempty"`
	ORcpt  string   `json:"orcpt,omitempty"`
}

// Metadata is the durable record for one queued message. It is read back
// and mutated in place by the Spooler Loop while a Lock is held; at all
// other times the Store owns it.
type Metadata struct {
	ID string `json:"id"`

	// RawRef identifies the spooled body (MessageStore key/path); never
	// interpreted by the Store itself.
	RawRef string `json:"rawRef"`

	Sender        string `json:"sender"`
	MessageID     string `json:"messageId"`
	Authenticated bool   `json:"authenticated"`
	PeerAddress   string `json:"peerAddress"`

	// Recipients still pending delivery. Never grows after Enqueue;
	// recipients are removed as they succeed or fail permanently.
	Recipients []string `json:"recipients"`

	DSNRet   string                 `json:"dsnRet,omitempty"`
	DSNEnvID string                 `json:"dsnEnvid,omitempty"`
	RcptDSN  map[string]RcptDSNOpts `json:"rcptDsn,omitempty"`

	Attempt       int       `json:"attempt"`
	QueuedAt      time.Time `json:"queuedAt"`
	NextAttemptAt time.Time `json:"next"`

	// LastErrors carries one formatted diagnostic per recipient that most
	// recently failed, for inclusion in a final DSN. Not consulted for
	// scheduling.
	LastErrors map[string]string `json:"lastErrors,omitempty"`
}

// Clone returns a deep-enough copy safe to mutate without affecting a
// caller's own reference (Recipients/RcptDSN/LastErrors are copied).
func (m Metadata) Clone() Metadata {
	c := m
	c.Recipients = append([]string(nil), m.Recipients...)
	if m.RcptDSN != nil {
		c.RcptDSN = make(map[string]RcptDSNOpts, len(m.RcptDSN))
		for k, v := range m.RcptDSN {
			c.RcptDSN[k] = v
		}
	}
	if m.LastErrors != nil {
		c.LastErrors = make(map[string]string, len(m.LastErrors))
		for k, v := range m.LastErrors {
			c.LastErrors[k] = v
		}
	}
	return c
}
