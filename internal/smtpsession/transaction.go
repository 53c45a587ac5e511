package smtpsession

import (
	"context"
	"io"
)

// Transaction models one envelope's lifecycle as a flat interface instead
// of a transaction-handler inheritance hierarchy:
// {init(session), from(sender), to(rcpt), data(stream,size), done()}. One
// Transaction is created per MAIL FROM via TransactionFactory and driven
// exclusively by the session fiber that created it.
//
// From/To/Data/Done should return a *exterrors.SMTPError for any
// send-specific response; any other error is mapped to
// "451 4.3.0 Transaction failed".
type Transaction interface {
	Init(ctx context.Context, s *Session) error
	From(ctx context.Context, sender string) error
	To(ctx context.Context, rcpt string) error
	Data(ctx context.Context, body io.Reader, size int64) error
	Done(ctx context.Context) error

	// Abort cancels an in-flight transaction, e.g. on RSET, timeout, or
	// connection loss mid-body. Best-effort; errors are logged, not
	// surfaced.
	Abort(ctx context.Context)
}

// TransactionFactory constructs a fresh Transaction for one MAIL FROM.
type TransactionFactory func() Transaction
