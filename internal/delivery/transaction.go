package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mxrelay/mxrelay/framework/address"
	"github.com/mxrelay/mxrelay/framework/buffer"
	"github.com/mxrelay/mxrelay/internal/smtpsession"
	"github.com/mxrelay/mxrelay/internal/spool"
)

// SpoolEnqueuer is the narrow slice of spool.Store the Transaction Handler
// needs: handing off external recipients once the body is fully stored.
type SpoolEnqueuer interface {
	Enqueue(ctx context.Context, req spool.EnqueueRequest) (spool.Metadata, error)
}

// Factory builds a fresh Transaction per MAIL FROM, closing over the
// collaborators every transaction shares.
type Factory struct {
	Hostname     string
	ServerName   string
	MessageStore spool.MessageStore
	Spool        SpoolEnqueuer
	LocalDomains func(domain string) bool
	LocalMailbox LocalMailbox
}

func (f *Factory) New() smtpsession.Transaction {
	return &Transaction{f: f}
}

var _ smtpsession.TransactionFactory = (&Factory{}).New

// Transaction implements smtpsession.Transaction: init/from/to/data/done,
// flat composition instead of a handler inheritance hierarchy.
type Transaction struct {
	f *Factory

	sess   *smtpsession.Session
	sender string
	rcpts  []string

	messageID string
	rawRef    string
	stored    bool

	mu sync.Mutex
}

func (t *Transaction) Init(_ context.Context, s *smtpsession.Session) error {
	t.sess = s
	t.messageID = uuid.NewString()
	return nil
}

func (t *Transaction) From(_ context.Context, sender string) error {
	t.sender = sender
	return nil
}

func (t *Transaction) To(_ context.Context, rcpt string) error {
	t.rcpts = append(t.rcpts, rcpt)
	return nil
}

func (t *Transaction) Data(ctx context.Context, body io.Reader, _ int64) error {
	data := t.sess.Data()

	transferMode := "ESMTP"
	switch {
	case data.TLSActive && data.Authenticated:
		transferMode = "ESMTPSA"
	case data.TLSActive:
		transferMode = "ESMTPS"
	case data.Authenticated:
		transferMode = "ESMTPA"
	}

	forRecipient := ""
	if len(t.rcpts) == 1 {
		forRecipient = t.rcpts[0]
	}

	received := spool.ReceivedHeader(data.PeerAddr, t.f.ServerName, t.messageID, transferMode, forRecipient, time.Now())

	rawRef, err := t.f.MessageStore.Store(ctx, t.messageID, received, body)
	if err != nil {
		return fmt.Errorf("delivery: storing message: %w", err)
	}
	t.mu.Lock()
	t.rawRef = rawRef
	t.stored = true
	t.mu.Unlock()
	return nil
}

func (t *Transaction) Done(ctx context.Context) error {
	t.mu.Lock()
	rawRef, stored := t.rawRef, t.stored
	t.mu.Unlock()
	if !stored {
		return fmt.Errorf("delivery: DATA never completed")
	}

	data := t.sess.Data()

	var localRcpts, externalRcpts []string
	for _, rcpt := range t.rcpts {
		_, domain, err := address.Split(rcpt)
		if err == nil && t.f.LocalDomains != nil && t.f.LocalDomains(domain) {
			localRcpts = append(localRcpts, rcpt)
		} else {
			externalRcpts = append(externalRcpts, rcpt)
		}
	}

	if len(localRcpts) > 0 && t.f.LocalMailbox != nil {
		if err := t.depositLocal(ctx, localRcpts); err != nil {
			return err
		}
	}

	if len(externalRcpts) > 0 {
		rcptDSN := make(map[string]spool.RcptDSNOpts, len(externalRcpts))
		for _, rcpt := range externalRcpts {
			opts := data.RcptDSN[rcpt]
			rcptDSN[rcpt] = spool.RcptDSNOpts{Notify: opts.Notify, ORcpt: opts.ORcpt}
		}

		peerAddr := ""
		if data.PeerAddr != nil {
			peerAddr = data.PeerAddr.String()
		}

		if _, err := t.f.Spool.Enqueue(ctx, spool.EnqueueRequest{
			RawRef:        rawRef,
			Sender:        t.sender,
			Recipients:    externalRcpts,
			MessageID:     t.messageID,
			Authenticated: data.Authenticated,
			PeerAddress:   peerAddr,
			DSNRet:        data.DSNRet,
			DSNEnvID:      data.DSNEnvID,
			RcptDSN:       rcptDSN,
		}); err != nil {
			return fmt.Errorf("delivery: enqueueing for relay: %w", err)
		}
	}

	return nil
}

func (t *Transaction) depositLocal(ctx context.Context, rcpts []string) error {
	buf, err := t.f.MessageStore.Open(ctx, t.rawRef)
	if err != nil {
		return fmt.Errorf("delivery: reopening stored message: %w", err)
	}

	// Read once, deposit into every local mailbox from an in-memory copy so
	// a slow mailbox write can't block re-reading the same spooled file.
	rc, err := buf.Open()
	if err != nil {
		return fmt.Errorf("delivery: opening stored message: %w", err)
	}
	var body bytes.Buffer
	_, copyErr := io.Copy(&body, rc)
	rc.Close()
	if copyErr != nil {
		return fmt.Errorf("delivery: reading stored message: %w", copyErr)
	}

	for _, rcpt := range rcpts {
		localPart, _, err := address.Split(rcpt)
		if err != nil {
			continue
		}
		if err := t.f.LocalMailbox.Deposit(ctx, localPart, bytes.NewReader(body.Bytes())); err != nil {
			return fmt.Errorf("delivery: depositing to %s: %w", rcpt, err)
		}
	}
	return nil
}

func (t *Transaction) Abort(ctx context.Context) {
	t.mu.Lock()
	rawRef, stored := t.rawRef, t.stored
	t.mu.Unlock()
	if stored {
		_ = t.f.MessageStore.Remove(ctx, rawRef)
	}
}

var _ buffer.Buffer // MessageStore.Open's return type, kept imported for doc clarity
