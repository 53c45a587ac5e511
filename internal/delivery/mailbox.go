// Package delivery implements the Transaction Handler: the
// smtpsession.Transaction that turns one envelope into a stored message,
// deposited locally and/or handed to the Spool Engine for external
// recipients, per the Delivery Service's routing decision made at RCPT
// time.
package delivery

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// LocalMailbox deposits a message for a locally-served recipient. The
// reference implementation is a Maildir, the lowest-common-denominator
// local mailbox format every MDA/MUA in the ecosystem understands; a full
// IMAP/POP mailbox backend is explicitly out of scope (mailbox access is a
// named Non-goal).
type LocalMailbox interface {
	Deposit(ctx context.Context, localPart string, body io.Reader) error
}

// MaildirMailbox writes one file per message into
// "<root>/<localPart>/new/", naming each file
// "<unixnano>.<random hex>.<hostname>" in the Maildir style, which is unique
// enough for single-host delivery; true
// collision-proof naming across hosts would also need a boot-counter and
// isn't needed for one relay instance.
type MaildirMailbox struct {
	Root     string
	Hostname string
}

func NewMaildirMailbox(root, hostname string) *MaildirMailbox {
	return &MaildirMailbox{Root: root, Hostname: hostname}
}

func (m *MaildirMailbox) Deposit(_ context.Context, localPart string, body io.Reader) error {
	newDir := filepath.Join(m.Root, localPart, "new")
	if err := os.MkdirAll(newDir, 0o700); err != nil {
		return fmt.Errorf("delivery: creating maildir for %s: %w", localPart, err)
	}

	name, err := uniqueName(m.Hostname)
	if err != nil {
		return err
	}

	tmpDir := filepath.Join(m.Root, localPart, "tmp")
	if err := os.MkdirAll(tmpDir, 0o700); err != nil {
		return fmt.Errorf("delivery: creating maildir tmp for %s: %w", localPart, err)
	}
	tmpPath := filepath.Join(tmpDir, name)

	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("delivery: creating %s: %w", tmpPath, err)
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("delivery: writing %s: %w", tmpPath, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	f.Close()

	return os.Rename(tmpPath, filepath.Join(newDir, name))
}

func uniqueName(hostname string) (string, error) {
	var nonce [8]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("delivery: generating unique name: %w", err)
	}
	return fmt.Sprintf("%d.%s.%s", time.Now().UnixNano(), hex.EncodeToString(nonce[:]), hostname), nil
}

var _ LocalMailbox = (*MaildirMailbox)(nil)
