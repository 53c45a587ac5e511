package spool

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"
	"github.com/mxrelay/mxrelay/framework/exterrors"
	"github.com/mxrelay/mxrelay/internal/dsn"
)

// FailedRecipient pairs a recipient with the classified error that took it
// out of a Metadata's recipient list, for DsnSender.SendPermanentFailure.
type FailedRecipient struct {
	Recipient string
	Err       error
}

// DsnSender generates an RFC 3464 delivery-status notification and
// re-injects it as ordinary mail back to the original sender.
type DsnSender interface {
	SendPermanentFailure(ctx context.Context, sender string, failed []FailedRecipient, originalMessageID string, envid string) error
}

// Enqueuer is the narrow slice of Store this package needs to re-inject a
// DSN as a new spooled message, satisfied by any Store implementation.
type Enqueuer interface {
	Enqueue(ctx context.Context, req EnqueueRequest) (Metadata, error)
}

// PipelineDsnSender builds the DSN body via internal/dsn.GenerateDSN,
// stores it through the same MessageStore used for inbound mail, and
// enqueues it on the same Store so it is delivered through the ordinary
// Delivery Service/Spooler Loop path, grounded on
// internal/target/queue/queue.go's emitDSN.
type PipelineDsnSender struct {
	Hostname     string
	DomainName   string
	MessageStore MessageStore
	Queue        Enqueuer
}

func (d *PipelineDsnSender) SendPermanentFailure(ctx context.Context, sender string, failed []FailedRecipient, originalMessageID, envid string) error {
	if sender == "" || strings.EqualFold(sender, "<>") {
		return nil // RFC 3464: never bounce a null return-path
	}

	dsnID := uuid.NewString()
	envelope := dsn.Envelope{
		MsgID: "<" + dsnID + "@" + d.DomainName + ">",
		From:  "MAILER-DAEMON@" + d.DomainName,
		To:    sender,
	}
	mtaInfo := dsn.ReportingMTAInfo{
		ReportingMTA:    d.Hostname,
		XSender:         sender,
		XMessageID:      originalMessageID,
		ArrivalDate:     time.Now(),
		LastAttemptDate: time.Now(),
	}

	rcptInfo := make([]dsn.RecipientInfo, 0, len(failed))
	for _, f := range failed {
		status := [3]int{5, 0, 0}
		var smtpErr *exterrors.SMTPError
		if asErr, ok := f.Err.(*exterrors.SMTPError); ok {
			smtpErr = asErr
			status = smtpErr.EnhancedCode
			if !smtpErr.HasEnhancedCode() {
				status = [3]int{smtpErr.Code / 100, 0, 0}
			}
		}
		diag := f.Err
		if diag == nil {
			diag = fmt.Errorf("delivery failed")
		}
		rcptInfo = append(rcptInfo, dsn.RecipientInfo{
			FinalRecipient: f.Recipient,
			Action:         dsn.ActionFailed,
			Status:         status,
			DiagnosticCode: diag,
		})
	}

	var body bytes.Buffer
	header, err := dsn.GenerateDSN(false, envelope, mtaInfo, rcptInfo, textproto.Header{}, &body)
	if err != nil {
		return fmt.Errorf("spool: generating DSN: %w", err)
	}

	var combined bytes.Buffer
	if err := textproto.WriteHeader(&combined, header); err != nil {
		return fmt.Errorf("spool: writing DSN header: %w", err)
	}
	combined.Write(body.Bytes())

	received := ReceivedHeader(nil, d.Hostname, dsnID, "ESMTPA", "", time.Now())
	rawRef, err := d.MessageStore.Store(ctx, dsnID, received, &combined)
	if err != nil {
		return fmt.Errorf("spool: storing DSN body: %w", err)
	}

	_, err = d.Queue.Enqueue(ctx, EnqueueRequest{
		RawRef:        rawRef,
		Sender:        "",
		Recipients:    []string{sender},
		MessageID:     dsnID,
		Authenticated: true,
	})
	return err
}

var _ DsnSender = (*PipelineDsnSender)(nil)
