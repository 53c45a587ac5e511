package relay

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mxrelay/mxrelay/framework/address"
	"github.com/mxrelay/mxrelay/framework/buffer"
	"github.com/mxrelay/mxrelay/framework/log"
)

const smtpPort = "25"

// DeliveryResult is what a successful (possibly non-2xx) SMTP exchange with
// a remote MX reported for one recipient.
type DeliveryResult struct {
	Code     int
	Message  string
	Accepted bool
}

// MailRelay is the reference delivery sink the Spool Engine calls when a
// message is due: given a sender, recipient, and re-openable body, attempt
// one delivery attempt and report the outcome (or a Go error for a
// connection-level failure that never produced an SMTP response).
type MailRelay interface {
	Deliver(ctx context.Context, sender, recipient string, body buffer.Buffer) (DeliveryResult, error)
}

// DirectRelay delivers directly to a recipient domain's MX hosts, trying
// each in preference order. Where a host offers STARTTLS it tries verified
// TLS first and then unverified TLS; if both fail, that host fails and no
// plaintext retry is made. Plaintext is used only when STARTTLS is not
// offered.
type DirectRelay struct {
	Resolver    *MXResolver
	HelloDomain string
	DialTimeout time.Duration
	Log         log.Logger
}

func NewDirectRelay(resolver *MXResolver, helloDomain string, logger log.Logger) *DirectRelay {
	return &DirectRelay{
		Resolver:    resolver,
		HelloDomain: helloDomain,
		DialTimeout: 30 * time.Second,
		Log:         logger,
	}
}

func (r *DirectRelay) Deliver(ctx context.Context, sender, recipient string, body buffer.Buffer) (DeliveryResult, error) {
	_, domain, err := address.Split(recipient)
	if err != nil || domain == "" {
		return DeliveryResult{}, fmt.Errorf("relay: invalid recipient %q", recipient)
	}

	hosts, err := r.Resolver.LookupMX(ctx, domain)
	if err != nil {
		return DeliveryResult{}, err
	}

	var lastErr error
	for _, host := range hosts {
		res, err := r.deliverToHost(ctx, host.Host, sender, recipient, body)
		if err == nil {
			return res, nil
		}
		r.Log.Error("delivery attempt failed, trying next MX", err, "host", host.Host, "domain", domain)
		lastErr = err
	}
	return DeliveryResult{}, lastErr
}

func (r *DirectRelay) deliverToHost(ctx context.Context, host, sender, recipient string, body buffer.Buffer) (DeliveryResult, error) {
	dialCtx, cancel := context.WithTimeout(ctx, r.DialTimeout)
	defer cancel()

	c, err := dialOutbound(dialCtx, host, smtpPort)
	if err != nil {
		return DeliveryResult{}, fmt.Errorf("relay: dial %s: %w", host, err)
	}
	defer c.close()

	caps, err := c.ehlo(ctx, r.HelloDomain)
	if err != nil {
		return DeliveryResult{}, fmt.Errorf("relay: %s: EHLO: %w", host, err)
	}

	if hasCapability(caps, "STARTTLS") {
		if err := c.startTLS(ctx, host, false); err != nil {
			r.Log.Error("STARTTLS with verification failed, retrying opportunistically", err, "host", host)
			c.close()
			c, err = dialOutbound(dialCtx, host, smtpPort)
			if err != nil {
				return DeliveryResult{}, fmt.Errorf("relay: redial %s: %w", host, err)
			}
			defer c.close()
			if _, err := c.ehlo(ctx, r.HelloDomain); err != nil {
				return DeliveryResult{}, fmt.Errorf("relay: %s: EHLO after TLS retry: %w", host, err)
			}
			if err := c.startTLS(ctx, host, true); err != nil {
				return DeliveryResult{}, fmt.Errorf("relay: %s: STARTTLS: %w", host, err)
			}
		}
	}

	if code, msg, err := c.cmd(fmt.Sprintf("MAIL FROM:<%s>", sender)); err != nil || code/100 != 2 {
		if err != nil {
			return DeliveryResult{}, fmt.Errorf("relay: %s: MAIL FROM: %w", host, err)
		}
		return DeliveryResult{Code: code, Message: msg}, nil
	}

	if code, msg, err := c.cmd(fmt.Sprintf("RCPT TO:<%s>", recipient)); err != nil || code/100 != 2 {
		if err != nil {
			return DeliveryResult{}, fmt.Errorf("relay: %s: RCPT TO: %w", host, err)
		}
		return DeliveryResult{Code: code, Message: msg}, nil
	}

	code, msg, err := c.cmd("DATA")
	if err != nil {
		return DeliveryResult{}, fmt.Errorf("relay: %s: DATA: %w", host, err)
	}
	if code != 354 {
		return DeliveryResult{Code: code, Message: msg}, nil
	}

	rc, err := body.Open()
	if err != nil {
		return DeliveryResult{}, fmt.Errorf("relay: opening spooled body: %w", err)
	}
	defer rc.Close()

	if err := writeDotStuffed(c.bw, rc); err != nil {
		return DeliveryResult{}, fmt.Errorf("relay: %s: sending body: %w", host, err)
	}

	code, msg, err = c.readResponse()
	if err != nil {
		return DeliveryResult{}, fmt.Errorf("relay: %s: body response: %w", host, err)
	}

	_, _, _ = c.cmd("QUIT")

	return DeliveryResult{Code: code, Message: msg, Accepted: code/100 == 2}, nil
}

// writeDotStuffed copies src to w as an RFC 5321 DATA body: any line
// beginning with "." gets an extra leading "." and the stream is closed
// with the "CRLF.CRLF" terminator.
func writeDotStuffed(w *bufio.Writer, src io.Reader) error {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, ".") {
			if _, err := w.WriteString("."); err != nil {
				return err
			}
		}
		if _, err := w.WriteString(line); err != nil {
			return err
		}
		if _, err := w.WriteString("\r\n"); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if _, err := w.WriteString(".\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

var _ MailRelay = (*DirectRelay)(nil)
