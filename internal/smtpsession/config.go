package smtpsession

import (
	"crypto/tls"
	"time"
)

// Config holds the per-listener policy a Session is constructed with.
type Config struct {
	Hostname    string
	ServiceName string // advertised in the banner, e.g. "mxrelay"

	ImplicitTLS        bool
	EnableSTARTTLS     bool
	TLSConfig          *tls.Config
	HandshakeTimeout   time.Duration
	InsecureAuth       bool // allow AUTH before TLS is active
	RequireAuthForMail bool

	MaxRecipients  int
	MaxMessageSize int64
	MaxHeaderSize  int64

	IdleTimeout        time.Duration
	BodyTimeout        time.Duration
	GracefulCloseGrace time.Duration

	EnableVRFY bool
	EnableETRN bool
	EnableEXPN bool

	LocalDomains func(domain string) bool

	ResetClearsAuth bool // whether RSET also clears authentication state
}

func DefaultConfig() Config {
	return Config{
		ServiceName:      "ESMTP",
		HandshakeTimeout: DefaultHandshakeTimeout,
		MaxRecipients:    100,
		MaxMessageSize:   32 * 1024 * 1024,
		MaxHeaderSize:    1 * 1024 * 1024,
		IdleTimeout:      300 * time.Second,
		BodyTimeout:      5 * time.Minute,
	}
}
