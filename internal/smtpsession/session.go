package smtpsession

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"

	"github.com/mxrelay/mxrelay/framework/exterrors"
	"github.com/mxrelay/mxrelay/framework/log"
	"github.com/mxrelay/mxrelay/internal/auth/sasllogin"
)

var (
	errAuthInvalid   = errors.New("smtpsession: invalid credentials")
	errAuthLocked    = errors.New("smtpsession: account locked")
	errAuthCancelled = errors.New("smtpsession: authentication cancelled by client")
)

// closeSignal is returned by handlers that have already written their own
// response and want the connection torn down afterwards (protocol framing
// violations, resource overflow).
type closeSignal struct{ reason string }

func (c closeSignal) Error() string { return c.reason }

// dropSignal marks a connection that an Interceptor asked to be dropped
// outright after its response was written.
type dropSignal struct{}

func (dropSignal) Error() string { return "smtpsession: connection dropped by policy" }

// TriggerResult is the outcome an ETRNHandler reports back to the session
// for translation into an SMTP reply code.
type TriggerResult int

const (
	TriggerAccepted TriggerResult = iota
	TriggerInvalidArgument
	TriggerUnavailable
)

// ETRNHandler lets the Spool Engine's trigger coalescer hang off ETRN
// without the session package depending on the spool package.
type ETRNHandler func(ctx context.Context, domain string) TriggerResult

// Collaborators bundles every external dependency a Session needs. Nil
// Auth, AuthLimiter, Delivery, Interceptors, Hooks and ETRNHandler fall back
// to permissive defaults (no auth, no delivery policy, no hooks).
// NewTransaction has no default: it must be set before a client sends MAIL.
type Collaborators struct {
	Auth           AuthService
	AuthLimiter    AuthRateLimiter
	Delivery       DeliveryService
	Interceptors   *InterceptorChain
	Hooks          *HookDispatcher
	NewTransaction TransactionFactory
	ETRNHandler    ETRNHandler
	Logger         log.Logger
}

// Session drives one client connection end to end: framing, command
// dispatch, TLS upgrade, authentication, and the envelope/transaction
// lifecycle. One goroutine owns a Session for its entire lifetime; nothing
// here is safe for concurrent use by more than that one goroutine plus the
// body-transfer fiber it spawns for DATA/BDAT.
type Session struct {
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer

	framer      *Framer
	bp          *BackpressureController
	tlsUpgrader *TLSUpgrader

	cfg Config
	log log.Logger

	auth        AuthService
	authLimiter AuthRateLimiter
	delivery    DeliveryService

	interceptors *InterceptorChain
	hooks        *HookDispatcher

	newTransaction TransactionFactory
	etrnHandler    ETRNHandler

	data    SessionData
	greeted bool
	quit    bool

	curTxn Transaction

	dataUsed bool

	bdatUsed   bool
	bdatActive bool
	bdatChan   chan []byte
	bdatResult chan error
	bdatSize   int64
	bdatCtx    context.Context
	bdatCancel context.CancelFunc

	closeCh chan struct{}
}

// NewSession wraps conn in a Session ready to Serve. conn should already
// reflect whatever implicit-TLS or PROXY-protocol unwrapping the listener
// performs; cfg.ImplicitTLS additionally drives an immediate handshake
// before the banner is sent.
func NewSession(conn net.Conn, cfg Config, c Collaborators) *Session {
	br := bufio.NewReader(conn)
	bw := bufio.NewWriter(conn)

	interceptors := c.Interceptors
	if interceptors == nil {
		interceptors = NewInterceptorChain(DefaultInterceptor{})
	}
	hooks := c.Hooks
	if hooks == nil {
		hooks = NewHookDispatcher()
	}

	s := &Session{
		conn:           conn,
		br:             br,
		bw:             bw,
		framer:         NewFramer(br),
		bp:             NewBackpressureController(int64(DefaultMaxChunkSize) * 2),
		tlsUpgrader:    NewTLSUpgrader(),
		cfg:            cfg,
		log:            c.Logger,
		auth:           c.Auth,
		authLimiter:    c.AuthLimiter,
		delivery:       c.Delivery,
		interceptors:   interceptors,
		hooks:          hooks,
		newTransaction: c.NewTransaction,
		etrnHandler:    c.ETRNHandler,
		closeCh:        make(chan struct{}),
	}
	s.data.PeerAddr = conn.RemoteAddr()
	s.data.Hostname = cfg.Hostname
	return s
}

// Data returns a copy of the session's current envelope/connection state,
// for use by EventHooks and tests.
func (s *Session) Data() SessionData { return s.data }

// RequestGracefulClose asks Serve to stop after its current command and
// report 421 on its next read opportunity. Safe to call from another
// goroutine (the listener's shutdown sweep) any number of times.
func (s *Session) RequestGracefulClose() {
	select {
	case <-s.closeCh:
	default:
		close(s.closeCh)
	}
}

// Serve owns the connection until the client quits, a protocol violation
// forces a close, or ctx is cancelled. It never panics out to the caller;
// any unexpected handler error is logged and treated as a close.
func (s *Session) Serve(ctx context.Context) {
	defer s.closeConn()
	defer func() {
		if r := recover(); r != nil {
			s.log.Msg("session panicked", "panic", r)
		}
	}()

	s.hooks.SessionStarted(s)
	defer s.hooks.SessionEnded(s)

	if s.cfg.ImplicitTLS {
		if err := s.upgradeImplicitTLS(ctx); err != nil {
			s.log.Error("implicit TLS handshake failed", err)
			return
		}
	}

	if err := s.writeLine(fmt.Sprintf("220 %s %s ready\r\n", s.cfg.Hostname, s.cfg.ServiceName)); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			_ = s.writeLine(FormatResponse(421, [3]int{4, 3, 2}, "Service shutting down"))
			return
		case <-s.closeCh:
			_ = s.writeLine(FormatResponse(421, [3]int{4, 3, 2}, "Service shutting down"))
			return
		default:
		}

		s.setDeadline(s.cfg.IdleTimeout)
		frame, err := s.framer.Next()
		if err != nil {
			s.handleFramerError(err)
			return
		}

		if frame.Kind == FrameBytes {
			if err := s.handleBDAT(ctx, frame); err != nil {
				s.finalizeErr(err)
				return
			}
			continue
		}

		if err := s.dispatchLine(ctx, frame.Line); err != nil {
			s.finalizeErr(err)
			return
		}
		if s.quit {
			return
		}
	}
}

func (s *Session) dispatchLine(ctx context.Context, line string) error {
	cmd, arg := splitCommand(line)
	switch strings.ToUpper(cmd) {
	case "HELO":
		return s.handleGreeting(ctx, arg, false)
	case "EHLO":
		return s.handleGreeting(ctx, arg, true)
	case "AUTH":
		return s.handleAUTH(ctx, arg)
	case "STARTTLS":
		return s.handleSTARTTLS(ctx)
	case "MAIL":
		return s.handleMAIL(ctx, arg)
	case "RCPT":
		return s.handleRCPT(ctx, arg)
	case "DATA":
		return s.handleDATA(ctx)
	case "RSET":
		return s.handleRSET()
	case "NOOP":
		return s.sendAndContinue(250, [3]int{2, 0, 0}, "OK")
	case "QUIT":
		s.quit = true
		return s.writeLine(FormatResponse(221, [3]int{2, 0, 0}, "Bye"))
	case "VRFY":
		if !s.cfg.EnableVRFY {
			return s.sendAndContinue(502, [3]int{5, 5, 1}, "VRFY not supported")
		}
		return s.sendAndContinue(252, [3]int{2, 5, 0}, "Cannot VRFY user, but will accept message")
	case "ETRN":
		if !s.cfg.EnableETRN {
			return s.sendAndContinue(502, [3]int{5, 5, 1}, "ETRN not supported")
		}
		return s.handleETRN(ctx, arg)
	case "EXPN":
		if !s.cfg.EnableEXPN {
			return s.sendAndContinue(502, [3]int{5, 5, 1}, "EXPN not supported")
		}
		return s.sendAndContinue(550, [3]int{5, 3, 4}, "EXPN not allowed")
	default:
		return s.sendAndContinue(500, [3]int{5, 5, 1}, "Unknown command")
	}
}

func (s *Session) handleGreeting(ctx context.Context, arg string, extended bool) error {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return s.sendAndContinue(501, [3]int{5, 5, 4}, "Syntax: HELO/EHLO hostname")
	}

	if s.curTxn != nil {
		s.curTxn.Abort(ctx)
		s.curTxn = nil
	}
	s.data.Ehlo = arg
	s.data.UsedEhlo = extended
	s.greeted = true
	s.data.ResetTransaction()
	s.bdatUsed = false
	s.dataUsed = false

	if !extended {
		return s.writeLine(FormatResponse(250, [3]int{}, fmt.Sprintf("%s greets %s", s.cfg.Hostname, arg)))
	}

	lines := []string{fmt.Sprintf("%s greets %s", s.cfg.Hostname, arg)}
	lines = append(lines, "PIPELINING", "8BITMIME", fmt.Sprintf("SIZE %d", s.cfg.MaxMessageSize), "CHUNKING")
	if s.cfg.EnableSTARTTLS && s.cfg.TLSConfig != nil && !s.data.TLSActive {
		lines = append(lines, "STARTTLS")
	}
	if s.auth != nil && s.auth.Enabled() && (s.data.TLSActive || s.cfg.InsecureAuth) {
		lines = append(lines, "AUTH PLAIN LOGIN")
	}
	lines = append(lines, "SMTPUTF8", "DSN")
	return s.writeLine(FormatResponse(250, [3]int{}, lines...))
}

func (s *Session) handleSTARTTLS(ctx context.Context) error {
	if !s.cfg.EnableSTARTTLS || s.cfg.TLSConfig == nil {
		return s.sendAndContinue(502, [3]int{5, 5, 1}, "STARTTLS not supported")
	}
	if s.data.TLSActive {
		return s.sendAndContinue(454, [3]int{}, "TLS already active")
	}

	pipelined := s.framer.Buffered() > 0
	if err := s.tlsUpgrader.Begin(pipelined); err != nil {
		return s.sendAndContinue(501, [3]int{5, 5, 1}, "STARTTLS not allowed with pipelined commands")
	}

	s.bp.BeginTLSUpgrade()
	if err := s.writeLine(FormatResponse(220, [3]int{}, "Ready to start TLS")); err != nil {
		s.tlsUpgrader.Abort()
		s.bp.EndTLSUpgrade()
		return err
	}

	pending, _ := s.br.Peek(s.br.Buffered())
	pendingCopy := append([]byte(nil), pending...)

	tlsConn, err := s.tlsUpgrader.Upgrade(ctx, s.conn, pendingCopy, s.cfg.TLSConfig)
	s.bp.EndTLSUpgrade()
	if err != nil {
		s.log.Error("TLS handshake failed", err)
		return err
	}

	s.conn = tlsConn
	s.br = bufio.NewReader(tlsConn)
	s.bw = bufio.NewWriter(tlsConn)
	s.framer = NewFramer(s.br)

	s.data.ResetForSTARTTLS()
	s.data.TLSActive = true
	s.greeted = false
	return nil
}

func (s *Session) upgradeImplicitTLS(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	tlsConn := tls.Server(s.conn, s.cfg.TLSConfig)
	if err := tlsConn.HandshakeContext(hctx); err != nil {
		return err
	}

	s.conn = tlsConn
	s.br = bufio.NewReader(tlsConn)
	s.bw = bufio.NewWriter(tlsConn)
	s.framer = NewFramer(s.br)
	s.data.TLSActive = true
	return nil
}

func (s *Session) handleAUTH(ctx context.Context, arg string) error {
	if s.auth == nil || !s.auth.Enabled() {
		return s.sendAndContinue(502, [3]int{5, 5, 1}, "AUTH not supported")
	}
	if s.data.Authenticated {
		return s.sendAndContinue(503, [3]int{5, 5, 1}, "Already authenticated")
	}
	if !s.data.TLSActive && !s.cfg.InsecureAuth {
		return s.sendAndContinue(538, [3]int{5, 7, 11}, "Encryption required for requested authentication mechanism")
	}

	fields := strings.Fields(arg)
	if len(fields) == 0 {
		return s.sendAndContinue(501, [3]int{5, 5, 4}, "Syntax: AUTH mechanism")
	}
	mech := strings.ToUpper(fields[0])

	var initial []byte
	if len(fields) > 1 {
		if fields[1] == "=" {
			initial = []byte{}
		} else {
			dec, err := base64.StdEncoding.DecodeString(fields[1])
			if err != nil {
				return s.sendAndContinue(501, [3]int{5, 5, 2}, "Invalid base64 data")
			}
			initial = dec
		}
	}

	var authedUser string
	var srv sasl.Server
	switch mech {
	case "PLAIN":
		srv = sasl.NewPlainServer(func(identity, username, password string) error {
			if identity != "" && identity != username {
				return errAuthInvalid
			}
			authedUser = username
			return s.verifyCredentials(ctx, username, password)
		})
	case "LOGIN":
		srv = sasllogin.NewLoginServer(func(username, password string) error {
			authedUser = username
			return s.verifyCredentials(ctx, username, password)
		})
	default:
		return s.sendAndContinue(504, [3]int{5, 5, 4}, "Unrecognized authentication mechanism")
	}

	err := s.runSASL(srv, initial)
	switch {
	case err == nil:
		s.data.Authenticated = true
		s.data.AuthenticatedUsername = authedUser
		s.data.AuthFailedAttempts = 0
		return s.writeLine(FormatResponse(235, [3]int{2, 7, 0}, "Authentication successful"))
	case errors.Is(err, errAuthLocked):
		return s.sendAndContinue(454, [3]int{4, 7, 0}, "Too many authentication failures")
	case errors.Is(err, errAuthCancelled):
		return s.sendAndContinue(501, [3]int{5, 5, 4}, "Authentication cancelled")
	default:
		s.data.AuthFailedAttempts++
		return s.sendAndContinue(535, [3]int{5, 7, 8}, "Authentication credentials invalid")
	}
}

func (s *Session) verifyCredentials(ctx context.Context, username, password string) error {
	key := authLimiterKey(s.data.PeerAddr, username)
	if s.authLimiter != nil {
		if _, locked := s.authLimiter.IsLocked(key); locked {
			return errAuthLocked
		}
	}

	ok, err := s.auth.Verify(ctx, username, password)
	if err != nil || !ok {
		if s.authLimiter != nil {
			s.authLimiter.RecordFailure(key)
		}
		return errAuthInvalid
	}

	if s.authLimiter != nil {
		s.authLimiter.ResetOnSuccess(key)
	}
	return nil
}

func authLimiterKey(addr net.Addr, username string) string {
	host := "-"
	if addr != nil {
		if h, _, err := net.SplitHostPort(addr.String()); err == nil {
			host = h
		} else {
			host = addr.String()
		}
	}
	return username + "\x00" + host
}

// runSASL drives a sasl.Server's challenge/response loop over the
// connection's line framer, the same contract internal/auth/sasl.go uses
// for its own callers.
func (s *Session) runSASL(srv sasl.Server, initial []byte) error {
	challenge, done, err := srv.Next(initial)
	for {
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if werr := s.writeLine(fmt.Sprintf("334 %s\r\n", base64.StdEncoding.EncodeToString(challenge))); werr != nil {
			return werr
		}
		frame, ferr := s.framer.Next()
		if ferr != nil {
			return ferr
		}
		if frame.Line == "*" {
			return errAuthCancelled
		}
		resp, decErr := base64.StdEncoding.DecodeString(frame.Line)
		if decErr != nil {
			return errAuthInvalid
		}
		challenge, done, err = srv.Next(resp)
	}
}

func (s *Session) handleMAIL(ctx context.Context, arg string) error {
	if !strings.HasPrefix(strings.ToUpper(arg), "FROM:") {
		return s.sendAndContinue(501, [3]int{5, 5, 4}, "Syntax: MAIL FROM:<address>")
	}
	if s.data.HasMailFrom {
		return s.sendAndContinue(503, [3]int{5, 5, 1}, "MAIL already given")
	}

	rest := strings.TrimSpace(arg[len("FROM:"):])
	addr, params, err := parsePathAndParams(rest)
	if err != nil {
		return s.sendAndContinue(501, [3]int{5, 5, 4}, "Malformed MAIL FROM")
	}

	ictx := s.interceptorContext(StageMail, "MAIL")
	if res := s.interceptors.Run(ctx, ictx); res.Decision != Proceed {
		return s.respondDenial(res)
	}

	if v, ok := params["SIZE"]; ok {
		n, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			return s.sendAndContinue(501, [3]int{5, 5, 4}, "Malformed SIZE parameter")
		}
		if s.cfg.MaxMessageSize > 0 && n > s.cfg.MaxMessageSize {
			return s.sendAndContinue(552, [3]int{5, 3, 4}, "Message size exceeds maximum permitted")
		}
		s.data.DeclaredSize = n
	}

	s.data.MailFrom = addr
	s.data.HasMailFrom = true
	if _, ok := params["SMTPUTF8"]; ok {
		s.data.SMTPUTF8 = true
	}
	if v, ok := params["RET"]; ok {
		s.data.DSNRet = strings.ToUpper(v)
	}
	if v, ok := params["ENVID"]; ok {
		s.data.DSNEnvID = v
	}

	s.curTxn = s.newTransaction()
	if err := s.curTxn.Init(ctx, s); err != nil {
		s.data.ResetTransaction()
		s.curTxn = nil
		return s.respondTransactionResult(err, "MAIL")
	}
	if err := s.curTxn.From(ctx, addr); err != nil {
		s.data.ResetTransaction()
		s.curTxn = nil
		return s.respondTransactionResult(err, "MAIL")
	}

	return s.writeLine(FormatResponse(250, [3]int{2, 1, 0}, "OK"))
}

func (s *Session) handleRCPT(ctx context.Context, arg string) error {
	if !s.data.HasMailFrom {
		return s.sendAndContinue(503, [3]int{5, 5, 1}, "MAIL required before RCPT")
	}
	if !strings.HasPrefix(strings.ToUpper(arg), "TO:") {
		return s.sendAndContinue(501, [3]int{5, 5, 4}, "Syntax: RCPT TO:<address>")
	}

	rest := strings.TrimSpace(arg[len("TO:"):])
	addr, params, err := parsePathAndParams(rest)
	if err != nil {
		return s.sendAndContinue(501, [3]int{5, 5, 4}, "Malformed RCPT TO")
	}

	ictx := s.interceptorContext(StageRcpt, "RCPT")
	if res := s.interceptors.Run(ctx, ictx); res.Decision != Proceed {
		return s.respondDenial(res)
	}

	if s.cfg.MaxRecipients > 0 && len(s.data.Recipients) >= s.cfg.MaxRecipients {
		return s.sendAndContinue(452, [3]int{4, 5, 3}, "Too many recipients")
	}

	if s.delivery != nil {
		if err := s.delivery.EvaluateRecipient(ctx, RecipientRequest{
			Sender:        s.data.MailFrom,
			Recipient:     addr,
			Authenticated: s.data.Authenticated,
			PeerAddr:      s.data.PeerAddr,
		}); err != nil {
			return s.respondTransactionResult(err, "RCPT")
		}
	}

	if err := s.curTxn.To(ctx, addr); err != nil {
		return s.respondTransactionResult(err, "RCPT")
	}

	dsn := RcptDSNOpts{}
	if v, ok := params["NOTIFY"]; ok {
		dsn.Notify = strings.Split(strings.ToUpper(v), ",")
	}
	if v, ok := params["ORCPT"]; ok {
		dsn.ORcpt = v
	}
	if s.data.RcptDSN == nil {
		s.data.RcptDSN = make(map[string]RcptDSNOpts)
	}
	s.data.RcptDSN[addr] = dsn
	s.data.Recipients = append(s.data.Recipients, addr)

	return s.writeLine(FormatResponse(250, [3]int{2, 1, 5}, "OK"))
}

func (s *Session) handleDATA(ctx context.Context) error {
	if !s.data.HasMailFrom || len(s.data.Recipients) == 0 {
		return s.sendAndContinue(503, [3]int{5, 5, 1}, "MAIL and RCPT required before DATA")
	}
	if s.bdatUsed {
		return s.protocolError(503, [3]int{5, 5, 1}, "DATA not allowed after BDAT")
	}

	ictx := s.interceptorContext(StageDataPre, "DATA")
	if res := s.interceptors.Run(ctx, ictx); res.Decision != Proceed {
		return s.respondDenial(res)
	}

	if err := s.writeLine(FormatResponse(354, [3]int{}, "End data with <CR><LF>.<CR><LF>")); err != nil {
		return err
	}
	s.dataUsed = true

	pr, pw := io.Pipe()
	txn := s.curTxn
	bodyCtx, cancel := context.WithTimeout(ctx, s.cfg.BodyTimeout)
	defer cancel()

	resultCh := make(chan error, 1)
	go func() {
		resultCh <- txn.Data(bodyCtx, pr, -1)
	}()

	s.framer.SetDataMode(true)
	var size int64
	var tooLarge bool
	for {
		frame, ferr := s.framer.Next()
		if ferr != nil {
			pw.CloseWithError(ferr)
			<-resultCh
			s.framer.SetDataMode(false)
			return ferr
		}
		line := frame.Line
		if line == "." {
			pw.Close()
			break
		}

		unstuffed := line
		if strings.HasPrefix(line, ".") {
			unstuffed = line[1:]
		}
		size += int64(len(unstuffed)) + 2
		if !tooLarge && s.cfg.MaxMessageSize > 0 && size > s.cfg.MaxMessageSize {
			tooLarge = true
			pw.CloseWithError(errors.New("message too large"))
		}
		if tooLarge {
			continue
		}
		if _, werr := pw.Write([]byte(unstuffed + "\r\n")); werr != nil {
			tooLarge = true
		}
	}
	s.framer.SetDataMode(false)

	var err error
	select {
	case err = <-resultCh:
	case <-bodyCtx.Done():
		err = bodyCtx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = &exterrors.SMTPError{Code: 451, EnhancedCode: [3]int{4, 3, 0}, Message: "Processing timeout"}
	}
	if err == nil && !tooLarge {
		err = txn.Done(ctx)
	}

	s.resetAfterBody()
	if tooLarge {
		return s.sendAndContinue(552, [3]int{5, 3, 4}, "Message size exceeds maximum permitted")
	}
	return s.respondTransactionResult(err, "DATA")
}

func (s *Session) handleBDAT(ctx context.Context, frame Frame) error {
	if s.dataUsed {
		return s.protocolError(503, [3]int{5, 5, 1}, "BDAT not allowed after DATA")
	}
	if !s.data.HasMailFrom || len(s.data.Recipients) == 0 {
		return s.protocolError(503, [3]int{5, 5, 1}, "MAIL and RCPT required before BDAT")
	}

	last := BDATIsLast(frame.Line)
	size := int64(len(frame.Data))

	if !s.bdatActive {
		ictx := s.interceptorContext(StageDataPre, "BDAT")
		if res := s.interceptors.Run(ctx, ictx); res.Decision != Proceed {
			return s.respondDenial(res)
		}

		s.bdatUsed = true
		s.bdatActive = true
		s.bdatSize = 0
		s.bdatChan = make(chan []byte, 1)
		s.bdatResult = make(chan error, 1)

		bodyCtx, cancel := context.WithTimeout(ctx, s.cfg.BodyTimeout)
		s.bdatCtx = bodyCtx
		s.bdatCancel = cancel

		txn := s.curTxn
		reader := newChanReader(s.bdatChan)
		go func() {
			s.bdatResult <- txn.Data(bodyCtx, reader, -1)
		}()
	}

	if !s.bp.ReserveChunk(size) {
		s.abortBDAT()
		return s.closeWithOverflow()
	}

	s.bdatSize += size
	if s.cfg.MaxMessageSize > 0 && s.bdatSize > s.cfg.MaxMessageSize {
		s.bp.ReleaseChunk(size)
		s.abortBDAT()
		return s.sendAndContinue(552, [3]int{5, 3, 4}, "Message size exceeds maximum permitted")
	}

	s.bdatChan <- frame.Data
	s.bp.ReleaseChunk(size)

	if !last {
		return s.writeLine(FormatResponse(250, [3]int{2, 0, 0}, fmt.Sprintf("%d bytes received", size)))
	}

	close(s.bdatChan)
	var err error
	select {
	case err = <-s.bdatResult:
	case <-s.bdatCtx.Done():
		err = s.bdatCtx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = &exterrors.SMTPError{Code: 451, EnhancedCode: [3]int{4, 3, 0}, Message: "Processing timeout"}
	}
	if err == nil {
		err = s.curTxn.Done(ctx)
	}
	s.bdatCancel()
	s.bdatActive = false
	s.resetAfterBody()
	return s.respondTransactionResult(err, "BDAT")
}

// abortBDAT tears down an in-flight BDAT handler fiber without reporting a
// final SMTP reply; the caller writes its own response afterward.
func (s *Session) abortBDAT() {
	if s.bdatChan != nil {
		close(s.bdatChan)
		<-s.bdatResult
	}
	if s.bdatCancel != nil {
		s.bdatCancel()
	}
	s.bdatActive = false
	s.resetAfterBody()
}

func (s *Session) handleRSET() error {
	if s.curTxn != nil {
		s.curTxn.Abort(context.Background())
		s.curTxn = nil
	}
	s.data.ResetTransaction()
	if s.cfg.ResetClearsAuth {
		s.data.Authenticated = false
		s.data.AuthenticatedUsername = ""
	}
	s.bdatUsed = false
	s.dataUsed = false
	return s.writeLine(FormatResponse(250, [3]int{2, 0, 0}, "OK"))
}

func (s *Session) handleETRN(ctx context.Context, arg string) error {
	domain := strings.TrimSpace(arg)
	if domain == "" {
		return s.sendAndContinue(501, [3]int{5, 5, 4}, "Syntax: ETRN domain")
	}
	if s.etrnHandler == nil {
		return s.sendAndContinue(458, [3]int{4, 3, 0}, "Unable to queue messages for node")
	}
	switch s.etrnHandler(ctx, domain) {
	case TriggerAccepted:
		return s.sendAndContinue(250, [3]int{2, 0, 0}, fmt.Sprintf("Queuing for node %s started", domain))
	case TriggerInvalidArgument:
		return s.sendAndContinue(501, [3]int{5, 1, 3}, "Invalid domain")
	default:
		return s.sendAndContinue(458, [3]int{4, 3, 0}, "Unable to queue messages for node")
	}
}

func (s *Session) resetAfterBody() {
	s.curTxn = nil
	s.data.ResetTransaction()
	s.bdatUsed = false
	s.dataUsed = false
}

func (s *Session) interceptorContext(stage InterceptorStage, cmd string) InterceptorContext {
	return InterceptorContext{
		Stage:              stage,
		Command:            cmd,
		Greeted:            s.greeted,
		TLSActive:          s.data.TLSActive,
		Authenticated:      s.data.Authenticated,
		RequireAuthForMail: s.cfg.RequireAuthForMail,
		MailFrom:           s.data.MailFrom,
		RecipientCount:     len(s.data.Recipients),
		PeerAddr:           s.data.PeerAddr,
	}
}

func (s *Session) respondDenial(res InterceptorResult) error {
	if err := s.writeLine(FormatResponse(res.Code, res.Enhanced, res.Message)); err != nil {
		return err
	}
	if res.Decision == Drop {
		return dropSignal{}
	}
	return nil
}

func (s *Session) respondTransactionResult(err error, stage string) error {
	if err == nil {
		s.hooks.MessageAccepted(s, s.data, stage)
		return s.writeLine(FormatResponse(250, [3]int{2, 0, 0}, "OK"))
	}

	var smtpErr *exterrors.SMTPError
	if errors.As(err, &smtpErr) {
		enh := smtpErr.EnhancedCode
		if !smtpErr.HasEnhancedCode() {
			enh = DefaultEnhanced(smtpErr.Code)
		}
		s.hooks.MessageRejected(s, smtpErr.Code, smtpErr.Message, stage)
		return s.writeLine(FormatResponse(smtpErr.Code, enh, smtpErr.Message))
	}

	s.log.Error(stage+" failed", err)
	s.hooks.MessageRejected(s, 451, "Transaction failed", stage)
	return s.writeLine(FormatResponse(451, [3]int{4, 3, 0}, "Transaction failed"))
}

func (s *Session) protocolError(code int, enh [3]int, msg string) error {
	_ = s.writeLine(FormatResponse(code, enh, msg))
	return closeSignal{reason: msg}
}

func (s *Session) closeWithOverflow() error {
	_ = s.writeLine(FormatResponse(421, [3]int{4, 4, 5}, "Insufficient channel resources, closing connection"))
	return closeSignal{reason: "inflight chunk cap exceeded"}
}

func (s *Session) writeLine(line string) error {
	if _, err := s.bw.WriteString(line); err != nil {
		return err
	}
	return s.bw.Flush()
}

func (s *Session) sendAndContinue(code int, enh [3]int, msg string) error {
	return s.writeLine(FormatResponse(code, enh, msg))
}

func (s *Session) setDeadline(d time.Duration) {
	if d > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(d))
	}
}

func (s *Session) handleFramerError(err error) {
	switch {
	case errors.Is(err, ErrLineTooLong):
		_ = s.writeLine(FormatResponse(500, [3]int{5, 5, 2}, "Line too long"))
	case errors.Is(err, ErrChunkTooLong):
		_ = s.writeLine(FormatResponse(500, [3]int{5, 5, 2}, "BDAT chunk too long"))
	case isTimeout(err):
		_ = s.writeLine(FormatResponse(421, [3]int{4, 4, 2}, "Idle timeout exceeded"))
	case errors.Is(err, io.EOF):
	default:
		s.log.Error("framer error", err)
	}
}

func (s *Session) finalizeErr(err error) {
	var cs closeSignal
	var ds dropSignal
	if errors.As(err, &cs) || errors.As(err, &ds) {
		return
	}
	if errors.Is(err, io.EOF) || isTimeout(err) {
		return
	}
	s.log.Error("session error", err)
}

func (s *Session) closeConn() {
	if s.curTxn != nil {
		s.curTxn.Abort(context.Background())
	}
	_ = s.conn.Close()
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func splitCommand(line string) (cmd, arg string) {
	line = strings.TrimRight(line, " \t")
	idx := strings.IndexAny(line, " \t")
	if idx < 0 {
		return line, ""
	}
	return line[:idx], strings.TrimSpace(line[idx+1:])
}

// parsePathAndParams splits "<addr> [PARAM=VAL ...]" (or a bare addr with
// no angle brackets, which some legacy clients send) into the path and an
// uppercase-keyed parameter map.
func parsePathAndParams(s string) (string, map[string]string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", nil, errors.New("empty path")
	}

	var path, rest string
	if s[0] == '<' {
		idx := strings.IndexByte(s, '>')
		if idx < 0 {
			return "", nil, errors.New("unterminated path")
		}
		path = s[1:idx]
		rest = strings.TrimSpace(s[idx+1:])
	} else {
		fields := strings.SplitN(s, " ", 2)
		path = fields[0]
		if len(fields) == 2 {
			rest = fields[1]
		}
	}

	params := make(map[string]string)
	for _, tok := range strings.Fields(rest) {
		kv := strings.SplitN(tok, "=", 2)
		if len(kv) == 2 {
			params[strings.ToUpper(kv[0])] = kv[1]
		} else {
			params[strings.ToUpper(kv[0])] = ""
		}
	}
	return path, params, nil
}
