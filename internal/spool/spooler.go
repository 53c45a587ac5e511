package spool

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/mxrelay/mxrelay/framework/address"
	"github.com/mxrelay/mxrelay/framework/exterrors"
	"github.com/mxrelay/mxrelay/framework/log"
	"github.com/mxrelay/mxrelay/internal/relay"
)

// Config tunes the Spooler Loop's periodic sweep and backoff schedule.
type Config struct {
	RetryDelay       time.Duration // base of the backoff formula; also the sweep period
	MaxRetries       int
	TriggerCooldown  time.Duration
	WorkerConcurrency int
}

func (c Config) withDefaults() Config {
	if c.RetryDelay <= 0 {
		c.RetryDelay = 60 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.TriggerCooldown <= 0 {
		c.TriggerCooldown = time.Second
	}
	if c.WorkerConcurrency <= 0 {
		c.WorkerConcurrency = 4
	}
	return c
}

// Spooler is the process-wide scheduler: a periodic sweep (default every
// RetryDelay) plus a Coalescer-driven triggered sweep, both serialized
// against each other by sweepMu so a trigger never races a periodic tick
// over the same message.
type Spooler struct {
	cfg   Config
	store Store
	locks LockManager
	relay relay.MailRelay
	msgs  MessageStore
	dsn   DsnSender
	log   log.Logger

	coalescer *Coalescer

	sweepMu sync.Mutex
	sem     chan struct{}

	stop chan struct{}
	done chan struct{}
}

func NewSpooler(cfg Config, store Store, locks LockManager, mailRelay relay.MailRelay, msgs MessageStore, dsnSender DsnSender, logger log.Logger) *Spooler {
	cfg = cfg.withDefaults()
	s := &Spooler{
		cfg:   cfg,
		store: store,
		locks: locks,
		relay: mailRelay,
		msgs:  msgs,
		dsn:   dsnSender,
		log:   logger,
		sem:   make(chan struct{}, cfg.WorkerConcurrency),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	s.coalescer = NewCoalescer(s.runSweep)
	return s
}

// Trigger requests an out-of-band sweep, coalesced with any already in
// flight. Domain must be IDNA-normalized ASCII; an empty Domain with
// full=false is rejected.
func (s *Spooler) Trigger(full bool, domain string) TriggerResult {
	return s.coalescer.Submit(Scope{Full: full, Domain: domain})
}

// Run starts the periodic sweep loop; it blocks until Stop is called.
func (s *Spooler) Run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.RetryDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.runSweep(Scope{Full: true})
		}
	}
}

func (s *Spooler) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Spooler) runSweep(scope Scope) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	ctx := context.Background()
	due, err := s.store.ListDue(ctx, time.Now(), 0)
	if err != nil {
		s.log.Error("listDue failed", err)
		return
	}
	queueLength.Set(float64(len(due)))

	var wg sync.WaitGroup
	for _, meta := range due {
		token, ok, err := s.locks.TryLock(ctx, meta.ID)
		if err != nil {
			s.log.Error("tryLock failed", err, "id", meta.ID)
			continue
		}
		if !ok {
			continue
		}

		wg.Add(1)
		s.sem <- struct{}{}
		go func(meta Metadata, token string) {
			defer wg.Done()
			defer func() { <-s.sem }()
			defer s.locks.Unlock(ctx, meta.ID, token)
			s.processMessage(ctx, meta, scope)
		}(meta, token)
	}
	wg.Wait()

	if err := s.locks.PurgeOrphaned(ctx); err != nil {
		s.log.Error("purgeOrphaned failed", err)
	}
}

// processMessage implements the per-message algorithm: reread under lock,
// pick the scoped recipient subset, deliver to each, classify failures,
// and either retire the message, persist a partial retry, or drop it with
// a final DSN.
func (s *Spooler) processMessage(ctx context.Context, meta Metadata, scope Scope) {
	meta, err := s.store.Read(ctx, meta.ID)
	if err != nil {
		s.log.Error("re-reading metadata under lock failed", err, "id", meta.ID)
		return
	}

	recipientsToProcess := meta.Recipients
	attemptedAll := true
	if scope.Domain != "" {
		var scoped []string
		for _, r := range meta.Recipients {
			if domainMatches(r, scope.Domain) {
				scoped = append(scoped, r)
			}
		}
		recipientsToProcess = scoped
		attemptedAll = len(scoped) == len(meta.Recipients)
	}

	if len(recipientsToProcess) == 0 {
		return
	}

	body, err := s.msgs.Open(ctx, meta.RawRef)
	if err != nil {
		s.log.Error("opening spooled body failed", err, "id", meta.ID)
		return
	}

	var delivered, permanentFailures []string
	transientFailures := map[string]error{}

	for _, rcpt := range recipientsToProcess {
		res, err := s.relay.Deliver(ctx, meta.Sender, rcpt, body)
		outcome := deliveryOutcome(res, err)
		if outcome == nil {
			delivered = append(delivered, rcpt)
			deliveredTotal.Inc()
			continue
		}
		if Classify(outcome) {
			permanentFailures = append(permanentFailures, rcpt)
			permanentFailuresTotal.Inc()
			if meta.LastErrors == nil {
				meta.LastErrors = map[string]string{}
			}
			meta.LastErrors[rcpt] = outcome.Error()
		} else {
			transientFailures[rcpt] = outcome
			transientFailuresTotal.Inc()
		}
	}

	meta.Recipients = remaining(meta.Recipients, delivered, permanentFailures)

	if len(permanentFailures) > 0 {
		s.emitPermanentDSN(ctx, meta, permanentFailures, transientFailures)
	}

	if len(meta.Recipients) == 0 {
		if err := s.msgs.Remove(ctx, meta.RawRef); err != nil {
			s.log.Error("removing spooled body failed", err, "id", meta.ID)
		}
		if err := s.store.Remove(ctx, meta.ID); err != nil {
			s.log.Error("removing metadata failed", err, "id", meta.ID)
		}
		return
	}

	if len(transientFailures) == 0 {
		if err := s.store.Write(ctx, meta); err != nil {
			s.log.Error("writing metadata failed", err, "id", meta.ID)
		}
		return
	}

	if !attemptedAll {
		// Domain-scoped partial run: don't penalize untargeted recipients
		// by advancing attempt/nextAttemptAt for them.
		if err := s.store.Write(ctx, meta); err != nil {
			s.log.Error("writing metadata failed", err, "id", meta.ID)
		}
		return
	}

	meta.Attempt++
	if meta.Attempt >= s.cfg.MaxRetries {
		droppedTotal.Inc()
		var failed []FailedRecipient
		for rcpt, err := range transientFailures {
			failed = append(failed, FailedRecipient{Recipient: rcpt, Err: err})
		}
		if s.dsn != nil {
			if err := s.dsn.SendPermanentFailure(ctx, meta.Sender, failed, meta.MessageID, meta.DSNEnvID); err != nil {
				s.log.Error("sending final DSN failed", err, "id", meta.ID)
			}
		}
		if err := s.msgs.Remove(ctx, meta.RawRef); err != nil {
			s.log.Error("removing spooled body failed", err, "id", meta.ID)
		}
		if err := s.store.Remove(ctx, meta.ID); err != nil {
			s.log.Error("removing metadata failed", err, "id", meta.ID)
		}
		return
	}

	meta.NextAttemptAt = time.Now().Add(backoff(s.cfg.RetryDelay, meta.Attempt))
	if err := s.store.Write(ctx, meta); err != nil {
		s.log.Error("writing metadata failed", err, "id", meta.ID)
	}
}

func (s *Spooler) emitPermanentDSN(ctx context.Context, meta Metadata, permanentFailures []string, transientFailures map[string]error) {
	if s.dsn == nil {
		return
	}
	var failed []FailedRecipient
	for _, rcpt := range permanentFailures {
		if !notifyPermitsFailure(meta.RcptDSN[rcpt]) {
			continue
		}
		err := transientFailures[rcpt]
		if err == nil {
			err = errors.New(meta.LastErrors[rcpt])
		}
		failed = append(failed, FailedRecipient{Recipient: rcpt, Err: err})
	}
	if len(failed) == 0 {
		return
	}
	if err := s.dsn.SendPermanentFailure(ctx, meta.Sender, failed, meta.MessageID, meta.DSNEnvID); err != nil {
		s.log.Error("sending partial DSN failed", err, "id", meta.ID)
	}
}

// backoff implements delay = min(600, base*2^(attempt-1)) * jitter,
// jitter uniform in [0.8, 1.2), result clamped to >= base.
func backoff(base time.Duration, attempt int) time.Duration {
	capped := base * (1 << uint(attempt-1))
	if capped > 600*time.Second {
		capped = 600 * time.Second
	}
	jitter := 0.8 + rand.Float64()*0.4
	delay := time.Duration(float64(capped) * jitter)
	if delay < base {
		delay = base
	}
	return delay
}

func domainMatches(recipient, domain string) bool {
	_, rcptDomain, err := address.Split(recipient)
	if err != nil {
		return false
	}
	cleaned, err := address.CleanDomain(domain)
	if err != nil {
		return false
	}
	return strings.EqualFold(rcptDomain, cleaned)
}

func remaining(all, delivered, permanent []string) []string {
	drop := map[string]struct{}{}
	for _, r := range delivered {
		drop[r] = struct{}{}
	}
	for _, r := range permanent {
		drop[r] = struct{}{}
	}
	var out []string
	for _, r := range all {
		if _, ok := drop[r]; !ok {
			out = append(out, r)
		}
	}
	return out
}

func notifyPermitsFailure(opts RcptDSNOpts) bool {
	if len(opts.Notify) == 0 {
		return true
	}
	hasFailure := false
	for _, n := range opts.Notify {
		if strings.EqualFold(n, "NEVER") {
			return false
		}
		if strings.EqualFold(n, "FAILURE") {
			hasFailure = true
		}
	}
	return hasFailure
}

// deliveryOutcome turns a relay attempt into a single classifiable error:
// nil on success, the transport error verbatim on a connection-level
// failure, or an *exterrors.SMTPError carrying the remote's own response
// code so Classify can apply the 5xx/4xx split to it.
func deliveryOutcome(res relay.DeliveryResult, err error) error {
	if err != nil {
		return err
	}
	if res.Accepted {
		return nil
	}
	return &exterrors.SMTPError{Code: res.Code, Message: res.Message}
}
