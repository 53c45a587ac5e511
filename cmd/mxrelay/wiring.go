package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"time"

	proxyprotocol "github.com/mxrelay/mxrelay/internal/proxy_protocol"

	"github.com/mxrelay/mxrelay/framework/log"
	"github.com/mxrelay/mxrelay/internal/coreconfig"
	"github.com/mxrelay/mxrelay/internal/delivery"
	"github.com/mxrelay/mxrelay/internal/relay"
	"github.com/mxrelay/mxrelay/internal/smtpsession"
	"github.com/mxrelay/mxrelay/internal/spool"
)

// application bundles the pieces runCmd needs to start and stop serving.
type application struct {
	server        *smtpsession.Server
	listenerSpecs []smtpsession.ListenerSpec
	spooler       *spool.Spooler
}

// wireApp builds the Session Engine, Relay/Delivery Orchestrator, Spool
// Engine and Transaction Handler from one parsed Config and connects them:
// each component here is the single concrete implementation this module
// ships, rather than one of several interchangeable modules picked by a
// plugin registry.
func wireApp(cfg coreconfig.Config, tlsConfig *tls.Config, logger log.Logger) (*application, error) {
	localDomains := domainSet(cfg.LocalDomains)

	store, lockMgr, err := buildSpoolStore(cfg.Spool)
	if err != nil {
		return nil, err
	}

	msgStore, err := buildMessageStore(cfg.Spool)
	if err != nil {
		return nil, err
	}

	resolver, err := relay.NewMXResolver()
	if err != nil {
		return nil, fmt.Errorf("building MX resolver: %w", err)
	}
	direct := relay.NewDirectRelay(resolver, cfg.Hostname, logger)

	dsnSender := &spool.PipelineDsnSender{
		Hostname:     cfg.Hostname,
		DomainName:   cfg.DomainName,
		MessageStore: msgStore,
		Queue:        store,
	}

	spoolerCfg := spool.Config{
		RetryDelay:        cfg.RetryDelay(),
		MaxRetries:        cfg.Spool.MaxRetries,
		TriggerCooldown:   cfg.TriggerCooldown(),
		WorkerConcurrency: cfg.Spool.WorkerConcurrency,
	}
	spooler := spool.NewSpooler(spoolerCfg, store, lockMgr, direct, msgStore, dsnSender, logger)

	var accessPolicy relay.AccessPolicy = relay.AuthenticatedOnlyPolicy{}
	if !cfg.Relay.Enabled {
		accessPolicy = denyAllPolicy{}
	} else if cfg.Relay.OutboundPolicy == "open" && !cfg.Relay.RequireAuthForRelay {
		accessPolicy = relay.OpenRelayPolicy{}
	}
	router := relay.NewRouter(localDomains, accessPolicy)

	mailbox := delivery.NewMaildirMailbox(filepath.Join(cfg.StateDir, "mail"), cfg.Hostname)
	txFactory := &delivery.Factory{
		Hostname:     cfg.Hostname,
		ServerName:   cfg.Hostname,
		MessageStore: msgStore,
		Spool:        store,
		LocalDomains: localDomains,
		LocalMailbox: mailbox,
	}

	collabs := smtpsession.Collaborators{
		Delivery:       router,
		NewTransaction: txFactory.New,
		Hooks:          smtpsession.NewHookDispatcher(),
		ETRNHandler: func(ctx context.Context, domain string) smtpsession.TriggerResult {
			return etrnResultFrom(spooler.Trigger(false, domain))
		},
		Logger: logger,
	}

	server := smtpsession.NewServer(sessionConfig(cfg, tlsConfig, localDomains), collabs, logger)

	specs, err := buildListenerSpecs(cfg.Listeners, logger)
	if err != nil {
		return nil, err
	}

	return &application{server: server, listenerSpecs: specs, spooler: spooler}, nil
}

func sessionConfig(cfg coreconfig.Config, tlsConfig *tls.Config, localDomains func(string) bool) smtpsession.Config {
	sc := smtpsession.DefaultConfig()
	sc.Hostname = cfg.Hostname
	sc.TLSConfig = tlsConfig
	sc.EnableSTARTTLS = tlsConfig != nil
	sc.HandshakeTimeout = time.Duration(cfg.TLS.HandshakeTimeoutMs) * time.Millisecond
	sc.EnableVRFY = cfg.Features.VRFY
	sc.EnableETRN = cfg.Features.ETRN
	sc.EnableEXPN = cfg.Features.EXPN
	sc.LocalDomains = localDomains
	sc.ResetClearsAuth = cfg.ResetClearsAuth
	if len(cfg.Listeners) > 0 {
		sc.RequireAuthForMail = cfg.Listeners[0].RequireAuthForMail
		sc.InsecureAuth = cfg.Listeners[0].InsecureAuth
		sc.IdleTimeout = time.Duration(cfg.Listeners[0].IdleTimeoutSeconds) * time.Second
	}
	return sc
}

func buildListenerSpecs(listeners []coreconfig.ListenerConfig, logger log.Logger) ([]smtpsession.ListenerSpec, error) {
	var specs []smtpsession.ListenerSpec
	for _, l := range listeners {
		spec := smtpsession.ListenerSpec{
			Network:     "tcp",
			Address:     l.Address,
			ImplicitTLS: l.ImplicitTLS,
		}
		if l.ProxyProtocol {
			spec.ProxyProtocol = &proxyprotocol.ProxyProtocol{}
		}
		specs = append(specs, spec)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("at least one listen directive is required")
	}
	return specs, nil
}

func buildSpoolStore(cfg coreconfig.SpoolConfig) (spool.Store, spool.LockManager, error) {
	switch cfg.Type {
	case "", "file":
		store, err := spool.NewFileStore(cfg.Dir)
		if err != nil {
			return nil, nil, fmt.Errorf("opening file spool: %w", err)
		}
		return store, spool.NewFileLockManager(filepath.Join(cfg.Dir, "locks")), nil
	case "kv":
		store := spool.NewKVStore(spool.NewInProcessKV(), "mxrelay")
		return store, spool.NewInProcessLockManager(), nil
	case "sql":
		store, err := spool.NewSQLStore(cfg.Dir)
		if err != nil {
			return nil, nil, fmt.Errorf("opening sql spool: %w", err)
		}
		return store, spool.NewInProcessLockManager(), nil
	default:
		return nil, nil, fmt.Errorf("unknown spool type %q", cfg.Type)
	}
}

func buildMessageStore(cfg coreconfig.SpoolConfig) (spool.MessageStore, error) {
	return spool.NewFileMessageStore(filepath.Join(cfg.Dir, "bodies")), nil
}

func domainSet(domains []string) func(string) bool {
	set := make(map[string]struct{}, len(domains))
	for _, d := range domains {
		set[strings.ToLower(d)] = struct{}{}
	}
	return func(domain string) bool {
		_, ok := set[strings.ToLower(domain)]
		return ok
	}
}

func etrnResultFrom(r spool.TriggerResult) smtpsession.TriggerResult {
	switch r {
	case spool.TriggerAccepted:
		return smtpsession.TriggerAccepted
	case spool.TriggerInvalidArgument:
		return smtpsession.TriggerInvalidArgument
	default:
		return smtpsession.TriggerUnavailable
	}
}

// denyAllPolicy rejects every external recipient; used when the relay
// component is disabled entirely (mail is accepted only for local domains).
type denyAllPolicy struct{}

func (denyAllPolicy) Evaluate(_ context.Context, _, _ string, _ bool, _ net.Addr) error {
	return fmt.Errorf("relay: outbound relay is disabled")
}
