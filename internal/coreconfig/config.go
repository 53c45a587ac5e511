// Package coreconfig loads the mxrelay top-level configuration file (the
// teacher's Maddyfile-style directive blocks, trimmed to the directive set
// this module actually needs) and turns it into the plain Go values the
// Session Engine, Relay/Delivery Orchestrator, Spool Engine and Transaction
// Handler are constructed from.
package coreconfig

import (
	"fmt"
	"io"
	"time"

	"github.com/mxrelay/mxrelay/framework/cfgparser"
	"github.com/mxrelay/mxrelay/framework/config"
)

// ListenerConfig is one "listen" block: a socket plus its per-port policy.
type ListenerConfig struct {
	Address            string
	ImplicitTLS        bool
	EnableSTARTTLS     bool
	RequireAuthForMail bool
	InsecureAuth       bool
	IdleTimeoutSeconds int
	ProxyProtocol      bool
}

// TLSConfig is the static cert/key pair and minimum version; no ACME
// component is part of this module (see DESIGN.md).
type TLSConfig struct {
	CertFile          string
	KeyFile           string
	MinVersion        string
	HandshakeTimeoutMs int
}

// SpoolConfig names the Spool Engine's backend and tuning knobs.
type SpoolConfig struct {
	Type                  string // "file", "kv", or "sql"
	Dir                   string // used by "file"; also the sqlite path for "sql"
	MaxRetries            int
	RetryDelaySeconds     int
	TriggerCooldownMillis int
	WorkerConcurrency     int
}

// RelayConfig is the outbound relay policy: whether relaying is enabled at
// all, whether it requires authentication, and which senders/clients and
// outbound TLS/policy rules apply.
type RelayConfig struct {
	Enabled              bool
	RequireAuthForRelay  bool
	AllowedSenderDomains []string
	AllowedClientCIDRs   []string
	OutboundPolicy       string // "open" or "authenticated-only"
}

// FeatureFlags toggles the three optional SMTP verbs.
type FeatureFlags struct {
	VRFY bool
	ETRN bool
	EXPN bool
}

// Config is the fully parsed configuration for one mxrelay process.
type Config struct {
	Hostname     string
	DomainName   string
	StateDir     string
	LocalDomains []string
	MetricsAddr  string

	Listeners []ListenerConfig
	TLS       TLSConfig
	Spool     SpoolConfig
	Relay     RelayConfig
	Features  FeatureFlags

	GracefulShutdownTimeoutMs int
	ResetClearsAuth           bool
}

func defaults() Config {
	return Config{
		Hostname: "localhost",
		Spool: SpoolConfig{
			Type:                  "file",
			Dir:                   "/var/spool/mxrelay",
			MaxRetries:            5,
			RetryDelaySeconds:     60,
			TriggerCooldownMillis: 1000,
			WorkerConcurrency:     4,
		},
		TLS: TLSConfig{
			MinVersion:         "tls1.2",
			HandshakeTimeoutMs: 30000,
		},
		Relay: RelayConfig{
			OutboundPolicy: "authenticated-only",
		},
		GracefulShutdownTimeoutMs: 10000,
	}
}

// Load reads and parses a configuration file at path.
func Load(r io.Reader, path string) (Config, error) {
	nodes, err := cfgparser.Read(r, path)
	if err != nil {
		return Config{}, fmt.Errorf("coreconfig: %w", err)
	}
	return parse(nodes)
}

func parse(nodes []config.Node) (Config, error) {
	cfg := defaults()

	// "listen" is repeatable, so it is pulled out before building the Map
	// (config.Map.Process rejects duplicate directives by name).
	var rest []config.Node
	for _, n := range nodes {
		if n.Name == "listen" {
			l, err := parseListener(n)
			if err != nil {
				return Config{}, err
			}
			cfg.Listeners = append(cfg.Listeners, l)
			continue
		}
		rest = append(rest, n)
	}

	m := config.NewMap(nil, config.Node{Children: rest})
	m.String("hostname", false, false, cfg.Hostname, &cfg.Hostname)
	m.String("domain", false, false, cfg.DomainName, &cfg.DomainName)
	m.String("state_dir", false, false, cfg.StateDir, &cfg.StateDir)
	m.StringList("local_domains", false, false, nil, &cfg.LocalDomains)
	m.String("metrics_addr", false, false, "", &cfg.MetricsAddr)
	m.Int("graceful_shutdown_timeout_ms", false, false, cfg.GracefulShutdownTimeoutMs, &cfg.GracefulShutdownTimeoutMs)
	m.Bool("reset_clears_auth", false, false, &cfg.ResetClearsAuth)

	m.Callback("tls", func(_ *config.Map, n config.Node) error {
		return parseBlock(n, func(bm *config.Map) {
			bm.String("cert", false, true, "", &cfg.TLS.CertFile)
			bm.String("key", false, true, "", &cfg.TLS.KeyFile)
			bm.String("min_version", false, false, cfg.TLS.MinVersion, &cfg.TLS.MinVersion)
			bm.Int("handshake_timeout_ms", false, false, cfg.TLS.HandshakeTimeoutMs, &cfg.TLS.HandshakeTimeoutMs)
		})
	})

	m.Callback("spool", func(_ *config.Map, n config.Node) error {
		return parseBlock(n, func(bm *config.Map) {
			bm.String("type", false, false, cfg.Spool.Type, &cfg.Spool.Type)
			bm.String("dir", false, false, cfg.Spool.Dir, &cfg.Spool.Dir)
			bm.Int("max_retries", false, false, cfg.Spool.MaxRetries, &cfg.Spool.MaxRetries)
			bm.Int("retry_delay_seconds", false, false, cfg.Spool.RetryDelaySeconds, &cfg.Spool.RetryDelaySeconds)
			bm.Int("trigger_cooldown_millis", false, false, cfg.Spool.TriggerCooldownMillis, &cfg.Spool.TriggerCooldownMillis)
			bm.Int("worker_concurrency", false, false, cfg.Spool.WorkerConcurrency, &cfg.Spool.WorkerConcurrency)
		})
	})

	m.Callback("relay", func(_ *config.Map, n config.Node) error {
		return parseBlock(n, func(bm *config.Map) {
			bm.Bool("enabled", false, false, &cfg.Relay.Enabled)
			bm.Bool("require_auth_for_relay", false, true, &cfg.Relay.RequireAuthForRelay)
			bm.StringList("allowed_sender_domains", false, false, nil, &cfg.Relay.AllowedSenderDomains)
			bm.StringList("allowed_client_cidrs", false, false, nil, &cfg.Relay.AllowedClientCIDRs)
			bm.String("outbound_policy", false, false, cfg.Relay.OutboundPolicy, &cfg.Relay.OutboundPolicy)
		})
	})

	m.Callback("features", func(_ *config.Map, n config.Node) error {
		return parseBlock(n, func(bm *config.Map) {
			bm.Bool("vrfy", false, false, &cfg.Features.VRFY)
			bm.Bool("etrn", false, true, &cfg.Features.ETRN)
			bm.Bool("expn", false, false, &cfg.Features.EXPN)
		})
	})

	if _, err := m.Process(); err != nil {
		return Config{}, fmt.Errorf("coreconfig: %w", err)
	}
	return cfg, nil
}

// parseBlock runs bind against a synthetic Map scoped to n's children, the
// same pattern config.Map.Custom callbacks use for nested blocks.
func parseBlock(n config.Node, bind func(*config.Map)) error {
	bm := config.NewMap(nil, n)
	bind(bm)
	_, err := bm.Process()
	return err
}

func parseListener(n config.Node) (ListenerConfig, error) {
	if len(n.Args) != 1 {
		return ListenerConfig{}, config.NodeErr(n, "listen: expected exactly one address argument")
	}
	l := ListenerConfig{Address: n.Args[0], IdleTimeoutSeconds: 300}
	err := parseBlock(config.Node{Children: n.Children}, func(bm *config.Map) {
		bm.Bool("implicit_tls", false, false, &l.ImplicitTLS)
		bm.Bool("start_tls", false, true, &l.EnableSTARTTLS)
		bm.Bool("require_auth_for_mail", false, false, &l.RequireAuthForMail)
		bm.Bool("insecure_auth", false, false, &l.InsecureAuth)
		bm.Int("idle_timeout_seconds", false, false, l.IdleTimeoutSeconds, &l.IdleTimeoutSeconds)
		bm.Bool("proxy_protocol", false, false, &l.ProxyProtocol)
	})
	if err != nil {
		return ListenerConfig{}, err
	}
	return l, nil
}

func (c Config) RetryDelay() time.Duration {
	return time.Duration(c.Spool.RetryDelaySeconds) * time.Second
}

func (c Config) TriggerCooldown() time.Duration {
	return time.Duration(c.Spool.TriggerCooldownMillis) * time.Millisecond
}

func (c Config) GracefulShutdownTimeout() time.Duration {
	return time.Duration(c.GracefulShutdownTimeoutMs) * time.Millisecond
}
