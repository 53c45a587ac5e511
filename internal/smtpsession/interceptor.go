package smtpsession

import (
	"context"
	"net"
	"sort"
)

type InterceptorDecision int

const (
	Proceed InterceptorDecision = iota
	Deny
	Drop
)

type InterceptorResult struct {
	Decision InterceptorDecision
	Code     int
	Enhanced [3]int
	Message  string
}

type InterceptorStage int

const (
	StageMail InterceptorStage = iota
	StageRcpt
	StageDataPre
)

// InterceptorContext is the read-only snapshot passed to the policy chain
// for every MAIL/RCPT/DATA command.
type InterceptorContext struct {
	Stage              InterceptorStage
	Command            string
	Greeted            bool
	TLSActive          bool
	Authenticated      bool
	RequireAuthForMail bool
	MailFrom           string
	RecipientCount     int
	PeerAddr           net.Addr
}

// Interceptor is consulted in ascending Order, then insertion index, before
// MAIL/RCPT/DATA are executed.
type Interceptor interface {
	Order() int
	Check(ctx context.Context, ictx InterceptorContext) InterceptorResult
}

// InterceptorChain runs an ordered list of Interceptors, short-circuiting on
// the first non-Proceed result.
type InterceptorChain struct {
	interceptors []Interceptor
}

func NewInterceptorChain(interceptors ...Interceptor) *InterceptorChain {
	chain := &InterceptorChain{interceptors: append([]Interceptor(nil), interceptors...)}
	sort.SliceStable(chain.interceptors, func(i, j int) bool {
		return chain.interceptors[i].Order() < chain.interceptors[j].Order()
	})
	return chain
}

func (c *InterceptorChain) Run(ctx context.Context, ictx InterceptorContext) InterceptorResult {
	for _, it := range c.interceptors {
		if res := it.Check(ctx, ictx); res.Decision != Proceed {
			return res
		}
	}
	return InterceptorResult{Decision: Proceed}
}

// DefaultInterceptor implements the baseline ordering rules and
// always runs first (Order returns -1 << 31, math.MinInt32).
type DefaultInterceptor struct{}

func (DefaultInterceptor) Order() int { return -1 << 31 }

func (DefaultInterceptor) Check(_ context.Context, ictx InterceptorContext) InterceptorResult {
	switch ictx.Stage {
	case StageMail:
		if !ictx.Greeted {
			return deny(503, [3]int{5, 5, 1}, "EHLO/HELO required before MAIL")
		}
		if ictx.RequireAuthForMail && !(ictx.TLSActive && ictx.Authenticated) {
			return deny(530, [3]int{5, 7, 0}, "Authentication required")
		}
	case StageRcpt:
		if ictx.MailFrom == "" {
			return deny(503, [3]int{5, 5, 1}, "MAIL FROM required before RCPT")
		}
	case StageDataPre:
		if ictx.MailFrom == "" || ictx.RecipientCount == 0 {
			return deny(503, [3]int{5, 5, 1}, "RCPT TO required before DATA")
		}
	}
	return InterceptorResult{Decision: Proceed}
}

func deny(code int, enh [3]int, msg string) InterceptorResult {
	return InterceptorResult{Decision: Deny, Code: code, Enhanced: enh, Message: msg}
}
