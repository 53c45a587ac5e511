package smtpsession

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/mxrelay/mxrelay/framework/log"
	"github.com/mxrelay/mxrelay/internal/proxy_protocol"
)

// ListenerSpec describes one socket the Server should bind and serve, e.g.
// plaintext 25, implicit-TLS 465, or a PROXY-protocol-fronted submission
// port. Multiple specs share one Server (and its session bookkeeping) so a
// single process can expose all three at once, mirroring how a mail
// exchanger's smtp/submission/submissions endpoints are really deployed.
type ListenerSpec struct {
	Network       string // "tcp", "tcp4", "tcp6", or "unix"
	Address       string
	ImplicitTLS   bool
	ProxyProtocol *proxy_protocol.ProxyProtocol
}

// Server accepts connections across any number of ListenerSpecs and drives
// each with its own Session, tracking every live session so Shutdown can
// ask them all to close gracefully instead of cutting connections off
// mid-transaction.
type Server struct {
	Config        Config
	Collaborators Collaborators
	Log           log.Logger

	mu        sync.Mutex
	listeners []net.Listener
	sessions  map[*Session]struct{}
	wg        sync.WaitGroup

	closing int32
}

func NewServer(cfg Config, collabs Collaborators, logger log.Logger) *Server {
	return &Server{
		Config:        cfg,
		Collaborators: collabs,
		Log:           logger,
		sessions:      make(map[*Session]struct{}),
	}
}

// ListenAndServe binds every spec and starts an accept loop for each,
// returning once all listeners are bound (serving itself happens on
// background goroutines, one per listener). A bind failure on any spec
// closes whatever already bound and returns the error.
func (srv *Server) ListenAndServe(specs []ListenerSpec) error {
	for _, spec := range specs {
		l, err := net.Listen(spec.Network, spec.Address)
		if err != nil {
			srv.closeListeners()
			return fmt.Errorf("smtpsession: listen %s %s: %w", spec.Network, spec.Address, err)
		}

		if spec.ProxyProtocol != nil {
			l = proxy_protocol.NewListener(l, spec.ProxyProtocol, srv.Log)
		}
		if spec.ImplicitTLS && srv.Config.TLSConfig != nil {
			l = tls.NewListener(l, srv.Config.TLSConfig)
			spec.ImplicitTLS = false // the net.Listener already terminates TLS; Session must not do it again
		}

		srv.mu.Lock()
		srv.listeners = append(srv.listeners, l)
		srv.mu.Unlock()

		srv.Log.Printf("listening on %s %s (implicit tls: %v)", spec.Network, spec.Address, spec.ImplicitTLS)

		spec := spec
		srv.wg.Add(1)
		go srv.serveListener(l, spec.ImplicitTLS)
	}
	return nil
}

func (srv *Server) serveListener(l net.Listener, implicitTLS bool) {
	defer srv.wg.Done()
	for {
		conn, err := l.Accept()
		if err != nil {
			if srv.isClosing() {
				return
			}
			srv.Log.Error("accept failed", err)
			return
		}

		srv.wg.Add(1)
		go srv.handleConn(conn, implicitTLS)
	}
}

func (srv *Server) handleConn(conn net.Conn, implicitTLS bool) {
	defer srv.wg.Done()

	cfg := srv.Config
	cfg.ImplicitTLS = implicitTLS

	sess := NewSession(conn, cfg, srv.Collaborators)
	srv.track(sess)
	defer srv.untrack(sess)

	sess.Serve(context.Background())
}

func (srv *Server) track(sess *Session) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.sessions[sess] = struct{}{}
}

func (srv *Server) untrack(sess *Session) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	delete(srv.sessions, sess)
}

func (srv *Server) isClosing() bool {
	return atomic.LoadInt32(&srv.closing) == 1
}

func (srv *Server) closeListeners() {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	for _, l := range srv.listeners {
		_ = l.Close()
	}
}

// Shutdown stops accepting new connections, asks every in-flight session to
// close at its next command boundary, and waits for them to drain or for
// ctx to expire, whichever comes first.
func (srv *Server) Shutdown(ctx context.Context) error {
	atomic.StoreInt32(&srv.closing, 1)
	srv.closeListeners()

	srv.mu.Lock()
	for sess := range srv.sessions {
		sess.RequestGracefulClose()
	}
	srv.mu.Unlock()

	done := make(chan struct{})
	go func() {
		srv.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
