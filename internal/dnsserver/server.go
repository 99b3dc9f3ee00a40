package dnsserver

import (
	"context"
	"fmt"
	"net"

	"github.com/miekg/dns"
	"github.com/rs/zerolog/log"
)

// Server wraps a miekg/dns UDP server bound to the responder's algorithm.
type Server struct {
	Addr      string
	Responder *Responder

	dnsSrv *dns.Server
}

// NewServer builds a Server that listens on addr ("host:port") and dispatches
// to responder.
func NewServer(addr string, responder *Responder) *Server {
	return &Server{
		Addr:      addr,
		Responder: responder,
		dnsSrv: &dns.Server{
			Addr:    addr,
			Net:     "udp",
			Handler: responder,
		},
	}
}

// Run binds the UDP socket and serves until ctx is canceled. A bind failure
// is returned to the caller, who is expected to treat it as fatal.
func (s *Server) Run(ctx context.Context) error {
	s.dnsSrv.Handler = s.Responder

	started := make(chan error, 1)
	s.dnsSrv.NotifyStartedFunc = func() { started <- nil }

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.dnsSrv.ListenAndServe()
	}()

	select {
	case err := <-started:
		if err != nil {
			return err
		}
	case err := <-errCh:
		return fmt.Errorf("dnsserver: bind %s: %w", s.Addr, err)
	}

	log.Info().Str("addr", s.Addr).Msg("DNS responder listening")

	select {
	case <-ctx.Done():
		return s.dnsSrv.ShutdownContext(context.Background())
	case err := <-errCh:
		return err
	}
}

// JoinHostPort is a small convenience used by cmd/cdnfastd to build Addr
// from a net.IP/port pair without spreading net.JoinHostPort calls around.
func JoinHostPort(ip net.IP, port uint16) string {
	return net.JoinHostPort(ip.String(), fmt.Sprintf("%d", port))
}
