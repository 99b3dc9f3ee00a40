// Package dnsserver implements the authoritative-override DNS responder:
// classify, optionally forward upstream, optionally synthesize a fast-IP
// answer.
package dnsserver

import (
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog/log"

	"cdnfast-dns/internal/cidrset"
	"cdnfast-dns/internal/fastip"
	"cdnfast-dns/internal/oracle"
)

// upstreamReadBufSize is sized to comfortably hold a non-EDNS response.
const upstreamReadBufSize = 1024

// upstreamTimeout bounds how long a single forward waits for a reply.
const upstreamTimeout = 5 * time.Second

// Responder owns the per-query classify/forward/synthesize algorithm. It is
// wired as a dns.Handler so miekg/dns's server loop hands each datagram to
// an independent invocation of ServeDNS.
type Responder struct {
	UpstreamAddr *net.UDPAddr
	TTL          uint32
	Oracle       oracle.CdnDomainOracle
	Fast         *fastip.Cell
	Cidrs        *cidrset.Set

	// LearnedOracle is non-nil when Oracle is a *oracle.LearnedCacheOracle;
	// it lets the handler call Learn on upstream answers without a type
	// assertion on every query.
	LearnedOracle *oracle.LearnedCacheOracle
}

// ServeDNS implements dns.Handler.
func (r *Responder) ServeDNS(w dns.ResponseWriter, req *dns.Msg) {
	if len(req.Question) != 1 {
		// Parse/multi-question: drop silently, no reply at all.
		return
	}
	q := req.Question[0]

	if q.Qtype != dns.TypeA {
		r.forwardVerbatim(w, req)
		return
	}

	if r.Oracle.Accepts(q.Name) {
		r.replyFast(w, req, q)
		return
	}

	r.forwardAndMaybeLearn(w, req, q)
}

// forwardVerbatim forwards req to upstream and relays the raw response
// bytes back to the client unchanged — it must never inspect or rebuild
// the message, since the client is relying on byte-for-byte passthrough.
func (r *Responder) forwardVerbatim(w dns.ResponseWriter, req *dns.Msg) {
	raw, err := r.requestUpstream(req)
	if err != nil {
		log.Debug().Err(err).Str("qname", safeQName(req)).Msg("upstream forward failed")
		return
	}
	if _, err := w.Write(raw); err != nil {
		log.Debug().Err(err).Msg("failed writing relayed response to client")
	}
}

// forwardAndMaybeLearn forwards an A-query the oracle rejected. When running
// with the learned-cache oracle, it additionally inspects the upstream
// answer and, if the first A-record falls inside the configured CIDR set,
// learns the domain and replies with the synthesized fast-IP answer instead
// of relaying upstream bytes.
func (r *Responder) forwardAndMaybeLearn(w dns.ResponseWriter, req *dns.Msg, q dns.Question) {
	raw, err := r.requestUpstream(req)
	if err != nil {
		log.Debug().Err(err).Str("qname", q.Name).Msg("upstream forward failed")
		return
	}

	if r.LearnedOracle != nil {
		if ip := firstAAnswer(raw); ip != nil {
			if r.Cidrs.Contains(ip) {
				r.LearnedOracle.Learn(q.Name, ip)
				r.replyFast(w, req, q)
				return
			}
		}
	}

	if _, err := w.Write(raw); err != nil {
		log.Debug().Err(err).Msg("failed writing relayed response to client")
	}
}

// replyFast synthesizes a single-answer response carrying the current fast
// IP and sends it to the client.
func (r *Responder) replyFast(w dns.ResponseWriter, req *dns.Msg, q dns.Question) {
	ip, _ := r.Fast.Read()

	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Authoritative = false
	resp.RecursionAvailable = true
	resp.Rcode = dns.RcodeSuccess
	resp.Answer = []dns.RR{
		&dns.A{
			Hdr: dns.RR_Header{
				Name:   q.Name,
				Rrtype: dns.TypeA,
				Class:  dns.ClassINET,
				Ttl:    r.TTL,
			},
			A: cidrset.FromUint32(ip),
		},
	}

	if err := w.WriteMsg(resp); err != nil {
		log.Debug().Err(err).Str("qname", q.Name).Msg("failed writing synthesized response")
	}
}

// requestUpstream opens a fresh ephemeral UDP socket, sends req once, and
// returns the single raw response datagram it receives. No retries.
func (r *Responder) requestUpstream(req *dns.Msg) ([]byte, error) {
	qbuf, err := req.Pack()
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(upstreamTimeout)); err != nil {
		return nil, err
	}

	if _, err := conn.WriteToUDP(qbuf, r.UpstreamAddr); err != nil {
		return nil, err
	}

	buf := make([]byte, upstreamReadBufSize)
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// firstAAnswer scans raw for the first A-record in the Answer section and
// returns its RDATA IPv4, or nil if there is none.
func firstAAnswer(raw []byte) net.IP {
	msg := new(dns.Msg)
	if err := msg.Unpack(raw); err != nil {
		return nil
	}
	for _, rr := range msg.Answer {
		if a, ok := rr.(*dns.A); ok {
			return a.A
		}
	}
	return nil
}

func safeQName(req *dns.Msg) string {
	if len(req.Question) == 0 {
		return ""
	}
	return req.Question[0].Name
}
