package dns

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"

	"github.com/cuemby/converge/pkg/log"
	"github.com/cuemby/converge/pkg/metrics"
	"github.com/cuemby/converge/pkg/storage"
	"github.com/cuemby/converge/pkg/types"
)

const (
	// DefaultTTL is used when Config.TTL is zero
	DefaultTTL = 60

	forwardTimeout = 2 * time.Second
)

// Config holds DNS server configuration
type Config struct {
	ListenAddr string   // UDP address, e.g. 127.0.0.1:5353
	Upstream   []string // Servers receiving names the graph does not hold
	TTL        uint32
}

// Server is an authoritative responder for the DNS entries of the graph
type Server struct {
	resolver   *Resolver
	listenAddr string
	upstream   []string
	client     *dns.Client
	logger     zerolog.Logger

	mu      sync.Mutex
	server  *dns.Server
	conn    net.PacketConn
	running bool
}

// NewServer creates a DNS server answering from store
func NewServer(store storage.Store, reg *types.Registry, cfg Config) *Server {
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &Server{
		resolver:   NewResolver(store, reg, ttl),
		listenAddr: cfg.ListenAddr,
		upstream:   cfg.Upstream,
		client:     &dns.Client{Net: "udp", Timeout: forwardTimeout},
		logger:     log.WithComponent("dns"),
	}
}

// Start binds the UDP socket and serves in the background. It returns once
// the server is accepting queries.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("DNS server already running")
	}

	conn, err := net.ListenPacket("udp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.listenAddr, err)
	}

	started := make(chan struct{})
	errCh := make(chan error, 1)
	s.server = &dns.Server{
		PacketConn:        conn,
		Handler:           s,
		NotifyStartedFunc: func() { close(started) },
	}
	go func() {
		errCh <- s.server.ActivateAndServe()
	}()

	select {
	case <-started:
	case err := <-errCh:
		conn.Close()
		return fmt.Errorf("DNS server failed to start: %w", err)
	}

	s.conn = conn
	s.running = true
	s.logger.Info().
		Str("address", conn.LocalAddr().String()).
		Int("upstreams", len(s.upstream)).
		Msg("DNS server started")
	return nil
}

// Stop shuts the server down
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	if err := s.server.Shutdown(); err != nil {
		return fmt.Errorf("failed to stop DNS server: %w", err)
	}
	s.logger.Info().Msg("DNS server stopped")
	return nil
}

// Addr returns the bound address, or an empty string before Start
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ""
	}
	return s.conn.LocalAddr().String()
}

// IsRunning returns true if the DNS server is running
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// ServeDNS answers the first question of r. Names found in the graph are
// answered authoritatively, an empty answer meaning NODATA. Other names go
// to the upstream servers, or get NXDOMAIN when there are none.
func (s *Server) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	msg := new(dns.Msg)
	msg.SetReply(r)

	if len(r.Question) == 0 {
		msg.Rcode = dns.RcodeFormatError
		s.write(w, msg, "formerr")
		return
	}
	q := r.Question[0]

	answers, known, err := s.resolver.Resolve(q.Name, q.Qtype)
	if err != nil {
		s.logger.Error().Err(err).Str("query", q.Name).Msg("Failed to resolve query")
		msg.Rcode = dns.RcodeServerFailure
		s.write(w, msg, "servfail")
		return
	}

	if !known {
		if len(s.upstream) > 0 {
			s.forward(w, r)
			return
		}
		msg.Rcode = dns.RcodeNameError
		s.write(w, msg, "nxdomain")
		return
	}

	msg.Authoritative = true
	msg.Answer = answers
	result := "answered"
	if len(answers) == 0 {
		result = "nodata"
	}
	s.logger.Debug().
		Str("query", q.Name).
		Str("type", dns.TypeToString[q.Qtype]).
		Int("answers", len(answers)).
		Msg("DNS query answered")
	s.write(w, msg, result)
}

// forward relays r to the first upstream that answers
func (s *Server) forward(w dns.ResponseWriter, r *dns.Msg) {
	for _, upstream := range s.upstream {
		resp, _, err := s.client.Exchange(r, upstream)
		if err != nil {
			s.logger.Debug().
				Err(err).
				Str("upstream", upstream).
				Msg("Failed to forward query to upstream")
			continue
		}
		s.write(w, resp, "forwarded")
		return
	}

	msg := new(dns.Msg)
	msg.SetReply(r)
	msg.Rcode = dns.RcodeServerFailure
	s.write(w, msg, "servfail")
}

func (s *Server) write(w dns.ResponseWriter, msg *dns.Msg, result string) {
	metrics.DNSQueries.WithLabelValues(result).Inc()
	if err := w.WriteMsg(msg); err != nil {
		s.logger.Error().Err(err).Msg("Failed to write DNS response")
	}
}
