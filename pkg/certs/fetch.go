package certs

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/cuemby/converge/pkg/log"
	"github.com/cuemby/converge/pkg/resources"
)

// DefaultFetchTimeout bounds the TLS handshake of Fetch
const DefaultFetchTimeout = 10 * time.Second

// Fetch connects to a TLS site and describes the leaf certificate it
// serves. addr is host or host:port, port 443 by default. The chain is not
// verified: expired and self-signed certificates are recorded as served.
func Fetch(ctx context.Context, addr string) (*resources.WebsiteCertificate, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		host, port = addr, "443"
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultFetchTimeout)
		defer cancel()
	}

	dialer := &tls.Dialer{
		Config: &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: true,
		},
	}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	state := conn.(*tls.Conn).ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil, fmt.Errorf("%s served no certificate", addr)
	}
	leaf := state.PeerCertificates[0]

	logger := log.WithComponent("certs")
	logger.Debug().
		Str("site", addr).
		Str("subject", leaf.Subject.CommonName).
		Time("not_after", leaf.NotAfter).
		Msg("Fetched website certificate")

	return &resources.WebsiteCertificate{
		Certificate: *FromX509(leaf),
		CA:          leaf.Issuer.CommonName,
	}, nil
}
