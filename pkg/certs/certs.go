package certs

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/cuemby/converge/pkg/changes"
	"github.com/cuemby/converge/pkg/query"
	"github.com/cuemby/converge/pkg/resources"
	"github.com/cuemby/converge/pkg/storage"
	"github.com/cuemby/converge/pkg/types"
)

// FromX509 describes cert as a Certificate resource. The thumbprint is the
// hex SHA-256 of the DER encoding.
func FromX509(cert *x509.Certificate) *resources.Certificate {
	return &resources.Certificate{
		Thumbprint: Thumbprint(cert),
		Domains:    domains(cert),
		Start:      cert.NotBefore.UTC(),
		End:        cert.NotAfter.UTC(),
	}
}

// Thumbprint returns the hex SHA-256 of the DER encoding of cert
func Thumbprint(cert *x509.Certificate) string {
	return digest.FromBytes(cert.Raw).Encoded()
}

// domains returns the sorted DNS names of cert, falling back to the common
// name for certificates without SANs
func domains(cert *x509.Certificate) []string {
	seen := make(map[string]bool)
	var out []string
	for _, name := range cert.DNSNames {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	if len(out) == 0 && cert.Subject.CommonName != "" {
		out = append(out, cert.Subject.CommonName)
	}
	sort.Strings(out)
	return out
}

// ParsePEM returns the certificates of every CERTIFICATE block in data.
// Other blocks, private keys included, are ignored.
func ParsePEM(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("no PEM certificate found")
	}
	return certs, nil
}

// LoadFile reads the PEM certificates of a file
func LoadFile(path string) ([]*resources.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate file: %w", err)
	}
	parsed, err := ParsePEM(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	out := make([]*resources.Certificate, 0, len(parsed))
	for _, cert := range parsed {
		out = append(out, FromX509(cert))
	}
	return out, nil
}

// Stage adds r to cs unless the store already holds a certificate with the
// same thumbprint. It reports whether r was staged.
func Stage(cs *changes.Changeset, store storage.Store, r types.Resource) (bool, error) {
	pk, err := cs.Registry().PrimaryKey(r)
	if err != nil {
		return false, err
	}
	_, err = store.GetByPrimaryKey(r.ResourceType(), pk)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return false, err
	}
	if err := cs.ResourceAdd(r); err != nil {
		return false, err
	}
	return true, nil
}

// Expiring returns the certificates, website certificates included, that
// end before the given time, soonest first
func Expiring(store storage.Store, reg *types.Registry, before time.Time) ([]types.Resource, error) {
	q, err := query.New(reg, resources.TypeCertificate).Lesser("end", before).Build()
	if err != nil {
		return nil, err
	}
	found, err := store.Find(q)
	if err != nil {
		return nil, fmt.Errorf("failed to query certificates: %w", err)
	}
	sort.SliceStable(found, func(i, j int) bool {
		return end(found[i]).Before(end(found[j]))
	})
	return found, nil
}

func end(r types.Resource) time.Time {
	switch c := r.(type) {
	case *resources.Certificate:
		return c.End
	case *resources.WebsiteCertificate:
		return c.End
	}
	return time.Time{}
}
