package dns

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"

	"github.com/cuemby/converge/pkg/log"
	"github.com/cuemby/converge/pkg/query"
	"github.com/cuemby/converge/pkg/resources"
	"github.com/cuemby/converge/pkg/storage"
	"github.com/cuemby/converge/pkg/types"
)

// maxTXTChunk is the longest character-string a TXT record can carry
const maxTXTChunk = 255

// Resolver answers questions from the DnsEntry resources of the graph
type Resolver struct {
	store  storage.Store
	reg    *types.Registry
	ttl    uint32
	logger zerolog.Logger
}

// NewResolver creates a resolver reading the given store
func NewResolver(store storage.Store, reg *types.Registry, ttl uint32) *Resolver {
	return &Resolver{
		store:  store,
		reg:    reg,
		ttl:    ttl,
		logger: log.WithComponent("dns.resolver"),
	}
}

// Resolve returns the records answering qtype for name. known reports
// whether the graph holds any entry for the name, so that an empty answer
// can be told apart from an unknown name.
//
// A name holding a CNAME answers every other type with its CNAME records.
func (r *Resolver) Resolve(name string, qtype uint16) (answers []dns.RR, known bool, err error) {
	entries, err := r.entries(name)
	if err != nil {
		return nil, false, err
	}
	if len(entries) == 0 {
		return nil, false, nil
	}

	fqdn := dns.Fqdn(name)
	var cnames []dns.RR
	for _, e := range entries {
		rrtype, ok := dns.StringToType[e.Type]
		if !ok {
			continue
		}
		if rrtype != qtype && qtype != dns.TypeANY && rrtype != dns.TypeCNAME {
			continue
		}

		rr, err := r.record(fqdn, rrtype, e.Details)
		if err != nil {
			r.logger.Warn().
				Err(err).
				Str("name", e.Name).
				Str("type", e.Type).
				Msg("Skipping malformed DNS entry")
			continue
		}

		if rrtype == dns.TypeCNAME && qtype != dns.TypeCNAME && qtype != dns.TypeANY {
			cnames = append(cnames, rr)
			continue
		}
		answers = append(answers, rr)
	}

	if len(answers) == 0 {
		answers = cnames
	}
	return answers, true, nil
}

func (r *Resolver) entries(name string) ([]*resources.DnsEntry, error) {
	lookup := strings.ToLower(strings.TrimSuffix(name, "."))
	q, err := query.New(r.reg, resources.TypeDnsEntry).Equals("name", lookup).Build()
	if err != nil {
		return nil, err
	}
	found, err := r.store.Find(q)
	if err != nil {
		return nil, fmt.Errorf("failed to look up %s: %w", lookup, err)
	}

	entries := make([]*resources.DnsEntry, 0, len(found))
	for _, res := range found {
		entries = append(entries, res.(*resources.DnsEntry))
	}
	return entries, nil
}

// record builds the resource record of one entry. Details hold the record
// data in zone file order: "10 mail.example.com" for MX and
// "priority weight port target" for SRV.
func (r *Resolver) record(fqdn string, rrtype uint16, details string) (dns.RR, error) {
	hdr := dns.RR_Header{
		Name:   fqdn,
		Rrtype: rrtype,
		Class:  dns.ClassINET,
		Ttl:    r.ttl,
	}

	switch rrtype {
	case dns.TypeA:
		ip := net.ParseIP(details).To4()
		if ip == nil {
			return nil, fmt.Errorf("invalid IPv4 address %q", details)
		}
		return &dns.A{Hdr: hdr, A: ip}, nil

	case dns.TypeAAAA:
		ip := net.ParseIP(details)
		if ip == nil || ip.To4() != nil {
			return nil, fmt.Errorf("invalid IPv6 address %q", details)
		}
		return &dns.AAAA{Hdr: hdr, AAAA: ip}, nil

	case dns.TypeCNAME:
		if details == "" {
			return nil, fmt.Errorf("empty CNAME target")
		}
		return &dns.CNAME{Hdr: hdr, Target: dns.Fqdn(details)}, nil

	case dns.TypeNS:
		if details == "" {
			return nil, fmt.Errorf("empty NS target")
		}
		return &dns.NS{Hdr: hdr, Ns: dns.Fqdn(details)}, nil

	case dns.TypeTXT:
		return &dns.TXT{Hdr: hdr, Txt: splitTXT(details)}, nil

	case dns.TypeMX:
		fields := strings.Fields(details)
		if len(fields) != 2 {
			return nil, fmt.Errorf("MX details must be \"preference host\", got %q", details)
		}
		pref, err := strconv.ParseUint(fields[0], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid MX preference: %w", err)
		}
		return &dns.MX{Hdr: hdr, Preference: uint16(pref), Mx: dns.Fqdn(fields[1])}, nil

	case dns.TypeSRV:
		fields := strings.Fields(details)
		if len(fields) != 4 {
			return nil, fmt.Errorf("SRV details must be \"priority weight port target\", got %q", details)
		}
		var nums [3]uint16
		for i := range nums {
			n, err := strconv.ParseUint(fields[i], 10, 16)
			if err != nil {
				return nil, fmt.Errorf("invalid SRV field %q: %w", fields[i], err)
			}
			nums[i] = uint16(n)
		}
		return &dns.SRV{
			Hdr:      hdr,
			Priority: nums[0],
			Weight:   nums[1],
			Port:     nums[2],
			Target:   dns.Fqdn(fields[3]),
		}, nil
	}
	return nil, fmt.Errorf("unsupported record type %s", dns.TypeToString[rrtype])
}

func splitTXT(s string) []string {
	if len(s) <= maxTXTChunk {
		return []string{s}
	}
	var chunks []string
	for len(s) > maxTXTChunk {
		chunks = append(chunks, s[:maxTXTChunk])
		s = s[maxTXTChunk:]
	}
	return append(chunks, s)
}
