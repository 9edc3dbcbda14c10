package dns

import (
	"context"
	"strings"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/converge/pkg/reconciler"
	"github.com/cuemby/converge/pkg/resources"
	"github.com/cuemby/converge/pkg/storage"
	"github.com/cuemby/converge/pkg/types"
)

// newGraph returns a store holding a machine with a public address and a
// handful of hand-written entries
func newGraph(t *testing.T, extra ...*resources.DnsEntry) (storage.Store, *types.Registry) {
	t.Helper()
	reg := resources.NewRegistry()
	store := storage.NewMemoryStore(reg)
	e := reconciler.NewEngine(store, reg, reconciler.Config{MaxIterations: 50})
	resources.RegisterHandlers(e)
	t.Cleanup(e.Stop)

	cs := e.NewChangeset()
	require.NoError(t, cs.ResourceAdd(&resources.Machine{Name: "web.example.com", PublicIP: "203.0.113.10"}))
	for _, entry := range extra {
		require.NoError(t, cs.ResourceAdd(entry))
	}
	require.NoError(t, e.Execute(context.Background(), cs))
	return store, reg
}

func sampleEntries() []*resources.DnsEntry {
	return []*resources.DnsEntry{
		{Name: "www.example.com", Type: resources.DnsCNAME, Details: "web.example.com"},
		{Name: "mail.example.com", Type: resources.DnsMX, Details: "10 mx1.example.com"},
		{Name: "example.com", Type: resources.DnsTXT, Details: "v=spf1 -all"},
		{Name: "example.com", Type: resources.DnsNS, Details: "ns1.example.com"},
		{Name: "_sip._udp.example.com", Type: resources.DnsSRV, Details: "0 5 5060 sip.example.com"},
		{Name: "v6.example.com", Type: resources.DnsAAAA, Details: "2001:db8::1"},
		{Name: "bad.example.com", Type: resources.DnsA, Details: "not-an-ip"},
	}
}

// rdata strips the header from the presentation form of rr
func rdata(rrs []dns.RR) []string {
	var out []string
	for _, rr := range rrs {
		out = append(out, strings.TrimPrefix(rr.String(), rr.Header().String()))
	}
	return out
}

func TestResolve(t *testing.T) {
	store, reg := newGraph(t, sampleEntries()...)
	r := NewResolver(store, reg, 30)

	tests := []struct {
		name      string
		qname     string
		qtype     uint16
		wantKnown bool
		want      []string
	}{
		{"machine record", "web.example.com.", dns.TypeA, true, []string{"203.0.113.10"}},
		{"case insensitive", "WEB.Example.com.", dns.TypeA, true, []string{"203.0.113.10"}},
		{"no trailing dot", "web.example.com", dns.TypeA, true, []string{"203.0.113.10"}},
		{"nodata", "web.example.com.", dns.TypeAAAA, true, nil},
		{"cname answers other types", "www.example.com.", dns.TypeA, true, []string{"web.example.com."}},
		{"mx", "mail.example.com.", dns.TypeMX, true, []string{"10 mx1.example.com."}},
		{"txt", "example.com.", dns.TypeTXT, true, []string{`"v=spf1 -all"`}},
		{"ns", "example.com.", dns.TypeNS, true, []string{"ns1.example.com."}},
		{"any", "example.com.", dns.TypeANY, true, []string{`"v=spf1 -all"`, "ns1.example.com."}},
		{"srv", "_sip._udp.example.com.", dns.TypeSRV, true, []string{"0 5 5060 sip.example.com."}},
		{"aaaa", "v6.example.com.", dns.TypeAAAA, true, []string{"2001:db8::1"}},
		{"malformed entry skipped", "bad.example.com.", dns.TypeA, true, nil},
		{"unknown name", "absent.example.com.", dns.TypeA, false, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			answers, known, err := r.Resolve(tt.qname, tt.qtype)
			require.NoError(t, err)
			assert.Equal(t, tt.wantKnown, known)
			assert.ElementsMatch(t, tt.want, rdata(answers))
			for _, rr := range answers {
				assert.Equal(t, uint32(30), rr.Header().Ttl)
				assert.Equal(t, dns.Fqdn(tt.qname), rr.Header().Name)
			}
		})
	}
}

func TestResolveFollowsGraphChanges(t *testing.T) {
	reg := resources.NewRegistry()
	store := storage.NewMemoryStore(reg)
	e := reconciler.NewEngine(store, reg, reconciler.Config{})
	resources.RegisterHandlers(e)
	t.Cleanup(e.Stop)
	r := NewResolver(store, reg, DefaultTTL)

	m := &resources.Machine{Name: "db.example.com", PublicIP: "203.0.113.20"}
	cs := e.NewChangeset()
	require.NoError(t, cs.ResourceAdd(m))
	require.NoError(t, e.Execute(context.Background(), cs))

	answers, _, err := r.Resolve("db.example.com.", dns.TypeA)
	require.NoError(t, err)
	assert.Equal(t, []string{"203.0.113.20"}, rdata(answers))

	cs = e.NewChangeset()
	require.NoError(t, cs.ResourceDeleteByID(m.ID))
	require.NoError(t, e.Execute(context.Background(), cs))

	_, known, err := r.Resolve("db.example.com.", dns.TypeA)
	require.NoError(t, err)
	assert.False(t, known)
}

func TestSplitTXT(t *testing.T) {
	long := strings.Repeat("a", 600)
	chunks := splitTXT(long)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 255)
	assert.Len(t, chunks[1], 255)
	assert.Len(t, chunks[2], 90)
	assert.Equal(t, long, strings.Join(chunks, ""))

	assert.Equal(t, []string{"short"}, splitTXT("short"))
}
