/*
Package dns serves the DnsEntry resources of the graph over UDP.

Machines with a public address, DNS pointers and applications with domains
all manage DnsEntry resources; this package makes those records resolvable
without an external zone file:

	srv := dns.NewServer(store, reg, dns.Config{
		ListenAddr: "127.0.0.1:5353",
		Upstream:   []string{"1.1.1.1:53"},
	})
	if err := srv.Start(); err != nil {
		return err
	}
	defer srv.Stop()

Every query reads the store, so records follow the graph as soon as a
changeset commits. A name present in the graph is answered authoritatively;
when none of its entries has the asked type the answer is empty (NODATA),
except that a CNAME entry answers every type. Names absent from the graph
are relayed to the upstream servers, or answered NXDOMAIN when none is
configured.

Entry details use zone file order:

	A      203.0.113.10
	MX     10 mail.example.com
	SRV    0 5 5060 sip.example.com
	TXT    v=spf1 -all
*/
package dns
