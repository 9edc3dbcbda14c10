// Package resources declares the infrastructure resource types and the
// handlers that keep their managed resources in sync.
package resources

import (
	"time"

	"github.com/cuemby/converge/pkg/appdef"
	"github.com/cuemby/converge/pkg/types"
)

// Resource type names
const (
	TypeMachine            = "Machine"
	TypeDomain             = "Domain"
	TypeDnsEntry           = "DnsEntry"
	TypeDnsPointer         = "DnsPointer"
	TypeUnixUser           = "UnixUser"
	TypeCertificate        = "Certificate"
	TypeWebsiteCertificate = "WebsiteCertificate"
	TypeApplication        = "Application"
)

// DNS record types
const (
	DnsA     = "A"
	DnsAAAA  = "AAAA"
	DnsCNAME = "CNAME"
	DnsMX    = "MX"
	DnsNS    = "NS"
	DnsTXT   = "TXT"
	DnsSRV   = "SRV"
)

// Machine is a host applications get installed on
type Machine struct {
	types.ResourceMeta
	Name     string `json:"name" yaml:"name"`
	PublicIP string `json:"publicIp,omitempty" yaml:"publicIp,omitempty"`
}

func (*Machine) ResourceType() string { return TypeMachine }

// Domain is a fully qualified domain name
type Domain struct {
	types.ResourceMeta
	Name string `json:"name" yaml:"name"`
}

func (*Domain) ResourceType() string { return TypeDomain }

// DnsEntry is one DNS record. The whole record is the primary key so that
// round-robin entries can coexist.
type DnsEntry struct {
	types.ResourceMeta
	Name    string `json:"name" yaml:"name"`
	Type    string `json:"type" yaml:"type"`
	Details string `json:"details" yaml:"details"`
}

func (*DnsEntry) ResourceType() string { return TypeDnsEntry }

// DnsPointer publishes A records for the public IP of every machine it
// POINTS_TO
type DnsPointer struct {
	types.ResourceMeta
	Name string `json:"name" yaml:"name"`
}

func (*DnsPointer) ResourceType() string { return TypeDnsPointer }

// UnixUser is an account applications can RUN_AS
type UnixUser struct {
	types.ResourceMeta
	Username   string `json:"username" yaml:"username"`
	UID        int64  `json:"uid,omitempty" yaml:"uid,omitempty"`
	HomeFolder string `json:"homeFolder,omitempty" yaml:"homeFolder,omitempty"`
	Shell      string `json:"shell,omitempty" yaml:"shell,omitempty"`
}

func (*UnixUser) ResourceType() string { return TypeUnixUser }

// Certificate is an x509 certificate for a set of domains
type Certificate struct {
	types.ResourceMeta
	Thumbprint string    `json:"thumbprint" yaml:"thumbprint"`
	Domains    []string  `json:"domains,omitempty" yaml:"domains,omitempty"`
	Start      time.Time `json:"start" yaml:"start"`
	End        time.Time `json:"end" yaml:"end"`
}

func (*Certificate) ResourceType() string { return TypeCertificate }

func (c *Certificate) certificate() *Certificate { return c }

// WebsiteCertificate is a certificate served by a website, with the
// authority that issued it
type WebsiteCertificate struct {
	Certificate
	CA string `json:"ca,omitempty" yaml:"ca,omitempty"`
}

func (*WebsiteCertificate) ResourceType() string { return TypeWebsiteCertificate }

// Application is a containerized application installed on machines
type Application struct {
	types.ResourceMeta
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Domains     []string          `json:"domains,omitempty" yaml:"domains,omitempty"`
	Definition  appdef.Definition `json:"definition" yaml:"definition"`
}

func (*Application) ResourceType() string { return TypeApplication }

type certificateLike interface {
	certificate() *Certificate
}

func cert(r types.Resource) *Certificate {
	return r.(certificateLike).certificate()
}

func str(get func(types.Resource) string) func(types.Resource) any {
	return func(r types.Resource) any { return get(r) }
}

func certificateAttributes() []types.Attribute {
	return []types.Attribute{
		{Name: "thumbprint", Kind: types.AttrString, Get: str(func(r types.Resource) string { return cert(r).Thumbprint })},
		{Name: "domains", Kind: types.AttrSet, Get: func(r types.Resource) any { return cert(r).Domains }},
		{Name: "start", Kind: types.AttrDate, Get: func(r types.Resource) any { return cert(r).Start }},
		{Name: "end", Kind: types.AttrDate, Get: func(r types.Resource) any { return cert(r).End }},
	}
}

// Descriptors returns the descriptors of every built-in resource type
func Descriptors() []*types.Descriptor {
	return []*types.Descriptor{
		{
			Type:       TypeMachine,
			New:        func() types.Resource { return &Machine{} },
			PrimaryKey: []string{"name"},
			Attributes: []types.Attribute{
				{Name: "name", Kind: types.AttrString, Get: str(func(r types.Resource) string { return r.(*Machine).Name })},
				{Name: "publicIp", Kind: types.AttrString, Get: str(func(r types.Resource) string { return r.(*Machine).PublicIP })},
			},
		},
		{
			Type:       TypeDomain,
			New:        func() types.Resource { return &Domain{} },
			PrimaryKey: []string{"name"},
			Attributes: []types.Attribute{
				{Name: "name", Kind: types.AttrString, Get: str(func(r types.Resource) string { return r.(*Domain).Name })},
			},
		},
		{
			Type:       TypeDnsEntry,
			New:        func() types.Resource { return &DnsEntry{} },
			PrimaryKey: []string{"name", "type", "details"},
			Attributes: []types.Attribute{
				{Name: "name", Kind: types.AttrString, Get: str(func(r types.Resource) string { return r.(*DnsEntry).Name })},
				{Name: "type", Kind: types.AttrEnum, Get: str(func(r types.Resource) string { return r.(*DnsEntry).Type })},
				{Name: "details", Kind: types.AttrString, Get: str(func(r types.Resource) string { return r.(*DnsEntry).Details })},
			},
		},
		{
			Type:       TypeDnsPointer,
			New:        func() types.Resource { return &DnsPointer{} },
			PrimaryKey: []string{"name"},
			Attributes: []types.Attribute{
				{Name: "name", Kind: types.AttrString, Get: str(func(r types.Resource) string { return r.(*DnsPointer).Name })},
			},
		},
		{
			Type:       TypeUnixUser,
			New:        func() types.Resource { return &UnixUser{} },
			PrimaryKey: []string{"username"},
			Attributes: []types.Attribute{
				{Name: "username", Kind: types.AttrString, Get: str(func(r types.Resource) string { return r.(*UnixUser).Username })},
				{Name: "uid", Kind: types.AttrNumber, Get: func(r types.Resource) any { return r.(*UnixUser).UID }},
				{Name: "homeFolder", Kind: types.AttrString, Get: str(func(r types.Resource) string { return r.(*UnixUser).HomeFolder })},
				{Name: "shell", Kind: types.AttrString, Get: str(func(r types.Resource) string { return r.(*UnixUser).Shell })},
			},
		},
		{
			Type:       TypeCertificate,
			New:        func() types.Resource { return &Certificate{} },
			PrimaryKey: []string{"thumbprint"},
			Attributes: certificateAttributes(),
		},
		{
			Type:       TypeWebsiteCertificate,
			Parent:     TypeCertificate,
			New:        func() types.Resource { return &WebsiteCertificate{} },
			PrimaryKey: []string{"thumbprint"},
			Attributes: append(certificateAttributes(),
				types.Attribute{Name: "ca", Kind: types.AttrString, Get: str(func(r types.Resource) string { return r.(*WebsiteCertificate).CA })},
			),
		},
		{
			Type:       TypeApplication,
			New:        func() types.Resource { return &Application{} },
			PrimaryKey: []string{"name"},
			Attributes: []types.Attribute{
				{Name: "name", Kind: types.AttrString, Get: str(func(r types.Resource) string { return r.(*Application).Name })},
				{Name: "description", Kind: types.AttrString, Get: str(func(r types.Resource) string { return r.(*Application).Description })},
				{Name: "domains", Kind: types.AttrSet, Get: func(r types.Resource) any { return r.(*Application).Domains }},
				{Name: "executionPolicy", Kind: types.AttrEnum, Get: func(r types.Resource) any {
					return string(r.(*Application).Definition.Policy())
				}},
			},
		},
	}
}

// NewRegistry returns a registry with every built-in resource type
func NewRegistry() *types.Registry {
	reg := types.NewRegistry()
	for _, d := range Descriptors() {
		reg.MustRegister(d)
	}
	return reg
}
