package types

import (
	"time"
)

// Resource is a typed record in the infrastructure graph
type Resource interface {
	// ResourceType returns the registered type name (e.g. "Machine")
	ResourceType() string

	// Meta returns the repository metadata of the resource
	Meta() *ResourceMeta
}

// ResourceMeta holds the repository side of a resource. It is embedded in
// every concrete resource struct.
type ResourceMeta struct {
	ID     string `json:"id,omitempty" yaml:"id,omitempty"`         // Internal id, assigned on commit
	Editor string `json:"editor,omitempty" yaml:"editor,omitempty"` // Set when authored manually
}

// Meta implements Resource
func (m *ResourceMeta) Meta() *ResourceMeta {
	return m
}

// Persisted reports whether the resource carries an internal id
func (m *ResourceMeta) Persisted() bool {
	return m.ID != ""
}

// Link types
const (
	LinkInstalledOn = "INSTALLED_ON"
	LinkPointsTo    = "POINTS_TO"
	LinkManages     = "MANAGES" // Reserved: ownership of managed resources
	LinkUses        = "USES"
	LinkRunAs       = "RUN_AS"
)

// Link is a directed typed edge between two persisted resources
type Link struct {
	From string `json:"from"`
	Type string `json:"type"`
	To   string `json:"to"`
}

// Tag is a free-text label attached to a persisted resource
type Tag struct {
	ResourceID string `json:"resource_id"`
	Name       string `json:"name"`
}

// AttrKind is the declared type of a resource attribute
type AttrKind string

const (
	AttrString AttrKind = "string"
	AttrNumber AttrKind = "number" // int64 or float64
	AttrDate   AttrKind = "date"   // time.Time
	AttrEnum   AttrKind = "enum"   // string with a closed set of values
	AttrBool   AttrKind = "bool"
	AttrSet    AttrKind = "set" // []string
)

// Attribute describes one searchable attribute of a resource type
type Attribute struct {
	Name string
	Kind AttrKind
	Get  func(Resource) any
}

// Descriptor is the compile-time description of a resource type. It lists
// the primary key and the searchable attributes so that the store and the
// query engine never need reflection.
type Descriptor struct {
	Type       string
	Parent     string // Supertype name, empty for root types
	New        func() Resource
	PrimaryKey []string
	Attributes []Attribute
}

// Attribute returns the named attribute
func (d *Descriptor) Attribute(name string) (*Attribute, bool) {
	for i := range d.Attributes {
		if d.Attributes[i].Name == name {
			return &d.Attributes[i], true
		}
	}
	return nil, false
}

// Value returns the value of the named attribute on r
func (d *Descriptor) Value(r Resource, name string) (any, bool) {
	attr, ok := d.Attribute(name)
	if !ok {
		return nil, false
	}
	return attr.Get(r), true
}

// ApplicationState is the lifecycle state of an application container
type ApplicationState string

const (
	StateUnknown       ApplicationState = "unknown"
	StateBuilding      ApplicationState = "building"
	StateStarting      ApplicationState = "starting"
	StateRunning       ApplicationState = "running"
	StateFailed        ApplicationState = "failed"
	StateCronScheduled ApplicationState = "cron-scheduled"
)

// ContainerState is the last observed state of one application container
type ContainerState struct {
	ImageHash string    `json:"image_hash"`
	RunHash   string    `json:"run_hash"`
	StartHash string    `json:"start_hash"`
	IP        string    `json:"ip,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PortRedirect is a port redirection kept for one application
type PortRedirect struct {
	Application string `json:"application"`
	LocalPort   int    `json:"local_port"`
	Machine     string `json:"machine"`
	Container   string `json:"container"`
	Endpoint    string `json:"endpoint"`
}

// RuntimeSnapshot is the persisted record of what runs on the container
// runtime. It is read at the start of an orchestration cycle and replaced
// as a whole at the end of it.
type RuntimeSnapshot struct {
	Running   map[string]*ContainerState `json:"running"`
	Failed    map[string]*ContainerState `json:"failed"`
	IPs       map[string]string          `json:"ips"`
	Cron      map[string]string          `json:"cron"` // Application name -> cron time
	Redirects []PortRedirect             `json:"redirects"`
	UpdatedAt time.Time                  `json:"updated_at"`
}

// NewRuntimeSnapshot returns an empty snapshot
func NewRuntimeSnapshot() *RuntimeSnapshot {
	s := &RuntimeSnapshot{}
	s.Normalize()
	return s
}

// Normalize initializes nil maps, e.g. after decoding an older snapshot
func (s *RuntimeSnapshot) Normalize() {
	if s.Running == nil {
		s.Running = make(map[string]*ContainerState)
	}
	if s.Failed == nil {
		s.Failed = make(map[string]*ContainerState)
	}
	if s.IPs == nil {
		s.IPs = make(map[string]string)
	}
	if s.Cron == nil {
		s.Cron = make(map[string]string)
	}
}

// State returns the lifecycle state recorded for the application
func (s *RuntimeSnapshot) State(name string) ApplicationState {
	if _, ok := s.Failed[name]; ok {
		return StateFailed
	}
	if _, ok := s.Running[name]; ok {
		if _, cron := s.Cron[name]; cron {
			return StateCronScheduled
		}
		return StateRunning
	}
	return StateUnknown
}
