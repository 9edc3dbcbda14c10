package runtime

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/converge/pkg/appdef"
)

// ErrUnsupported is returned by runtimes that cannot perform an operation
var ErrUnsupported = errors.New("operation not supported by this runtime")

// RestartPolicy tells the container engine what to do when the container
// exits
type RestartPolicy string

const (
	RestartNo            RestartPolicy = "no"
	RestartUnlessStopped RestartPolicy = "unless-stopped"
)

// BuildSpec describes one image build
type BuildSpec struct {
	Image      string // Reference the result is tagged with
	Definition appdef.Definition
}

// RunSpec holds the run arguments of one application container. Everything
// else is baked into the image.
type RunSpec struct {
	Name     string
	Image    string
	Network  string
	IP       string
	Restart  RestartPolicy
	Ports    map[int]int // host -> container
	PortsUDP map[int]int
	Volumes  []appdef.Volume
	Hosts    map[string]string // extra /etc/hosts entries
}

// Runtime is the container engine the orchestrator drives. Every operation
// is a blocking call; callers bound them with ctx.
type Runtime interface {
	BuildImage(ctx context.Context, spec BuildSpec) error
	StartContainer(ctx context.Context, spec RunSpec) error
	StopContainer(ctx context.Context, name string) error
	ListRunning(ctx context.Context) ([]string, error)
	CopyInto(ctx context.Context, name, source, destination string) error
	Exec(ctx context.Context, name, command string) (string, error)
	CreateNetwork(ctx context.Context, name, subnet string) error
	NetworkMembers(ctx context.Context, network string) (map[string]string, error)
	Close() error
}

// ImageRef returns the tag the image of an application is built under
func ImageRef(app, imageHash string) string {
	tag := imageHash
	if len(tag) > 12 {
		tag = tag[:12]
	}
	return "converge/" + app + ":" + tag
}

// RunSpecFor derives the run arguments of an application container
func RunSpecFor(inst appdef.Instance, image, network, ip string) RunSpec {
	def := inst.Definition
	restart := RestartUnlessStopped
	if def.IsCron() {
		restart = RestartNo
	}
	return RunSpec{
		Name:     inst.Name,
		Image:    image,
		Network:  network,
		IP:       ip,
		Restart:  restart,
		Ports:    def.PortsExposed,
		PortsUDP: def.PortsExposedUDP,
		Volumes:  def.Volumes,
		Hosts:    def.HostToIP,
	}
}

// sortedPorts returns the host ports of m in ascending order
func sortedPorts(m map[int]int) []int {
	ports := make([]int, 0, len(m))
	for p := range m {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// listCache keeps the names of running containers for a short time so that
// a cycle over many applications lists the engine once
type listCache struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	names []string
	at    time.Time
	valid bool
}

func newListCache(ttl time.Duration) *listCache {
	return &listCache{ttl: ttl, now: time.Now}
}

func (c *listCache) get(fill func() ([]string, error)) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.valid && c.ttl > 0 && c.now().Sub(c.at) < c.ttl {
		return append([]string(nil), c.names...), nil
	}
	names, err := fill()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	c.names, c.at, c.valid = names, c.now(), true
	return append([]string(nil), names...), nil
}

func (c *listCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.valid = false
}
