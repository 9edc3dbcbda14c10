package metrics

import (
	"sort"
	"sync"
	"time"
)

// Components reported by converge
const (
	ComponentStore        = "store"
	ComponentRuntime      = "runtime"
	ComponentOrchestrator = "orchestrator"
)

// CriticalComponents must all be reported healthy for readiness
var CriticalComponents = []string{ComponentStore, ComponentRuntime, ComponentOrchestrator}

// ComponentHealth is the last state reported by a component
type ComponentHealth struct {
	Healthy bool
	Message string
	Updated time.Time
}

// Readiness summarizes the critical components
type Readiness struct {
	Ready      bool
	Components map[string]string // "ready", "not ready: <message>" or "not registered"
	Message    string            // First critical component holding readiness back
	Version    string
	Uptime     time.Duration
}

type healthRegistry struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	started    time.Time
	version    string
}

var registry = newHealthRegistry()

func newHealthRegistry() *healthRegistry {
	return &healthRegistry{
		components: make(map[string]ComponentHealth),
		started:    time.Now(),
	}
}

// SetVersion sets the version reported with readiness
func SetVersion(version string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.version = version
}

// SetComponent records the health of a component, registering it on first
// use
func SetComponent(name string, healthy bool, message string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.components[name] = ComponentHealth{
		Healthy: healthy,
		Message: message,
		Updated: time.Now(),
	}
}

// Component returns the last state reported by name
func Component(name string) (ComponentHealth, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	c, ok := registry.components[name]
	return c, ok
}

// Components returns the names of every reported component, sorted
func Components() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	names := make([]string, 0, len(registry.components))
	for name := range registry.components {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetReadiness checks CriticalComponents in order
func GetReadiness() Readiness {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	r := Readiness{
		Ready:      true,
		Components: make(map[string]string, len(CriticalComponents)),
		Version:    registry.version,
		Uptime:     time.Since(registry.started),
	}
	for _, name := range CriticalComponents {
		c, ok := registry.components[name]
		switch {
		case !ok:
			r.Components[name] = "not registered"
		case !c.Healthy:
			r.Components[name] = "not ready: " + c.Message
		default:
			r.Components[name] = "ready"
			continue
		}
		if r.Ready {
			r.Ready = false
			r.Message = "waiting for " + name
		}
	}
	return r
}
