// Package appdef describes how an application is built and run, and derives
// the content hashes the orchestrator compares between cycles.
package appdef

import (
	"fmt"
	"path"
	"strings"
)

// BuildStepKind selects what a build step does
type BuildStepKind string

const (
	StepCopy    BuildStepKind = "copy"
	StepCommand BuildStepKind = "command"
)

// ExecutionPolicy selects how the container is run
type ExecutionPolicy string

const (
	PolicyAlwaysOn ExecutionPolicy = "always-on"
	PolicyCron     ExecutionPolicy = "cron"
)

// BuildStep is one ordered image build instruction
type BuildStep struct {
	Kind        BuildStepKind `json:"kind" yaml:"kind"`
	Source      string        `json:"source,omitempty" yaml:"source,omitempty"`
	Destination string        `json:"destination,omitempty" yaml:"destination,omitempty"`
	Command     string        `json:"command,omitempty" yaml:"command,omitempty"`
}

// Asset is a file written into the build context before the build steps run
type Asset struct {
	Path    string `json:"path" yaml:"path"`
	Content string `json:"content" yaml:"content"`
}

// Volume mounts a host folder into the container
type Volume struct {
	HostFolder      string `json:"hostFolder" yaml:"hostFolder"`
	ContainerFolder string `json:"containerFolder" yaml:"containerFolder"`
	OwnerUID        int64  `json:"ownerUid,omitempty" yaml:"ownerUid,omitempty"`
	OwnerGID        int64  `json:"ownerGid,omitempty" yaml:"ownerGid,omitempty"`
	Permissions     string `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	ReadOnly        bool   `json:"readOnly,omitempty" yaml:"readOnly,omitempty"`
}

// Redirect forwards a local port of the container to an endpoint of
// another application, possibly on another machine
type Redirect struct {
	LocalPort   int    `json:"localPort" yaml:"localPort"`
	Machine     string `json:"machine" yaml:"machine"`
	Application string `json:"application" yaml:"application"`
	Endpoint    string `json:"endpoint" yaml:"endpoint"`
}

// UserIDChange remaps the uid of a user that exists in the base image
type UserIDChange struct {
	Username string `json:"username" yaml:"username"`
	UID      int64  `json:"uid" yaml:"uid"`
}

// CopyAction copies a host file into the running container
type CopyAction struct {
	Source      string `json:"source" yaml:"source"`
	Destination string `json:"destination" yaml:"destination"`
}

// Definition describes how to build and run the container of one
// application. Every field feeds exactly one of the content hashes.
type Definition struct {
	From       string      `json:"from" yaml:"from"`
	Assets     []Asset     `json:"assets,omitempty" yaml:"assets,omitempty"`
	BuildSteps []BuildStep `json:"buildSteps,omitempty" yaml:"buildSteps,omitempty"`

	PortsExposed    map[int]int    `json:"portsExposed,omitempty" yaml:"portsExposed,omitempty"`
	PortsExposedUDP map[int]int    `json:"portsExposedUdp,omitempty" yaml:"portsExposedUdp,omitempty"`
	PortsEndpoint   map[int]string `json:"portsEndpoint,omitempty" yaml:"portsEndpoint,omitempty"`
	PortsRedirect   []Redirect     `json:"portsRedirect,omitempty" yaml:"portsRedirect,omitempty"`

	Volumes         []Volume          `json:"volumes,omitempty" yaml:"volumes,omitempty"`
	Environment     map[string]string `json:"environment,omitempty" yaml:"environment,omitempty"`
	RunAs           int64             `json:"runAs,omitempty" yaml:"runAs,omitempty"`
	UsersToChangeID []UserIDChange    `json:"usersToChangeId,omitempty" yaml:"usersToChangeId,omitempty"`

	HostToIP map[string]string `json:"hostToIp,omitempty" yaml:"hostToIp,omitempty"`

	CopyWhenStarted    []CopyAction `json:"copyWhenStarted,omitempty" yaml:"copyWhenStarted,omitempty"`
	ExecuteWhenStarted []string     `json:"executeWhenStarted,omitempty" yaml:"executeWhenStarted,omitempty"`

	EntryPoint       []string `json:"entryPoint,omitempty" yaml:"entryPoint,omitempty"`
	Command          string   `json:"command,omitempty" yaml:"command,omitempty"`
	WorkingDirectory string   `json:"workingDirectory,omitempty" yaml:"workingDirectory,omitempty"`

	ExecutionPolicy ExecutionPolicy `json:"executionPolicy,omitempty" yaml:"executionPolicy,omitempty"`
	CronTime        string          `json:"cronTime,omitempty" yaml:"cronTime,omitempty"`
}

// Instance is a definition bound to the application name it runs under
type Instance struct {
	Name       string
	Definition Definition
}

// Policy returns the execution policy, defaulting to always-on
func (d *Definition) Policy() ExecutionPolicy {
	if d.ExecutionPolicy == "" {
		return PolicyAlwaysOn
	}
	return d.ExecutionPolicy
}

// IsCron reports whether the container runs on a schedule
func (d *Definition) IsCron() bool {
	return d.Policy() == PolicyCron
}

// AddCopy appends a copy build step
func (d *Definition) AddCopy(source, destination string) {
	d.BuildSteps = append(d.BuildSteps, BuildStep{Kind: StepCopy, Source: source, Destination: destination})
}

// AddCommand appends a command build step
func (d *Definition) AddCommand(command string) {
	d.BuildSteps = append(d.BuildSteps, BuildStep{Kind: StepCommand, Command: command})
}

// Validate checks the definition is runnable
func (d *Definition) Validate() error {
	if strings.TrimSpace(d.From) == "" {
		return fmt.Errorf("from image is required")
	}

	for i, s := range d.BuildSteps {
		switch s.Kind {
		case StepCopy:
			if s.Source == "" || s.Destination == "" {
				return fmt.Errorf("build step %d: copy needs a source and a destination", i)
			}
		case StepCommand:
			if strings.TrimSpace(s.Command) == "" {
				return fmt.Errorf("build step %d: empty command", i)
			}
		default:
			return fmt.Errorf("build step %d: unknown kind %q", i, s.Kind)
		}
	}

	for _, ports := range []map[int]int{d.PortsExposed, d.PortsExposedUDP} {
		for host, container := range ports {
			if !validPort(host) || !validPort(container) {
				return fmt.Errorf("invalid port mapping %d:%d", host, container)
			}
		}
	}
	for port := range d.PortsEndpoint {
		if !validPort(port) {
			return fmt.Errorf("invalid endpoint port %d", port)
		}
	}
	for _, r := range d.PortsRedirect {
		if !validPort(r.LocalPort) || r.Application == "" || r.Endpoint == "" {
			return fmt.Errorf("invalid port redirect on local port %d", r.LocalPort)
		}
	}

	for _, v := range d.Volumes {
		if !path.IsAbs(v.ContainerFolder) {
			return fmt.Errorf("volume container folder %q must be absolute", v.ContainerFolder)
		}
	}
	for _, c := range d.CopyWhenStarted {
		if c.Source == "" || !path.IsAbs(c.Destination) {
			return fmt.Errorf("invalid copy %q -> %q", c.Source, c.Destination)
		}
	}

	switch d.Policy() {
	case PolicyAlwaysOn:
	case PolicyCron:
		if len(strings.Fields(d.CronTime)) != 5 {
			return fmt.Errorf("cron policy needs a five field cron time, got %q", d.CronTime)
		}
	default:
		return fmt.Errorf("unknown execution policy %q", d.ExecutionPolicy)
	}
	return nil
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}
