package appdef

import (
	"cmp"
	_ "crypto/sha256"
	"encoding/json"
	"slices"
	"strings"

	"github.com/opencontainers/go-digest"
)

// imageInput is everything that ends up in the built image or its run
// arguments. Field order is part of the hash.
type imageInput struct {
	From             string            `json:"from,omitempty"`
	Assets           []Asset           `json:"assets,omitempty"`
	BuildSteps       []BuildStep       `json:"buildSteps,omitempty"`
	PortsExposed     map[int]int       `json:"portsExposed,omitempty"`
	PortsExposedUDP  map[int]int       `json:"portsExposedUdp,omitempty"`
	PortsEndpoint    map[int]string    `json:"portsEndpoint,omitempty"`
	PortsRedirect    []Redirect        `json:"portsRedirect,omitempty"`
	Volumes          []Volume          `json:"volumes,omitempty"`
	Environment      map[string]string `json:"environment,omitempty"`
	RunAs            int64             `json:"runAs,omitempty"`
	UsersToChangeID  []UserIDChange    `json:"usersToChangeId,omitempty"`
	EntryPoint       []string          `json:"entryPoint,omitempty"`
	Command          string            `json:"command,omitempty"`
	WorkingDirectory string            `json:"workingDirectory,omitempty"`
	ExecutionPolicy  ExecutionPolicy   `json:"executionPolicy,omitempty"`
	CronTime         string            `json:"cronTime,omitempty"`
}

type runInput struct {
	HostToIP map[string]string `json:"hostToIp,omitempty"`
}

type startInput struct {
	CopyWhenStarted    []CopyAction `json:"copyWhenStarted,omitempty"`
	ExecuteWhenStarted []string     `json:"executeWhenStarted,omitempty"`
}

// ImageUniqueID hashes everything that requires rebuilding the image
func (d *Definition) ImageUniqueID() string {
	assets := slices.Clone(d.Assets)
	slices.SortFunc(assets, func(a, b Asset) int {
		return cmp.Or(strings.Compare(a.Path, b.Path), strings.Compare(a.Content, b.Content))
	})

	redirects := slices.Clone(d.PortsRedirect)
	slices.SortFunc(redirects, func(a, b Redirect) int {
		return cmp.Or(
			cmp.Compare(a.LocalPort, b.LocalPort),
			strings.Compare(a.Machine, b.Machine),
			strings.Compare(a.Application, b.Application),
			strings.Compare(a.Endpoint, b.Endpoint),
		)
	})

	volumes := slices.Clone(d.Volumes)
	slices.SortFunc(volumes, func(a, b Volume) int {
		return cmp.Or(
			strings.Compare(a.ContainerFolder, b.ContainerFolder),
			strings.Compare(a.HostFolder, b.HostFolder),
			cmp.Compare(a.OwnerUID, b.OwnerUID),
			cmp.Compare(a.OwnerGID, b.OwnerGID),
			strings.Compare(a.Permissions, b.Permissions),
			compareBool(a.ReadOnly, b.ReadOnly),
		)
	})

	users := slices.Clone(d.UsersToChangeID)
	slices.SortFunc(users, func(a, b UserIDChange) int {
		return cmp.Or(strings.Compare(a.Username, b.Username), cmp.Compare(a.UID, b.UID))
	})

	return hash(imageInput{
		From:             d.From,
		Assets:           assets,
		BuildSteps:       d.BuildSteps,
		PortsExposed:     d.PortsExposed,
		PortsExposedUDP:  d.PortsExposedUDP,
		PortsEndpoint:    d.PortsEndpoint,
		PortsRedirect:    redirects,
		Volumes:          volumes,
		Environment:      d.Environment,
		RunAs:            d.RunAs,
		UsersToChangeID:  users,
		EntryPoint:       d.EntryPoint,
		Command:          d.Command,
		WorkingDirectory: d.WorkingDirectory,
		ExecutionPolicy:  d.Policy(),
		CronTime:         d.CronTime,
	})
}

// ContainerRunUniqueID hashes the arguments that only require a restart
func (d *Definition) ContainerRunUniqueID() string {
	return hash(runInput{HostToIP: d.HostToIP})
}

// ContainerStartUniqueID hashes the actions run once the container started
func (d *Definition) ContainerStartUniqueID() string {
	return hash(startInput{
		CopyWhenStarted:    d.CopyWhenStarted,
		ExecuteWhenStarted: d.ExecuteWhenStarted,
	})
}

func compareBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	}
	return 1
}

// hash digests the canonical JSON form of v. encoding/json writes map keys
// in sorted order and omitempty makes nil and empty collections equal.
func hash(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		// Only plain data types reach here
		panic(err)
	}
	return digest.FromBytes(data).Encoded()
}
