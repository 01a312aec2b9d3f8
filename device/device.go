// Package device defines the closed set of device types the provisioning
// station knows how to deploy to, plus the traits table that maps each type
// to its connection shape, resolver strategy, and completion mode. Adding a
// device type means adding a constant and one traits entry here.
package device

import (
	"strings"
)

// Type identifies a provisionable device variant
type Type string

const (
	// TypeESP32USB is a USB-serial microcontroller flashed over the
	// secondary interface of its dual-interface adapter
	TypeESP32USB Type = "esp32_usb"
	// TypeHimaxUSB is a USB-serial vision module flashed over the primary
	// interface of the same adapter family
	TypeHimaxUSB Type = "himax_usb"
	// TypeSSHDeb is a Debian-based board provisioned over SSH
	TypeSSHDeb Type = "ssh_deb"
	// TypeRecameraCPP is a vendor camera provisioned over SSH
	TypeRecameraCPP Type = "recamera_cpp"
	// TypeRecameraNodeRED is a vendor camera provisioned through its web API
	TypeRecameraNodeRED Type = "recamera_nodered"
	// TypeDockerDeploy offers named targets that resolve to docker_local
	// or docker_remote at deploy time
	TypeDockerDeploy Type = "docker_deploy"
	// TypeDockerLocal runs containers on the workstation itself
	TypeDockerLocal Type = "docker_local"
	// TypeDockerRemote runs containers on an SSH-reachable host
	TypeDockerRemote Type = "docker_remote"
	// TypeManual is an instruction-only step confirmed by the user
	TypeManual Type = "manual"
	// TypeScript is a user-run script step confirmed by the user
	TypeScript Type = "script"
	// TypePreview is a live camera preview step
	TypePreview Type = "preview"
	// TypeSerialCamera is a serial camera with an on-device face database
	TypeSerialCamera Type = "serial_camera"
)

// ConnectionShape describes which connection fields a type submits
type ConnectionShape int

const (
	// ShapeNone submits an empty connection object
	ShapeNone ConnectionShape = iota
	// ShapeSerial submits {port}
	ShapeSerial
	// ShapeSerialModels submits {port, selected_models}
	ShapeSerialModels
	// ShapeSSH submits {host, port, username, password}
	ShapeSSH
	// ShapeCameraWebAPI submits {recamera_ip, nodered_host, ssh_username,
	// ssh_password, ssh_port}
	ShapeCameraWebAPI
)

// ResolverStrategy describes how the connection resolver fills in fields
// for a type
type ResolverStrategy int

const (
	// ResolveNone leaves the connection untouched
	ResolveNone ResolverStrategy = iota
	// ResolveSerialSecondary matches the secondary interface of a
	// dual-interface USB-serial adapter
	ResolveSerialSecondary
	// ResolveSerialPrimary matches the primary interface
	ResolveSerialPrimary
	// ResolveNetwork suggests hosts from a time-boxed network scan
	ResolveNetwork
)

// CompletionMode describes how a device reaches Completed
type CompletionMode int

const (
	// CompleteByBackend means a terminal status arrives on the event channel
	CompleteByBackend CompletionMode = iota
	// CompleteByUser means the user confirms completion explicitly
	CompleteByUser
)

// Traits captures everything type-specific the orchestrator needs to know
type Traits struct {
	Shape      ConnectionShape
	Resolver   ResolverStrategy
	Completion CompletionMode
	// Deployable is false for instruction-only steps that never submit a
	// backend request
	Deployable bool
}

var traitsTable = map[Type]Traits{
	TypeESP32USB:        {Shape: ShapeSerial, Resolver: ResolveSerialSecondary, Completion: CompleteByBackend, Deployable: true},
	TypeHimaxUSB:        {Shape: ShapeSerialModels, Resolver: ResolveSerialPrimary, Completion: CompleteByBackend, Deployable: true},
	TypeSSHDeb:          {Shape: ShapeSSH, Resolver: ResolveNetwork, Completion: CompleteByBackend, Deployable: true},
	TypeRecameraCPP:     {Shape: ShapeSSH, Resolver: ResolveNetwork, Completion: CompleteByBackend, Deployable: true},
	TypeRecameraNodeRED: {Shape: ShapeCameraWebAPI, Resolver: ResolveNetwork, Completion: CompleteByBackend, Deployable: true},
	TypeDockerDeploy:    {Shape: ShapeNone, Resolver: ResolveNone, Completion: CompleteByBackend, Deployable: true},
	TypeDockerLocal:     {Shape: ShapeNone, Resolver: ResolveNone, Completion: CompleteByBackend, Deployable: true},
	TypeDockerRemote:    {Shape: ShapeSSH, Resolver: ResolveNetwork, Completion: CompleteByBackend, Deployable: true},
	TypeManual:          {Shape: ShapeNone, Resolver: ResolveNone, Completion: CompleteByUser, Deployable: false},
	TypeScript:          {Shape: ShapeNone, Resolver: ResolveNone, Completion: CompleteByUser, Deployable: false},
	TypePreview:         {Shape: ShapeNone, Resolver: ResolveNone, Completion: CompleteByUser, Deployable: false},
	TypeSerialCamera:    {Shape: ShapeSerial, Resolver: ResolveSerialPrimary, Completion: CompleteByBackend, Deployable: true},
}

// TraitsFor returns the traits for a type. Unknown types get zero-value
// traits (no connection, no resolver, backend completion, not deployable).
func TraitsFor(t Type) Traits {
	return traitsTable[t]
}

// IsValid reports whether t is one of the known device types
func (t Type) IsValid() bool {
	_, ok := traitsTable[t]
	return ok
}

// String returns the wire name of the type
func (t Type) String() string {
	return string(t)
}

// Effective resolves docker_deploy to its concrete sub-type based on the
// selected target. A target name containing "remote", or an explicit
// deploy_target option of "docker_remote", selects remote execution; any
// other target selects local. Non-docker types resolve to themselves.
func (t Type) Effective(selectedTarget, deployTargetOption string) Type {
	if t != TypeDockerDeploy {
		return t
	}
	if deployTargetOption == string(TypeDockerRemote) {
		return TypeDockerRemote
	}
	if strings.Contains(strings.ToLower(selectedTarget), "remote") {
		return TypeDockerRemote
	}
	return TypeDockerLocal
}

// NeedsSerialPort reports whether the type's connection shape includes a
// serial port
func (t Type) NeedsSerialPort() bool {
	shape := TraitsFor(t).Shape
	return shape == ShapeSerial || shape == ShapeSerialModels
}

// NeedsNetworkHost reports whether the type's connection shape includes a
// network host
func (t Type) NeedsNetworkHost() bool {
	shape := TraitsFor(t).Shape
	return shape == ShapeSSH || shape == ShapeCameraWebAPI
}

// All returns the known types in a stable order, useful for validation
// messages
func All() []Type {
	return []Type{
		TypeESP32USB,
		TypeHimaxUSB,
		TypeSSHDeb,
		TypeRecameraCPP,
		TypeRecameraNodeRED,
		TypeDockerDeploy,
		TypeDockerLocal,
		TypeDockerRemote,
		TypeManual,
		TypeScript,
		TypePreview,
		TypeSerialCamera,
	}
}
