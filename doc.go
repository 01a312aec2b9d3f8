// Package provstation provides the deployment orchestration core for a
// provisioning station: a workstation application that flashes, configures,
// and deploys fleets of heterogeneous edge devices (USB-serial
// microcontrollers, SSH-reachable Linux boards, vendor cameras, local and
// remote Docker hosts) against a backend service that performs the actual
// device operations and exposes REST + WebSocket endpoints.
//
// # Architecture
//
// The core is a set of cooperating components scoped to one workflow screen:
//
//	┌─────────────────────────────────────┐
//	│         workflow.Workflow           │  Explicit per-screen scope,
//	│  (wires everything, owns teardown)  │  no package-level state
//	└─────────────────────────────────────┘
//	           ↓ coordinates
//	┌──────────┬──────────────┬───────────┐
//	│ sequence │   session    │ resolver  │  Section ordering, deployment
//	│  Engine  │  Controller  │           │  attempts, port/host resolution
//	└──────────┴──────┬───────┴───────────┘
//	                  │ streams via
//	┌─────────────────┴───────────────────┐
//	│          channel.Channel            │  One WebSocket per attempt,
//	│  (typed events, reconnect policy)   │  ordered per-device delivery
//	└─────────────────┬───────────────────┘
//	                  ↓ mutates
//	┌─────────────────────────────────────┐
//	│           state.Store               │  One DeviceState per active
//	│  (single source of truth for UI)    │  device, typed event stream
//	└─────────────────────────────────────┘
//
// Device heterogeneity is captured once, in the device package: a closed
// variant set plus a traits table mapping each variant to its connection
// shape, resolver strategy, and completion mode. Adding a device type
// touches one place.
//
// # Key Packages
//
//   - catalog: solution/preset/device-group definitions loaded from YAML
//   - device: closed device-type variant set and dispatch traits
//   - state: per-device mutable state store with typed event subscriptions
//   - resolver: serial-port heuristics and time-boxed network discovery
//   - session: deployment submission, retry, and auto-fix workflow
//   - channel: per-deployment WebSocket event channel with reconnection
//   - sequence: sequential / single-choice topologies and preset filtering
//   - backend: REST client for the provisioning backend contract
//   - workflow: the explicitly-scoped context object tying a screen together
//
// # Concurrency Model
//
// Multiple devices may run deployments simultaneously; each attempt owns its
// own channel goroutine, and events are applied in arrival order per device.
// No ordering is guaranteed across devices. The state store serializes
// mutations internally; device fields are logically partitioned by device id.
// All blocking operations take a context.Context and all teardown paths are
// idempotent.
package provstation
