// Package resolver turns raw environment facts, enumerated serial ports and
// discovered network hosts, into concrete connection assignments per device.
// Resolution is best-effort: an unresolved port is a displayable state, not
// an error.
package resolver

import (
	"sort"
	"strings"

	"github.com/c360/provstation/backend"
	"github.com/c360/provstation/device"
)

// SerialQuery describes one device that needs a serial port
type SerialQuery struct {
	DeviceID string
	Type     device.Type
	// ReportedPort is the port the backend's device detection reported,
	// if any
	ReportedPort string
	// PriorPort is a port the user previously selected manually
	PriorPort string
	// VendorID/ProductID identify the device's known chipset, formatted
	// "0x%04x" as the backend reports them
	VendorID  string
	ProductID string
}

// ResolveSerial picks the best port for one device from the enumerated list.
// Returns the chosen port and true, or "" and false when manual selection is
// required.
func ResolveSerial(ports []backend.SerialPort, q SerialQuery) (string, bool) {
	// Step 1: a backend-reported port wins if it is still present, either
	// exactly or under an OS naming alias.
	if q.ReportedPort != "" {
		for _, p := range ports {
			if p.Device == q.ReportedPort {
				return p.Device, true
			}
		}
		for _, p := range ports {
			if aliasMatch(q.ReportedPort, p.Device) {
				return p.Device, true
			}
		}
	}

	// Step 2: match by the device's known chipset, disambiguating
	// dual-interface adapters by interface label or name suffix.
	if q.VendorID != "" && q.ProductID != "" {
		if port, ok := matchByChip(ports, q); ok {
			return port, true
		}
	}

	// Step 3: exactly one genuine USB-serial adapter present.
	if port, ok := singleGenuineAdapter(ports); ok {
		return port, true
	}

	// Step 4: keep a prior manual selection if it still exists.
	if q.PriorPort != "" {
		for _, p := range ports {
			if p.Device == q.PriorPort {
				return p.Device, true
			}
		}
	}

	return "", false
}

// aliasMatch reports whether two port names refer to the same physical port
// under a different OS naming scheme. On macOS /dev/cu.* and /dev/tty.* are
// the same device, and the same adapter may appear as wchusbserial or
// usbmodem. Falls back to comparing trailing digit runs, a heuristic that
// can misfire on unusual naming schemes.
func aliasMatch(a, b string) bool {
	na, nb := normalizePort(a), normalizePort(b)
	if na == nb {
		return true
	}
	sa, sb := trailingDigits(na), trailingDigits(nb)
	return len(sa) >= 2 && sa == sb
}

func normalizePort(name string) string {
	n := strings.TrimPrefix(name, "/dev/cu.")
	n = strings.TrimPrefix(n, "/dev/tty.")
	n = strings.Replace(n, "wchusbserial", "usbmodem", 1)
	return strings.ToLower(n)
}

func trailingDigits(name string) string {
	i := len(name)
	for i > 0 && name[i-1] >= '0' && name[i-1] <= '9' {
		i--
	}
	return name[i:]
}

// interfaceScore scores which interface of a dual-interface USB-serial
// adapter a port is. Positive means the secondary interface (the one serial
// type A flashes through), negative means the primary (serial type B).
// Conventions observed across platforms: Windows labels the interfaces
// SERIAL-A/SERIAL-B, macOS port names end in ...1 (primary) or ...3
// (secondary).
func interfaceScore(p backend.SerialPort) int {
	desc := strings.ToUpper(p.Description)
	name := strings.ToLower(p.Device)

	if strings.Contains(desc, "SERIAL-B") {
		return 100
	}
	if strings.Contains(desc, "SERIAL-A") {
		return -100
	}
	if strings.HasSuffix(name, "53") {
		return 100
	}
	if strings.HasSuffix(name, "51") {
		return -100
	}
	if name != "" {
		switch name[len(name)-1] {
		case '3':
			return 90
		case '1':
			return -90
		}
		if c := name[len(name)-1]; c >= '0' && c <= '9' {
			return int(c-'0') - 2
		}
	}
	return 0
}

func matchByChip(ports []backend.SerialPort, q SerialQuery) (string, bool) {
	var candidates []backend.SerialPort
	for _, p := range ports {
		if strings.EqualFold(p.VID, q.VendorID) && strings.EqualFold(p.PID, q.ProductID) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}

	// Sort by device name first so equal scores break deterministically.
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Device < candidates[j].Device
	})

	switch device.TraitsFor(q.Type).Resolver {
	case device.ResolveSerialSecondary:
		// Type A only accepts ports that look like the secondary
		// interface; a lone primary-looking port falls through to the
		// single-adapter rule so it is never stolen from type B.
		best, bestScore := "", 0
		for _, c := range candidates {
			if s := interfaceScore(c); s > bestScore {
				best, bestScore = c.Device, s
			}
		}
		if best != "" {
			return best, true
		}
		return "", false
	case device.ResolveSerialPrimary:
		// Type B takes the most primary-looking port.
		best, bestScore := candidates[0].Device, interfaceScore(candidates[0])
		for _, c := range candidates[1:] {
			if s := interfaceScore(c); s < bestScore {
				best, bestScore = c.Device, s
			}
		}
		return best, true
	default:
		return candidates[0].Device, true
	}
}

// singleGenuineAdapter selects the port when exactly one enumerated port
// exposes USB vendor/product identifiers at all
func singleGenuineAdapter(ports []backend.SerialPort) (string, bool) {
	found := ""
	for _, p := range ports {
		if p.VID != "" && p.PID != "" {
			if found != "" {
				return "", false
			}
			found = p.Device
		}
	}
	return found, found != ""
}
