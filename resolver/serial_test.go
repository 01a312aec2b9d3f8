package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/c360/provstation/backend"
	"github.com/c360/provstation/device"
)

const (
	chipVID = "0x1a86"
	chipPID = "0x55d3"
)

func dualInterfacePorts() []backend.SerialPort {
	return []backend.SerialPort{
		{Device: "/dev/cu.usbmodem14201", Description: "USB Dual Serial", VID: chipVID, PID: chipPID},
		{Device: "/dev/cu.usbmodem14203", Description: "USB Dual Serial", VID: chipVID, PID: chipPID},
	}
}

func TestResolveReportedPortExactMatch(t *testing.T) {
	ports := []backend.SerialPort{
		{Device: "/dev/ttyUSB0", VID: "0x1a86", PID: "0x7523"},
		{Device: "/dev/ttyUSB1", VID: "0x1a86", PID: "0x7523"},
	}
	got, ok := ResolveSerial(ports, SerialQuery{
		DeviceID: "esp32", Type: device.TypeESP32USB, ReportedPort: "/dev/ttyUSB1",
	})
	assert.True(t, ok)
	assert.Equal(t, "/dev/ttyUSB1", got)
}

func TestResolveReportedPortAliasMatch(t *testing.T) {
	// Detection saw the cu name, enumeration now lists the tty name.
	ports := []backend.SerialPort{
		{Device: "/dev/tty.wchusbserial14230", VID: chipVID, PID: chipPID},
	}
	got, ok := ResolveSerial(ports, SerialQuery{
		DeviceID: "esp32", Type: device.TypeESP32USB, ReportedPort: "/dev/cu.usbmodem14230",
	})
	assert.True(t, ok)
	assert.Equal(t, "/dev/tty.wchusbserial14230", got)
}

func TestResolveDualInterfacePreferences(t *testing.T) {
	ports := dualInterfacePorts()

	esp, ok := ResolveSerial(ports, SerialQuery{
		DeviceID: "esp32", Type: device.TypeESP32USB, VendorID: chipVID, ProductID: chipPID,
	})
	assert.True(t, ok)
	assert.Equal(t, "/dev/cu.usbmodem14203", esp, "type A takes the secondary interface")

	himax, ok := ResolveSerial(ports, SerialQuery{
		DeviceID: "himax", Type: device.TypeHimaxUSB, VendorID: chipVID, ProductID: chipPID,
	})
	assert.True(t, ok)
	assert.Equal(t, "/dev/cu.usbmodem14201", himax, "type B takes the primary interface")

	assert.NotEqual(t, esp, himax, "co-present dual-interface devices never share a port")
}

func TestResolveWindowsInterfaceLabels(t *testing.T) {
	ports := []backend.SerialPort{
		{Device: "COM7", Description: "USB-Enhanced-SERIAL-A CH342", VID: chipVID, PID: chipPID},
		{Device: "COM8", Description: "USB-Enhanced-SERIAL-B CH342", VID: chipVID, PID: chipPID},
	}

	esp, ok := ResolveSerial(ports, SerialQuery{
		DeviceID: "esp32", Type: device.TypeESP32USB, VendorID: chipVID, ProductID: chipPID,
	})
	assert.True(t, ok)
	assert.Equal(t, "COM8", esp)

	himax, ok := ResolveSerial(ports, SerialQuery{
		DeviceID: "himax", Type: device.TypeHimaxUSB, VendorID: chipVID, ProductID: chipPID,
	})
	assert.True(t, ok)
	assert.Equal(t, "COM7", himax)
}

func TestResolveDeterministicAcrossEnumerationOrder(t *testing.T) {
	forward := dualInterfacePorts()
	reversed := []backend.SerialPort{forward[1], forward[0]}

	q := SerialQuery{DeviceID: "esp32", Type: device.TypeESP32USB, VendorID: chipVID, ProductID: chipPID}
	a, _ := ResolveSerial(forward, q)
	b, _ := ResolveSerial(reversed, q)
	assert.Equal(t, a, b)
}

func TestResolveSingleGenuineAdapter(t *testing.T) {
	// One real USB-serial adapter among ports with no USB identifiers:
	// any serial device type selects it.
	ports := []backend.SerialPort{
		{Device: "/dev/ttyS0"},
		{Device: "/dev/ttyUSB0", VID: "0x1a86", PID: "0x7523"},
		{Device: "/dev/ttyS1"},
	}

	for _, typ := range []device.Type{device.TypeESP32USB, device.TypeHimaxUSB, device.TypeSerialCamera} {
		got, ok := ResolveSerial(ports, SerialQuery{DeviceID: "dev", Type: typ})
		assert.True(t, ok, "type %s", typ)
		assert.Equal(t, "/dev/ttyUSB0", got, "type %s", typ)
	}
}

func TestResolvePreservesPriorManualSelection(t *testing.T) {
	ports := []backend.SerialPort{
		{Device: "/dev/ttyUSB0", VID: "0x0403", PID: "0x6001"},
		{Device: "/dev/ttyUSB2", VID: "0x10c4", PID: "0xea60"},
	}
	got, ok := ResolveSerial(ports, SerialQuery{
		DeviceID: "esp32", Type: device.TypeESP32USB, PriorPort: "/dev/ttyUSB2",
	})
	assert.True(t, ok)
	assert.Equal(t, "/dev/ttyUSB2", got)
}

func TestResolveUnresolvedIsNotAnError(t *testing.T) {
	got, ok := ResolveSerial(nil, SerialQuery{DeviceID: "esp32", Type: device.TypeESP32USB})
	assert.False(t, ok)
	assert.Empty(t, got)

	// Prior selection that disappeared does not resurrect.
	got, ok = ResolveSerial([]backend.SerialPort{{Device: "/dev/ttyS0"}}, SerialQuery{
		DeviceID: "esp32", Type: device.TypeESP32USB, PriorPort: "/dev/ttyUSB9",
	})
	assert.False(t, ok)
	assert.Empty(t, got)
}

func TestResolveTypeANeverStealsLonePrimaryInterface(t *testing.T) {
	// Two adapters present, but the matching chip only exposes its primary
	// interface. Type A must not claim it; manual selection is required.
	ports := []backend.SerialPort{
		{Device: "/dev/cu.usbmodem14201", VID: chipVID, PID: chipPID},
		{Device: "/dev/ttyUSB0", VID: "0x0403", PID: "0x6001"},
	}
	got, ok := ResolveSerial(ports, SerialQuery{
		DeviceID: "esp32", Type: device.TypeESP32USB, VendorID: chipVID, ProductID: chipPID,
	})
	assert.False(t, ok)
	assert.Empty(t, got)
}

func TestInterfaceScoreNumericSuffixHeuristic(t *testing.T) {
	// The trailing-digit convention is a known heuristic boundary: port
	// names that end in 1 or 3 are assumed to encode the interface, which
	// may not hold on unusual OS naming schemes.
	assert.Positive(t, interfaceScore(backend.SerialPort{Device: "/dev/cu.wchusbserial53"}))
	assert.Negative(t, interfaceScore(backend.SerialPort{Device: "/dev/cu.wchusbserial51"}))
	assert.Positive(t, interfaceScore(backend.SerialPort{Device: "/dev/ttyACM3"}))
	assert.Negative(t, interfaceScore(backend.SerialPort{Device: "/dev/ttyACM1"}))
	assert.Zero(t, interfaceScore(backend.SerialPort{Device: "/dev/ttyUSBx"}))
}

func TestAliasMatch(t *testing.T) {
	assert.True(t, aliasMatch("/dev/cu.usbmodem14230", "/dev/tty.usbmodem14230"))
	assert.True(t, aliasMatch("/dev/cu.wchusbserial14230", "/dev/cu.usbmodem14230"))
	assert.True(t, aliasMatch("/dev/tty.wchusbserial14230", "/dev/cu.usbmodem14230"))
	assert.False(t, aliasMatch("/dev/cu.usbmodem14230", "/dev/cu.usbmodem14210"))
	assert.False(t, aliasMatch("/dev/ttyUSB0", "/dev/ttyACM1"))
}
