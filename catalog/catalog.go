// Package catalog loads and validates solution definitions: the devices a
// solution provisions, the presets that narrow the device list, and the
// device groups that drive instructional content. Catalogs are YAML files
// authored alongside the solution's deployment assets.
package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/c360/provstation/device"
	pserr "github.com/c360/provstation/errors"
)

// SelectionMode declares how a workflow presents its devices
type SelectionMode string

const (
	// SelectionSequential shows all active devices as an ordered list of
	// sections
	SelectionSequential SelectionMode = "sequential"
	// SelectionSingleChoice shows a mutually exclusive choice of one
	// device at a time
	SelectionSingleChoice SelectionMode = "single_choice"
)

// Detection carries the USB identifiers used to match a serial device's
// chipset
type Detection struct {
	VendorID  string `yaml:"usb_vendor_id"`
	ProductID string `yaml:"usb_product_id"`
}

// Target is one named connection alternative for a device
type Target struct {
	Name       string `yaml:"name"`
	ConfigFile string `yaml:"config_file"`
	Default    bool   `yaml:"default"`
}

// UserInput declares a free-form field the user fills in before deployment
type UserInput struct {
	Key      string `yaml:"key"`
	Label    string `yaml:"label"`
	Default  string `yaml:"default"`
	Required bool   `yaml:"required"`
}

// ShowWhen is a preset-membership predicate for a device
type ShowWhen struct {
	Presets []string `yaml:"presets"`
}

// DeviceRef is one device definition inside a solution
type DeviceRef struct {
	ID         string            `yaml:"id"`
	Type       device.Type       `yaml:"type"`
	Name       string            `yaml:"name"`
	Required   bool              `yaml:"required"`
	ShowWhen   *ShowWhen         `yaml:"show_when"`
	Targets    map[string]Target `yaml:"targets"`
	UserInputs []UserInput       `yaml:"user_inputs"`
	Detection  Detection         `yaml:"detection"`
}

// GroupSelection declares how many options of a device group may be picked
type GroupSelection string

const (
	GroupSingle   GroupSelection = "single"
	GroupMultiple GroupSelection = "multiple"
	GroupQuantity GroupSelection = "quantity"
)

// GroupOption is one selectable entry in a device group
type GroupOption struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	DeviceRef string `yaml:"device_ref"`
	Quantity  int    `yaml:"quantity"`
}

// DeviceGroup offers a selection whose outcome feeds instructional content
type DeviceGroup struct {
	ID        string         `yaml:"id"`
	Name      string         `yaml:"name"`
	Selection GroupSelection `yaml:"selection"`
	Options   []GroupOption  `yaml:"options"`
}

// Preset narrows the active device set and may declare device groups
type Preset struct {
	ID           string        `yaml:"id"`
	Name         string        `yaml:"name"`
	Devices      []string      `yaml:"devices"`
	DeviceGroups []DeviceGroup `yaml:"device_groups"`
}

// Solution is one loaded catalog
type Solution struct {
	ID            string        `yaml:"id"`
	Name          string        `yaml:"name"`
	SelectionMode SelectionMode `yaml:"selection_mode"`
	Devices       []DeviceRef   `yaml:"devices"`
	Presets       []Preset      `yaml:"presets"`
}

// Load reads and validates a solution catalog from a YAML file
func Load(path string) (*Solution, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pserr.WrapFatal(err, "catalog", "Load", "read catalog file")
	}
	return Parse(data)
}

// Parse decodes and validates a solution catalog
func Parse(data []byte) (*Solution, error) {
	var sol Solution
	if err := yaml.Unmarshal(data, &sol); err != nil {
		return nil, pserr.WrapInvalid(err, "catalog", "Parse", "decode catalog")
	}
	if err := sol.validate(); err != nil {
		return nil, err
	}
	return &sol, nil
}

func (s *Solution) validate() error {
	invalid := func(format string, args ...any) error {
		return pserr.WrapInvalid(
			fmt.Errorf("%w: %s", pserr.ErrInvalidCatalog, fmt.Sprintf(format, args...)),
			"catalog", "Parse", "validate catalog")
	}

	if s.ID == "" {
		return invalid("solution id is required")
	}
	if s.SelectionMode == "" {
		s.SelectionMode = SelectionSequential
	}
	if s.SelectionMode != SelectionSequential && s.SelectionMode != SelectionSingleChoice {
		return invalid("unknown selection mode %q", s.SelectionMode)
	}
	if len(s.Devices) == 0 {
		return invalid("solution %s declares no devices", s.ID)
	}

	seen := make(map[string]bool, len(s.Devices))
	for _, d := range s.Devices {
		if d.ID == "" {
			return invalid("device without id in solution %s", s.ID)
		}
		if seen[d.ID] {
			return invalid("duplicate device id %q", d.ID)
		}
		seen[d.ID] = true
		if !d.Type.IsValid() {
			return invalid("device %q has unknown type %q", d.ID, d.Type)
		}
		defaults := 0
		for name, tgt := range d.Targets {
			if name == "" {
				return invalid("device %q has an unnamed target", d.ID)
			}
			if tgt.Default {
				defaults++
			}
		}
		if defaults > 1 {
			return invalid("device %q declares multiple default targets", d.ID)
		}
	}

	presetSeen := make(map[string]bool, len(s.Presets))
	for _, p := range s.Presets {
		if p.ID == "" {
			return invalid("preset without id in solution %s", s.ID)
		}
		if presetSeen[p.ID] {
			return invalid("duplicate preset id %q", p.ID)
		}
		presetSeen[p.ID] = true
		for _, id := range p.Devices {
			if !seen[id] {
				return invalid("preset %q references unknown device %q", p.ID, id)
			}
		}
		for _, g := range p.DeviceGroups {
			switch g.Selection {
			case GroupSingle, GroupMultiple, GroupQuantity:
			default:
				return invalid("group %q has unknown selection %q", g.ID, g.Selection)
			}
			for _, opt := range g.Options {
				if opt.DeviceRef != "" && !seen[opt.DeviceRef] {
					return invalid("group %q references unknown device %q", g.ID, opt.DeviceRef)
				}
			}
		}
	}

	for _, d := range s.Devices {
		if d.ShowWhen == nil {
			continue
		}
		for _, pid := range d.ShowWhen.Presets {
			if !presetSeen[pid] {
				return invalid("device %q show_when references unknown preset %q", d.ID, pid)
			}
		}
	}

	return nil
}

// Device looks up a device definition by id
func (s *Solution) Device(id string) (DeviceRef, bool) {
	for _, d := range s.Devices {
		if d.ID == id {
			return d, true
		}
	}
	return DeviceRef{}, false
}

// Preset looks up a preset by id
func (s *Solution) Preset(id string) (Preset, bool) {
	for _, p := range s.Presets {
		if p.ID == id {
			return p, true
		}
	}
	return Preset{}, false
}

// ActiveDevices computes the device list for a preset. A preset with its
// own device list selects exactly those devices in that order; otherwise
// the global list is filtered by each device's show_when predicate. An
// empty presetID selects every device without a show_when restriction.
func (s *Solution) ActiveDevices(presetID string) ([]DeviceRef, error) {
	if presetID == "" {
		var out []DeviceRef
		for _, d := range s.Devices {
			if d.ShowWhen == nil {
				out = append(out, d)
			}
		}
		return out, nil
	}

	preset, ok := s.Preset(presetID)
	if !ok {
		return nil, pserr.WrapInvalid(
			fmt.Errorf("%w: %q", pserr.ErrUnknownPreset, presetID),
			"catalog", "ActiveDevices", "look up preset")
	}

	if len(preset.Devices) > 0 {
		out := make([]DeviceRef, 0, len(preset.Devices))
		for _, id := range preset.Devices {
			if d, found := s.Device(id); found {
				out = append(out, d)
			}
		}
		return out, nil
	}

	var out []DeviceRef
	for _, d := range s.Devices {
		if d.ShowWhen == nil {
			out = append(out, d)
			continue
		}
		for _, pid := range d.ShowWhen.Presets {
			if pid == presetID {
				out = append(out, d)
				break
			}
		}
	}
	return out, nil
}

// DefaultTarget returns the device's default target name, or the only
// target when just one exists, or "" when the device has no targets
func (d DeviceRef) DefaultTarget() string {
	only := ""
	for name, tgt := range d.Targets {
		if tgt.Default {
			return name
		}
		only = name
	}
	if len(d.Targets) == 1 {
		return only
	}
	return ""
}
