package state

import (
	"sort"
	"sync"
	"time"

	pserr "github.com/c360/provstation/errors"
)

// EventKind identifies what changed on a device
type EventKind string

const (
	EventCreated        EventKind = "created"
	EventRemoved        EventKind = "removed"
	EventStatusChanged  EventKind = "status_changed"
	EventProgress       EventKind = "progress"
	EventLogAppended    EventKind = "log_appended"
	EventDetection      EventKind = "detection"
	EventConnection     EventKind = "connection"
	EventTargetSelected EventKind = "target_selected"
	EventSectionToggled EventKind = "section_toggled"
	EventFixPending     EventKind = "fix_pending"
	EventInputChanged   EventKind = "input_changed"
)

// Event describes one mutation. Events for the same device are delivered in
// mutation order; no ordering is guaranteed across devices.
type Event struct {
	DeviceID string
	Kind     EventKind
	Status   Status
	Progress float64
	Entry    LogEntry
}

// Subscription receives store events on C until Unsubscribe is called
type Subscription struct {
	C  chan Event
	id int
}

const subscriptionBuffer = 128

// Store holds one DeviceState per active device
type Store struct {
	mu      sync.Mutex
	devices map[string]*DeviceState
	subs    map[int]*Subscription
	nextSub int
	dropped int
	now     func() time.Time
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		devices: make(map[string]*DeviceState),
		subs:    make(map[int]*Subscription),
		now:     time.Now,
	}
}

// Subscribe registers a new event subscriber. Events are dropped, not
// blocked on, when the subscriber falls more than the buffer size behind.
func (s *Store) Subscribe() *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := &Subscription{
		C:  make(chan Event, subscriptionBuffer),
		id: s.nextSub,
	}
	s.nextSub++
	s.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscriber and closes its channel. Safe to call
// more than once.
func (s *Store) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub.id]; !ok {
		return
	}
	delete(s.subs, sub.id)
	close(sub.C)
}

// publish must be called with s.mu held
func (s *Store) publish(ev Event) {
	for _, sub := range s.subs {
		select {
		case sub.C <- ev:
		default:
			s.dropped++
		}
	}
}

// DroppedEvents returns how many events were discarded because a
// subscriber's buffer was full
func (s *Store) DroppedEvents() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Create seeds a new DeviceState with defaults. Returns ErrDuplicateDevice
// if the id already exists.
func (s *Store) Create(spec Spec, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[spec.ID]; ok {
		return pserr.ErrDuplicateDevice
	}
	s.devices[spec.ID] = &DeviceState{
		Spec:       spec,
		Index:      index,
		Status:     StatusPending,
		UserInputs: make(map[string]string),
	}
	s.publish(Event{DeviceID: spec.ID, Kind: EventCreated, Status: StatusPending})
	return nil
}

// Seed reconciles the store against a new active set. Devices that remain
// selected keep their existing state (logs, connection data, progress);
// new devices are created and devices no longer in the set are removed.
func (s *Store) Seed(specs []Spec) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keep := make(map[string]bool, len(specs))
	for i, spec := range specs {
		keep[spec.ID] = true
		if existing, ok := s.devices[spec.ID]; ok {
			existing.Index = i
			existing.Spec = spec
			continue
		}
		s.devices[spec.ID] = &DeviceState{
			Spec:       spec,
			Index:      i,
			Status:     StatusPending,
			UserInputs: make(map[string]string),
		}
		s.publish(Event{DeviceID: spec.ID, Kind: EventCreated, Status: StatusPending})
	}
	for id := range s.devices {
		if !keep[id] {
			delete(s.devices, id)
			s.publish(Event{DeviceID: id, Kind: EventRemoved})
		}
	}
}

// Get returns a copy of the device's state
func (s *Store) Get(id string) (DeviceState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return DeviceState{}, false
	}
	return d.snapshot(), true
}

// List returns copies of all device states ordered by index
func (s *Store) List() []DeviceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeviceState, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Len returns the number of active devices
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.devices)
}

func (s *Store) mutate(id string, fn func(*DeviceState) Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return pserr.ErrDeviceNotFound
	}
	ev := fn(d)
	ev.DeviceID = id
	s.publish(ev)
	return nil
}

// SetStatus overwrites the deployment status
func (s *Store) SetStatus(id string, status Status) error {
	return s.mutate(id, func(d *DeviceState) Event {
		d.Status = status
		if status == StatusPending || status == StatusRunning {
			d.FixPending = false
		}
		return Event{Kind: EventStatusChanged, Status: status, Progress: d.Progress}
	})
}

// SetProgress updates the numeric progress indicator
func (s *Store) SetProgress(id string, progress float64) error {
	return s.mutate(id, func(d *DeviceState) Event {
		d.Progress = progress
		return Event{Kind: EventProgress, Status: d.Status, Progress: progress}
	})
}

// AppendLog appends an entry to the device's log
func (s *Store) AppendLog(id string, level LogLevel, message string) error {
	return s.mutate(id, func(d *DeviceState) Event {
		entry := LogEntry{Timestamp: s.now(), Level: level, Message: message}
		d.Logs = append(d.Logs, entry)
		return Event{Kind: EventLogAppended, Status: d.Status, Entry: entry}
	})
}

// SetDetected records the outcome of serial port resolution. An empty port
// marks the device undetected.
func (s *Store) SetDetected(id, port string) error {
	return s.mutate(id, func(d *DeviceState) Event {
		d.Port = port
		d.Detected = port != ""
		return Event{Kind: EventDetection, Status: d.Status}
	})
}

// SetConnection replaces the device's connection parameters
func (s *Store) SetConnection(id string, conn Connection) error {
	return s.mutate(id, func(d *DeviceState) Event {
		c := conn
		d.Connection = &c
		return Event{Kind: EventConnection, Status: d.Status}
	})
}

// SetHost writes only the host field, creating the connection if needed.
// Used by network discovery selection, which never fills credentials.
func (s *Store) SetHost(id, host string) error {
	return s.mutate(id, func(d *DeviceState) Event {
		if d.Connection == nil {
			d.Connection = &Connection{}
		}
		d.Connection.Host = host
		return Event{Kind: EventConnection, Status: d.Status}
	})
}

// SetSelectedTarget records which named target the user picked
func (s *Store) SetSelectedTarget(id, target string) error {
	return s.mutate(id, func(d *DeviceState) Event {
		d.SelectedTarget = target
		return Event{Kind: EventTargetSelected, Status: d.Status}
	})
}

// SetUserInput records a free-form user-supplied field
func (s *Store) SetUserInput(id, key, value string) error {
	return s.mutate(id, func(d *DeviceState) Event {
		d.UserInputs[key] = value
		return Event{Kind: EventInputChanged, Status: d.Status}
	})
}

// SetSectionOpen expands or collapses the device's section
func (s *Store) SetSectionOpen(id string, open bool) error {
	return s.mutate(id, func(d *DeviceState) Event {
		d.SectionOpen = open
		return Event{Kind: EventSectionToggled, Status: d.Status}
	})
}

// SetLogsOpen expands or collapses the device's log panel
func (s *Store) SetLogsOpen(id string, open bool) error {
	return s.mutate(id, func(d *DeviceState) Event {
		d.LogsOpen = open
		return Event{Kind: EventSectionToggled, Status: d.Status}
	})
}

// SetFixPending marks that the device is awaiting a remediation decision,
// which suppresses the generic failure notification
func (s *Store) SetFixPending(id string, pending bool) error {
	return s.mutate(id, func(d *DeviceState) Event {
		d.FixPending = pending
		return Event{Kind: EventFixPending, Status: d.Status}
	})
}

// AllRequiredCompleted reports whether every required device has reached
// Completed. Recomputed on every call, never cached.
func (s *Store) AllRequiredCompleted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.devices) == 0 {
		return false
	}
	for _, d := range s.devices {
		if d.Spec.Required && d.Status != StatusCompleted {
			return false
		}
	}
	return true
}
