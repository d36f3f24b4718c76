// Package presence derives the online/away/offline presence value from the
// host application's lifecycle signals.
package presence

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	// ErrInvalidStatus is returned for a status outside online/away/offline.
	ErrInvalidStatus = errors.New("presence: invalid status")
	// ErrUnknownLifecycle is returned for an unrecognised lifecycle signal.
	ErrUnknownLifecycle = errors.New("presence: unknown lifecycle state")
)

// Status is the reported presence value.
type Status string

const (
	Online  Status = "online"
	Away    Status = "away"
	Offline Status = "offline"
)

// ParseStatus validates s.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case Online, Away, Offline:
		return st, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
}

// Lifecycle is an application lifecycle signal.
type Lifecycle string

const (
	Resumed  Lifecycle = "resumed"
	Inactive Lifecycle = "inactive"
	Paused   Lifecycle = "paused"
	Hidden   Lifecycle = "hidden"
	Detached Lifecycle = "detached"
)

// ParseLifecycle validates s.
func ParseLifecycle(s string) (Lifecycle, error) {
	switch l := Lifecycle(strings.ToLower(strings.TrimSpace(s))); l {
	case Resumed, Inactive, Paused, Hidden, Detached:
		return l, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownLifecycle, s)
	}
}

// StatusFor maps a lifecycle signal to the presence it implies.
func StatusFor(l Lifecycle) Status {
	switch l {
	case Resumed:
		return Online
	case Detached:
		return Offline
	default:
		return Away
	}
}

// Listener is called once per presence change with the new status.
type Listener func(Status)

// Machine holds the current presence value. The zero value is not usable;
// call NewMachine.
type Machine struct {
	mu        sync.Mutex
	status    Status
	focused   bool
	screen    string
	nextID    int
	listeners map[int]Listener
}

// NewMachine returns a machine in the online state. It is not focused until
// the host reports resumed.
func NewMachine() *Machine {
	return &Machine{
		status:    Online,
		listeners: make(map[int]Listener),
	}
}

// Current returns the held status.
func (m *Machine) Current() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Focused reports whether the last lifecycle signal was resumed.
func (m *Machine) Focused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.focused
}

// Screen returns the screen name last reported by the host.
func (m *Machine) Screen() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.screen
}

// SetScreen records the screen the host application is showing.
func (m *Machine) SetScreen(screen string) {
	m.mu.Lock()
	m.screen = screen
	m.mu.Unlock()
}

// Signal applies a lifecycle signal. It reports whether the status changed;
// listeners are notified only on change.
func (m *Machine) Signal(l Lifecycle) bool {
	s := StatusFor(l)
	m.mu.Lock()
	m.focused = l == Resumed
	listeners, changed := m.setLocked(s)
	m.mu.Unlock()
	notify(listeners, s)
	return changed
}

// Set overrides the status manually.
func (m *Machine) Set(s Status) error {
	if _, err := ParseStatus(string(s)); err != nil {
		return err
	}
	m.mu.Lock()
	listeners, _ := m.setLocked(s)
	m.mu.Unlock()
	notify(listeners, s)
	return nil
}

// Subscribe registers fn for status changes. The returned cancel func
// removes it and may be called any number of times.
func (m *Machine) Subscribe(fn Listener) (cancel func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// setLocked stores s and returns the listeners to notify, none when the
// status did not change. m.mu must be held.
func (m *Machine) setLocked(s Status) ([]Listener, bool) {
	if m.status == s {
		return nil, false
	}
	m.status = s
	listeners := make([]Listener, 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	return listeners, true
}

func notify(listeners []Listener, s Status) {
	for _, fn := range listeners {
		fn(s)
	}
}
