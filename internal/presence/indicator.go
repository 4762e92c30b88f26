package presence

import "sync"

// Indicator labels.
const (
	LabelOnline     = "Online"
	LabelConnecting = "Connecting…"
)

// Indicator is the boolean online signal shown to the user. A dropped channel
// reads as "Connecting…", never as an error.
type Indicator struct {
	mu       sync.Mutex
	online   bool
	onChange func(online bool)
}

// NewIndicator returns an offline indicator.
func NewIndicator() *Indicator {
	return &Indicator{}
}

// OnChange registers f to be called on every transition.
func (i *Indicator) OnChange(f func(online bool)) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.onChange = f
}

// Set updates the signal and reports whether it changed.
func (i *Indicator) Set(online bool) bool {
	i.mu.Lock()
	if i.online == online {
		i.mu.Unlock()
		return false
	}
	i.online = online
	f := i.onChange
	i.mu.Unlock()

	if f != nil {
		f(online)
	}
	return true
}

// Online reports the current signal.
func (i *Indicator) Online() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.online
}

// Label returns the user-facing text for the current signal.
func (i *Indicator) Label() string {
	if i.Online() {
		return LabelOnline
	}
	return LabelConnecting
}
