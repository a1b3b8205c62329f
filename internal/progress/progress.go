// Package progress defines the event stream emitted by running migration
// units. The coordinator tags events with unit identifiers before relaying
// them, so callers can demultiplex concurrent units.
package progress

// Event is one progress report from a running unit.
type Event struct {
	Unit      string // unit label, filled in by the coordinator
	Source    string // source instance
	Target    string // target instance
	Database  string
	Phase     string
	Current   int
	Total     int
	Status    string
	SizeBytes int64
}

// Callback receives progress events. Implementations must be safe for
// concurrent calls from multiple units.
type Callback func(Event)

// Nop discards events; useful where no sink is attached.
func Nop(Event) {}
