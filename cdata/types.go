package cdata

// State is the lifecycle state of a handle. Released and Finalized are
// terminal.
type State uint32

const (
	StateLive State = iota
	StateReleased
	StateFinalized
)

func (s State) String() string {
	switch s {
	case StateLive:
		return "live"
	case StateReleased:
		return "released"
	case StateFinalized:
		return "finalized"
	}
	return "unknown"
}

// EventType identifies a lifecycle notification.
type EventType uint8

const (
	EventCreated EventType = iota
	EventReleased
	EventFinalized
)

// Event describes a lifecycle transition of a handle.
type Event struct {
	Handle *Handle
	Type   EventType
}

// Observer receives lifecycle events.
type Observer interface {
	OnCdataEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnCdataEvent(e Event) { f(e) }

// Buffer is a byte buffer that may back a cdata view.
type Buffer interface {
	Bytes() []byte
	ReadOnly() bool
}

type byteBuffer struct {
	b        []byte
	readOnly bool
}

func (b byteBuffer) Bytes() []byte  { return b.b }
func (b byteBuffer) ReadOnly() bool { return b.readOnly }

// Bytes wraps a writable Go byte slice.
func Bytes(b []byte) Buffer { return byteBuffer{b: b} }

// ReadOnlyBytes wraps a Go byte slice that views must not modify.
func ReadOnlyBytes(b []byte) Buffer { return byteBuffer{b: b, readOnly: true} }
