package rofsock

// EventKind names something that happened inside a session.
type EventKind string

const (
	EventConnected      EventKind = "connected"
	EventConnectRefused EventKind = "connect_refused"
	EventClosed         EventKind = "closed"
	EventReceived       EventKind = "received"
	EventQueued         EventKind = "queued"
	EventSent           EventKind = "sent"
	// EventDropped covers outbound messages discarded before sending:
	// not connected, unclassifiable, queue full, encode or send failure,
	// or cleared on close.
	EventDropped     EventKind = "dropped"
	EventMalformed   EventKind = "malformed"
	EventUnsupported EventKind = "unsupported"
	EventFrameError  EventKind = "frame_error"
	EventReadError   EventKind = "read_error"
)

// Event is a structured record handed to an Observer. Fields that don't
// apply to a kind are left zero; Message is nil for lifecycle events.
type Event struct {
	Kind    EventKind
	Class   PriorityClass
	Depth   int
	Message *Message
	Err     error
}

// Observer receives session events. OnEvent must not block and must not
// retain Message.
type Observer interface {
	OnEvent(s *Session, e Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(s *Session, e Event)

// OnEvent calls f.
func (f ObserverFunc) OnEvent(s *Session, e Event) {
	f(s, e)
}

type multiObserver []Observer

// MultiObserver fans events out to every observer in order.
func MultiObserver(observers ...Observer) Observer {
	return multiObserver(observers)
}

func (m multiObserver) OnEvent(s *Session, e Event) {
	for _, o := range m {
		o.OnEvent(s, e)
	}
}

type logObserver struct {
	logger Logger
}

// NewLogObserver writes events to logger. Per-message traffic goes to
// debug, decode problems to warn, lifecycle changes to info.
func NewLogObserver(logger Logger) Observer {
	return &logObserver{logger: logger}
}

func (o *logObserver) OnEvent(s *Session, e Event) {
	args := []any{"session", s.ID()}
	if e.Message != nil {
		args = append(args, "message", e.Message.String())
	}
	if e.Err != nil {
		args = append(args, "error", e.Err)
	}

	switch e.Kind {
	case EventConnected, EventClosed:
		o.logger.Info("session "+string(e.Kind), args...)
	case EventConnectRefused:
		o.logger.Warn("connection refused", args...)
	case EventQueued, EventSent:
		args = append(args, "class", e.Class.String(), "depth", e.Depth)
		o.logger.Debug("message "+string(e.Kind), args...)
	case EventReceived:
		o.logger.Debug("message received", args...)
	case EventDropped:
		args = append(args, "class", e.Class.String(), "count", e.Depth)
		o.logger.Debug("message dropped", args...)
	case EventMalformed, EventUnsupported:
		o.logger.Warn("dropping invalid message", args...)
	case EventFrameError, EventReadError:
		o.logger.Warn("closing connection", args...)
	default:
		o.logger.Debug(string(e.Kind), args...)
	}
}
