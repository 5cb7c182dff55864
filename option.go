package rofsock

import (
	"time"

	"github.com/pkg/errors"
)

// ErrorAction defines the action to take when an inbound message can't be
// decoded.
type ErrorAction int

const (
	// Disconnect closes the connection when an error occurs.
	Disconnect ErrorAction = iota
	// Continue drops the message and keeps the connection.
	Continue
)

// ErrInvalidCodec is returned when a nil codec is configured.
var ErrInvalidCodec = errors.New("invalid codec")

// options holds the configuration for a session.
type options struct {
	codec            Codec
	classifier       Classifier
	logger           Logger
	observer         Observer
	transportFactory TransportFactory

	// onError is called for every decode error.
	// Returns Disconnect to close the connection, Continue to drop the message.
	onError func(error) ErrorAction

	classes   []ClassConfig
	heartbeat time.Duration // echo request interval, zero disables it
	version   uint8         // version used for locally originated requests
	codecSet  bool
}

// Option is a function that configures session options.
type Option func(*options)

// checkOptions validates and sets default values for session options.
func checkOptions(opts *options) error {
	if opts.codecSet && opts.codec == nil {
		return ErrInvalidCodec
	}

	if opts.codec == nil {
		opts.codec = NewDispatcher()
	}

	if opts.classifier == nil {
		if c, ok := opts.codec.(Classifier); ok {
			opts.classifier = c
		} else {
			opts.classifier = NewDispatcher()
		}
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	if opts.observer == nil {
		opts.observer = NewLogObserver(opts.logger)
	}

	if opts.transportFactory == nil {
		opts.transportFactory = NewTCPTransport
	}

	if opts.onError == nil {
		opts.onError = func(error) ErrorAction { return Continue }
	}

	if len(opts.classes) == 0 {
		opts.classes = DefaultClassConfigs()
	}

	if opts.heartbeat < 0 {
		opts.heartbeat = 0
	}

	if opts.version == 0 {
		opts.version = Version13
	}

	return nil
}

// CustomCodecOption returns an Option that replaces the built-in
// dispatcher. If the codec also implements Classifier it is used to route
// outbound messages.
func CustomCodecOption(codec Codec) Option {
	return func(o *options) {
		o.codec = codec
		o.codecSet = true
	}
}

// ClassifierOption returns an Option that sets how outbound messages are
// mapped to priority classes.
func ClassifierOption(c Classifier) Option {
	return func(o *options) {
		o.classifier = c
	}
}

// ClassConfigOption returns an Option that sets the quota and capacity of
// every priority class, indexed by class.
func ClassConfigOption(classes []ClassConfig) Option {
	return func(o *options) {
		o.classes = append([]ClassConfig(nil), classes...)
	}
}

// HeartbeatOption returns an Option that sets the echo request interval
// used by Run. Zero disables the heartbeat.
func HeartbeatOption(heartbeat time.Duration) Option {
	return func(o *options) {
		o.heartbeat = heartbeat
	}
}

// VersionOption returns an Option that sets the protocol version of
// locally originated requests until the peer's version is known.
func VersionOption(version uint8) Option {
	return func(o *options) {
		o.version = version
	}
}

// OnErrorOption returns an Option that sets the decode error callback.
// Return Disconnect to close the connection, or Continue to drop the
// message. The default is Continue.
func OnErrorOption(cb func(error) ErrorAction) Option {
	return func(o *options) {
		o.onError = cb
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// ObserverOption returns an Option that sets the event sink. If not set,
// events are written to the logger.
func ObserverOption(observer Observer) Option {
	return func(o *options) {
		o.observer = observer
	}
}

// TransportFactoryOption returns an Option that sets how transports are
// built. The default is NewTCPTransport.
func TransportFactoryOption(factory TransportFactory) Option {
	return func(o *options) {
		o.transportFactory = factory
	}
}
