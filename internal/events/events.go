// Package events defines the closed set of notifications exchanged between
// streaming components, and a non-blocking bus that distributes them.
package events

import "time"

// Kind identifies an event variant.
type Kind string

// Event kinds.
const (
	KindFrameProduced       Kind = "frame_produced"
	KindFrameDropped        Kind = "frame_dropped"
	KindEncoderStateChanged Kind = "encoder_state_changed"
	KindEncoderRestarting   Kind = "encoder_restarting"
	KindEncoderFatal        Kind = "encoder_fatal"
	KindOutputFailed        Kind = "output_failed"
	KindOutputDeactivated   Kind = "output_deactivated"
	KindOutputActivated     Kind = "output_activated"
	KindRTMPConnected       Kind = "rtmp_connected"
	KindRTMPPublishStarted  Kind = "rtmp_publish_started"
	KindRTMPPublishRejected Kind = "rtmp_publish_rejected"
	KindRTMPPlay            Kind = "rtmp_play"
	KindRTMPDisconnected    Kind = "rtmp_disconnected"
)

// Event is implemented only by the types in this package.
type Event interface {
	Kind() Kind
	event()
}

// FrameProduced is published for every frame handed to the encoder.
// Pixels is a private copy and is only populated when preview is enabled.
type FrameProduced struct {
	Seq    uint64
	Width  int
	Height int
	Format string
	At     time.Time
	Pixels []byte
}

// FrameDropped is published when a stage discards a frame.
type FrameDropped struct {
	Stage  string
	Reason string
	At     time.Time
}

// EncoderStateChanged is published on every encoder state transition.
type EncoderStateChanged struct {
	From string
	To   string
	At   time.Time
}

// EncoderRestarting is published before each restart attempt.
type EncoderRestarting struct {
	Attempt int
	Max     int
	Err     error
}

// EncoderFatal is published when the encoder exhausts its restart budget.
type EncoderFatal struct {
	Attempts   int
	Err        error
	StderrTail []string
	At         time.Time
}

// OutputFailed is published for each failed send or reconnect attempt.
type OutputFailed struct {
	OutputID string
	Attempt  int
	Err      error
}

// OutputDeactivated is published when an output exhausts its retries.
type OutputDeactivated struct {
	OutputID   string
	ErrorCount int
	Err        error
}

// OutputActivated is published when an output is explicitly reactivated.
type OutputActivated struct {
	OutputID string
}

// RTMPConnected is published when an inbound connection completes its handshake.
type RTMPConnected struct {
	ConnID     string
	RemoteAddr string
	App        string
}

// RTMPPublishStarted is published when a publish is authorized.
type RTMPPublishStarted struct {
	ConnID     string
	RemoteAddr string
	StreamID   string
}

// RTMPPublishRejected is published when a publish fails authentication.
type RTMPPublishRejected struct {
	ConnID     string
	RemoteAddr string
	Reason     string
}

// RTMPPlay is published when a client requests playback.
type RTMPPlay struct {
	ConnID     string
	RemoteAddr string
	StreamName string
}

// RTMPDisconnected is published when an inbound connection closes.
type RTMPDisconnected struct {
	ConnID     string
	RemoteAddr string
	Duration   time.Duration
}

func (FrameProduced) Kind() Kind       { return KindFrameProduced }
func (FrameDropped) Kind() Kind        { return KindFrameDropped }
func (EncoderStateChanged) Kind() Kind { return KindEncoderStateChanged }
func (EncoderRestarting) Kind() Kind   { return KindEncoderRestarting }
func (EncoderFatal) Kind() Kind        { return KindEncoderFatal }
func (OutputFailed) Kind() Kind        { return KindOutputFailed }
func (OutputDeactivated) Kind() Kind   { return KindOutputDeactivated }
func (OutputActivated) Kind() Kind     { return KindOutputActivated }
func (RTMPConnected) Kind() Kind       { return KindRTMPConnected }
func (RTMPPublishStarted) Kind() Kind  { return KindRTMPPublishStarted }
func (RTMPPublishRejected) Kind() Kind { return KindRTMPPublishRejected }
func (RTMPPlay) Kind() Kind            { return KindRTMPPlay }
func (RTMPDisconnected) Kind() Kind    { return KindRTMPDisconnected }

func (FrameProduced) event()       {}
func (FrameDropped) event()        {}
func (EncoderStateChanged) event() {}
func (EncoderRestarting) event()   {}
func (EncoderFatal) event()        {}
func (OutputFailed) event()        {}
func (OutputDeactivated) event()   {}
func (OutputActivated) event()     {}
func (RTMPConnected) event()       {}
func (RTMPPublishStarted) event()  {}
func (RTMPPublishRejected) event() {}
func (RTMPPlay) event()            {}
func (RTMPDisconnected) event()    {}
