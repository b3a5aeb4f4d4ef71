package muxer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"

	rtmp "github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"

	"github.com/jmylchreest/vtcast/internal/media"
	"github.com/jmylchreest/vtcast/internal/observability"
	"github.com/jmylchreest/vtcast/internal/version"
)

const (
	defaultRTMPPort      = "1935"
	defaultChunkSize     = 4096
	audioChunkStreamID   = 4
	videoChunkStreamID   = 6
	dataChunkStreamID    = 8
	publishingTypeLive   = "live"
	setDataFrameCommand  = "@setDataFrame"
	connectionTypePublic = "nonprivate"
)

// ErrSinkClosed is returned when sending on a sink that is not connected.
var ErrSinkClosed = errors.New("rtmp sink not connected")

// Endpoint is a parsed rtmp:// publish URL.
type Endpoint struct {
	Addr       string // host:port
	App        string
	StreamName string // stream key, including any query string
	TCURL      string
}

// ParseEndpoint splits rtmp://host[:port]/app/stream into its parts.
func ParseEndpoint(raw string) (Endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parsing rtmp url: %w", err)
	}
	if u.Scheme != "rtmp" {
		return Endpoint{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return Endpoint{}, errors.New("rtmp url has no host")
	}

	parts := strings.SplitN(strings.TrimPrefix(u.Path, "/"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Endpoint{}, fmt.Errorf("rtmp url %q must be rtmp://host/app/stream", u.Redacted())
	}

	port := u.Port()
	if port == "" {
		port = defaultRTMPPort
	}
	stream := parts[1]
	if u.RawQuery != "" {
		stream += "?" + u.RawQuery
	}

	return Endpoint{
		Addr:       net.JoinHostPort(u.Hostname(), port),
		App:        parts[0],
		StreamName: stream,
		TCURL:      fmt.Sprintf("rtmp://%s/%s", net.JoinHostPort(u.Hostname(), port), parts[0]),
	}, nil
}

// RTMPSink publishes packets to a remote RTMP server.
//
// Codec sequence headers and stream metadata are remembered and replayed
// after every reconnect, and video is held back until the next keyframe so
// the remote decoder never starts mid GOP.
type RTMPSink struct {
	endpoint  Endpoint
	chunkSize uint32
	logger    *slog.Logger

	// writeMu serializes writes; mu guards the fields below and is never
	// held across network I/O so Close can always interrupt a stuck write.
	writeMu      sync.Mutex
	mu           sync.Mutex
	conn         *rtmp.ClientConn
	stream       *rtmp.Stream
	waitKeyframe bool

	metadata    *media.Packet
	videoHeader *media.Packet
	audioHeader *media.Packet
}

// NewRTMPSink creates a sink for rawURL.
func NewRTMPSink(rawURL string, chunkSize uint32, logger *slog.Logger) (*RTMPSink, error) {
	endpoint, err := ParseEndpoint(rawURL)
	if err != nil {
		return nil, err
	}
	if chunkSize == 0 {
		chunkSize = defaultChunkSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RTMPSink{
		endpoint:  endpoint,
		chunkSize: chunkSize,
		logger:    logger.With(slog.String("addr", endpoint.Addr), slog.String("app", endpoint.App)),
	}, nil
}

// RTMPSinkFactory returns a SinkFactory that dials each target over RTMP.
func RTMPSinkFactory(chunkSize uint32, logger *slog.Logger) SinkFactory {
	return func(t Target) (Sink, error) {
		if logger == nil {
			logger = slog.Default()
		}
		return NewRTMPSink(t.URL, chunkSize, logger.With(slog.String("output", t.ID)))
	}
}

// Connect dials the server, connects to the app and starts publishing.
func (s *RTMPSink) Connect(ctx context.Context) error {
	type result struct {
		conn   *rtmp.ClientConn
		stream *rtmp.Stream
		err    error
	}
	done := make(chan result, 1)

	go func() {
		conn, stream, err := s.dial()
		done <- result{conn, stream, err}
	}()

	var r result
	select {
	case r = <-done:
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return ctx.Err()
	}
	if r.err != nil {
		return r.err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.conn, s.stream = r.conn, r.stream
	s.waitKeyframe = true
	replay := []*media.Packet{s.metadata, s.videoHeader, s.audioHeader}
	s.mu.Unlock()

	for _, p := range replay {
		if p == nil {
			continue
		}
		if err := writePacket(r.stream, *p); err != nil {
			_ = s.Close()
			return fmt.Errorf("replaying headers: %w", err)
		}
	}
	s.logger.Debug("rtmp sink publishing")
	return nil
}

func (s *RTMPSink) dial() (*rtmp.ClientConn, *rtmp.Stream, error) {
	conn, err := rtmp.Dial("rtmp", s.endpoint.Addr, &rtmp.ConnConfig{
		Logger: observability.NewLogrusBridge(s.logger),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("dialing %s: %w", s.endpoint.Addr, err)
	}

	if err := conn.Connect(&rtmpmsg.NetConnectionConnect{
		Command: rtmpmsg.NetConnectionConnectCommand{
			App:      s.endpoint.App,
			Type:     connectionTypePublic,
			FlashVer: "FMLE/3.0 (compatible; " + version.FlashVersion() + ")",
			TCURL:    s.endpoint.TCURL,
		},
	}); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("connecting to app %s: %w", s.endpoint.App, err)
	}

	stream, err := conn.CreateStream(nil, s.chunkSize)
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("creating stream: %w", err)
	}

	if err := stream.Publish(&rtmpmsg.NetStreamPublish{
		PublishingName: s.endpoint.StreamName,
		PublishingType: publishingTypeLive,
	}); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("publishing: %w", err)
	}
	return conn, stream, nil
}

// Send writes one packet. Headers are remembered for replay on reconnect.
func (s *RTMPSink) Send(_ context.Context, p media.Packet) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	switch {
	case p.Kind == media.KindData:
		s.metadata = &p
	case p.SequenceHeader && p.Kind == media.KindVideo:
		s.videoHeader = &p
	case p.SequenceHeader && p.Kind == media.KindAudio:
		s.audioHeader = &p
	}
	stream := s.stream
	skip := false
	if stream != nil && s.waitKeyframe && p.Kind == media.KindVideo && !p.SequenceHeader {
		if p.Keyframe {
			s.waitKeyframe = false
		} else {
			skip = true
		}
	}
	s.mu.Unlock()

	if stream == nil {
		return ErrSinkClosed
	}
	if skip {
		return nil
	}
	return writePacket(stream, p)
}

func writePacket(stream *rtmp.Stream, p media.Packet) error {
	var (
		csid int
		msg  rtmpmsg.Message
	)
	switch p.Kind {
	case media.KindVideo:
		csid = videoChunkStreamID
		msg = &rtmpmsg.VideoMessage{Payload: bytes.NewReader(p.Payload)}
	case media.KindAudio:
		csid = audioChunkStreamID
		msg = &rtmpmsg.AudioMessage{Payload: bytes.NewReader(p.Payload)}
	case media.KindData:
		body, err := encodeSetDataFrame(p.Payload)
		if err != nil {
			return err
		}
		csid = dataChunkStreamID
		msg = &rtmpmsg.DataMessage{
			Name:     setDataFrameCommand,
			Encoding: rtmpmsg.EncodingTypeAMF0,
			Body:     body,
		}
	default:
		return nil
	}

	if err := stream.Write(csid, p.Timestamp, msg); err != nil {
		return fmt.Errorf("writing %s packet: %w", p.Kind, err)
	}
	return nil
}

func encodeSetDataFrame(payload []byte) (io.Reader, error) {
	buf := new(bytes.Buffer)
	enc := rtmpmsg.NewAMFEncoder(buf, rtmpmsg.EncodingTypeAMF0)
	if err := rtmpmsg.EncodeBodyAnyValues(enc, &rtmpmsg.NetStreamSetDataFrame{Payload: payload}); err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}
	return buf, nil
}

// Close drops the connection. Remembered headers are kept for the next Connect.
func (s *RTMPSink) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn, s.stream = nil, nil
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}
