package rtmp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	rtmp "github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"

	"github.com/jmylchreest/vtcast/internal/events"
	"github.com/jmylchreest/vtcast/internal/media"
)

// handler serves one inbound connection.
type handler struct {
	rtmp.DefaultHandler

	server     *Server
	ctx        context.Context
	logger     *slog.Logger
	connID     string
	remoteAddr string
	openedAt   time.Time

	app       string
	publisher *publisher
}

func (h *handler) OnServe(_ *rtmp.Conn) {
	h.logger.Debug("rtmp connection accepted")
}

func (h *handler) OnConnect(_ uint32, cmd *rtmpmsg.NetConnectionConnect) error {
	h.app = cmd.Command.App
	if want := h.server.cfg.App; want != "" && h.app != want {
		h.logger.Warn("rtmp connect to unknown application", slog.String("app", h.app))
		return fmt.Errorf("%w: %q", ErrWrongApp, h.app)
	}

	h.server.events.Publish(events.RTMPConnected{ConnID: h.connID, RemoteAddr: h.remoteAddr, App: h.app})
	h.logger.Info("rtmp client connected", slog.String("app", h.app))
	return nil
}

func (h *handler) OnPublish(_ *rtmp.StreamContext, _ uint32, cmd *rtmpmsg.NetStreamPublish) error {
	stream, key := parsePublishingName(cmd.PublishingName)
	if key == "" {
		return h.reject(ErrMissingKey)
	}
	// A bare key must never surface as a stream name.
	if stream == key {
		stream = keyLabel(key)
	}

	if err := h.server.authorize(h.ctx, key, h.remoteIP()); err != nil {
		return h.reject(err)
	}

	pub, err := h.server.registry.add(PublisherInfo{
		ConnID:     h.connID,
		RemoteAddr: h.remoteAddr,
		App:        h.app,
		StreamName: stream,
		StartedAt:  time.Now(),
	}, h.server.cfg.GOPCache, h.server.cfg.GOPCacheSize)
	if err != nil {
		return h.reject(err)
	}
	h.publisher = pub

	h.server.metrics.IncPublishAttempts("accepted")
	h.server.events.Publish(events.RTMPPublishStarted{ConnID: h.connID, RemoteAddr: h.remoteAddr, StreamID: stream})
	h.logger.Info("rtmp publish started",
		slog.String("stream", stream),
		slog.String("key_id", keyLabel(key)))
	return nil
}

func (h *handler) reject(err error) error {
	h.server.metrics.IncPublishAttempts("rejected")
	h.server.events.Publish(events.RTMPPublishRejected{ConnID: h.connID, RemoteAddr: h.remoteAddr, Reason: err.Error()})
	h.logger.Warn("rtmp publish rejected", slog.String("reason", err.Error()))
	return err
}

func (h *handler) OnPlay(_ *rtmp.StreamContext, _ uint32, cmd *rtmpmsg.NetStreamPlay) error {
	h.server.events.Publish(events.RTMPPlay{ConnID: h.connID, RemoteAddr: h.remoteAddr, StreamName: cmd.StreamName})
	h.logger.Info("rtmp play requested", slog.String("stream", cmd.StreamName))
	return ErrPlayUnsupported
}

func (h *handler) OnSetDataFrame(timestamp uint32, data *rtmpmsg.NetStreamSetDataFrame) error {
	if h.publisher == nil {
		return nil
	}
	payload := make([]byte, len(data.Payload))
	copy(payload, data.Payload)
	h.deliver(media.Packet{Kind: media.KindData, Timestamp: timestamp, Payload: payload})
	return nil
}

func (h *handler) OnVideo(timestamp uint32, payload io.Reader) error {
	if h.publisher == nil {
		return nil
	}
	body, err := io.ReadAll(payload)
	if err != nil {
		return fmt.Errorf("reading video message: %w", err)
	}
	p, err := media.ParseVideo(timestamp, body)
	if err != nil {
		return err
	}
	h.deliver(p)
	return nil
}

func (h *handler) OnAudio(timestamp uint32, payload io.Reader) error {
	if h.publisher == nil {
		return nil
	}
	body, err := io.ReadAll(payload)
	if err != nil {
		return fmt.Errorf("reading audio message: %w", err)
	}
	p, err := media.ParseAudio(timestamp, body)
	if err != nil {
		return err
	}
	h.deliver(p)
	return nil
}

func (h *handler) deliver(p media.Packet) {
	h.publisher.record(p)
	if fn := h.server.onPacket.Load(); fn != nil {
		(*fn)(h.publisher.info(), p)
	}
}

func (h *handler) OnClose() {
	if h.publisher != nil {
		h.server.registry.remove(h.connID)
		info := h.publisher.info()
		h.logger.Info("rtmp publish ended",
			slog.String("stream", info.StreamName),
			slog.Uint64("packets", info.Packets),
			slog.Uint64("bytes", info.Bytes))
	}

	duration := time.Since(h.openedAt)
	h.server.metrics.AddRTMPConnections(-1)
	h.server.events.Publish(events.RTMPDisconnected{ConnID: h.connID, RemoteAddr: h.remoteAddr, Duration: duration})
	h.logger.Debug("rtmp connection closed", slog.Duration("duration", duration))
}

func (h *handler) remoteIP() string {
	host, _, err := net.SplitHostPort(h.remoteAddr)
	if err != nil {
		return h.remoteAddr
	}
	return host
}
