// Package media carries encoded FLV packets between the encoder, the muxer
// and RTMP ingest.
package media

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	flvtag "github.com/yutopp/go-flv/tag"
)

// Kind is the type of an FLV tag.
type Kind uint8

// Packet kinds.
const (
	KindVideo Kind = iota + 1
	KindAudio
	KindData
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	case KindData:
		return "data"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Packet is one FLV tag. Payload is the complete tag body including the
// audio or video header bytes, so it can be written to an RTMP message as is.
type Packet struct {
	Kind           Kind
	Timestamp      uint32
	Keyframe       bool
	SequenceHeader bool
	Payload        []byte
}

// Size returns the payload length.
func (p Packet) Size() int {
	return len(p.Payload)
}

// ErrUnsupportedTag is returned for FLV tags that are not audio, video or script data.
var ErrUnsupportedTag = errors.New("unsupported flv tag")

// FromTag converts a decoded FLV tag into a Packet, consuming its data reader.
func FromTag(tag *flvtag.FlvTag) (Packet, error) {
	var buf bytes.Buffer
	p := Packet{Timestamp: tag.Timestamp}

	switch data := tag.Data.(type) {
	case *flvtag.VideoData:
		p.Kind = KindVideo
		p.Keyframe = data.FrameType == flvtag.FrameTypeKeyFrame
		p.SequenceHeader = data.CodecID == flvtag.CodecIDAVC && data.AVCPacketType == flvtag.AVCPacketTypeSequenceHeader
		if err := flvtag.EncodeVideoData(&buf, data); err != nil {
			return Packet{}, fmt.Errorf("encoding video tag: %w", err)
		}
	case *flvtag.AudioData:
		p.Kind = KindAudio
		p.SequenceHeader = data.SoundFormat == flvtag.SoundFormatAAC && data.AACPacketType == flvtag.AACPacketTypeSequenceHeader
		if err := flvtag.EncodeAudioData(&buf, data); err != nil {
			return Packet{}, fmt.Errorf("encoding audio tag: %w", err)
		}
	case *flvtag.ScriptData:
		p.Kind = KindData
		if err := flvtag.EncodeScriptData(&buf, data); err != nil {
			return Packet{}, fmt.Errorf("encoding script tag: %w", err)
		}
	default:
		return Packet{}, fmt.Errorf("%w: %T", ErrUnsupportedTag, tag.Data)
	}

	p.Payload = buf.Bytes()
	return p, nil
}

// ParseVideo builds a video Packet from an RTMP video message body.
func ParseVideo(timestamp uint32, body []byte) (Packet, error) {
	var video flvtag.VideoData
	if err := flvtag.DecodeVideoData(bytes.NewReader(body), &video); err != nil {
		return Packet{}, fmt.Errorf("decoding video message: %w", err)
	}
	if video.Data != nil {
		_, _ = io.Copy(io.Discard, video.Data)
	}
	return Packet{
		Kind:           KindVideo,
		Timestamp:      timestamp,
		Keyframe:       video.FrameType == flvtag.FrameTypeKeyFrame,
		SequenceHeader: video.CodecID == flvtag.CodecIDAVC && video.AVCPacketType == flvtag.AVCPacketTypeSequenceHeader,
		Payload:        body,
	}, nil
}

// ParseAudio builds an audio Packet from an RTMP audio message body.
func ParseAudio(timestamp uint32, body []byte) (Packet, error) {
	var audio flvtag.AudioData
	if err := flvtag.DecodeAudioData(bytes.NewReader(body), &audio); err != nil {
		return Packet{}, fmt.Errorf("decoding audio message: %w", err)
	}
	if audio.Data != nil {
		_, _ = io.Copy(io.Discard, audio.Data)
	}
	return Packet{
		Kind:           KindAudio,
		Timestamp:      timestamp,
		SequenceHeader: audio.SoundFormat == flvtag.SoundFormatAAC && audio.AACPacketType == flvtag.AACPacketTypeSequenceHeader,
		Payload:        body,
	}, nil
}
