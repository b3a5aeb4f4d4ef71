package media

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	flv "github.com/yutopp/go-flv"
	flvtag "github.com/yutopp/go-flv/tag"
)

func videoTag(ts uint32, frame flvtag.FrameType, pkt flvtag.AVCPacketType, body []byte) *flvtag.FlvTag {
	return &flvtag.FlvTag{
		TagType:   flvtag.TagTypeVideo,
		Timestamp: ts,
		Data: &flvtag.VideoData{
			FrameType:     frame,
			CodecID:       flvtag.CodecIDAVC,
			AVCPacketType: pkt,
			Data:          bytes.NewReader(body),
		},
	}
}

func audioTag(ts uint32, pkt flvtag.AACPacketType, body []byte) *flvtag.FlvTag {
	return &flvtag.FlvTag{
		TagType:   flvtag.TagTypeAudio,
		Timestamp: ts,
		Data: &flvtag.AudioData{
			SoundFormat:   flvtag.SoundFormatAAC,
			SoundRate:     flvtag.SoundRate44kHz,
			SoundSize:     flvtag.SoundSize16Bit,
			SoundType:     flvtag.SoundTypeStereo,
			AACPacketType: pkt,
			Data:          bytes.NewReader(body),
		},
	}
}

func encodeFLV(t *testing.T, tags ...*flvtag.FlvTag) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc, err := flv.NewEncoder(&buf, flv.FlagsAudio|flv.FlagsVideo)
	require.NoError(t, err)
	for _, tag := range tags {
		require.NoError(t, enc.Encode(tag))
	}
	return buf.Bytes()
}

func TestReadFLV(t *testing.T) {
	stream := encodeFLV(t,
		videoTag(0, flvtag.FrameTypeKeyFrame, flvtag.AVCPacketTypeSequenceHeader, []byte{1, 2, 3}),
		audioTag(0, flvtag.AACPacketTypeSequenceHeader, []byte{0x12, 0x10}),
		videoTag(33, flvtag.FrameTypeKeyFrame, flvtag.AVCPacketTypeNALU, []byte{9, 9, 9, 9}),
		audioTag(40, flvtag.AACPacketTypeRaw, []byte{7, 7}),
		videoTag(66, flvtag.FrameTypeInterFrame, flvtag.AVCPacketTypeNALU, []byte{8}),
	)

	var got []Packet
	err := ReadFLV(context.Background(), bytes.NewReader(stream), func(p Packet) error {
		got = append(got, p)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 5)

	assert.Equal(t, KindVideo, got[0].Kind)
	assert.True(t, got[0].SequenceHeader)
	assert.Equal(t, KindAudio, got[1].Kind)
	assert.True(t, got[1].SequenceHeader)
	assert.True(t, got[2].Keyframe)
	assert.False(t, got[2].SequenceHeader)
	assert.Equal(t, uint32(33), got[2].Timestamp)
	assert.False(t, got[4].Keyframe)

	// Payloads are complete tag bodies and parse back identically.
	p, err := ParseVideo(got[2].Timestamp, got[2].Payload)
	require.NoError(t, err)
	assert.True(t, p.Keyframe)
	assert.Equal(t, got[2].Payload, p.Payload)

	a, err := ParseAudio(got[1].Timestamp, got[1].Payload)
	require.NoError(t, err)
	assert.True(t, a.SequenceHeader)
}

func TestReadFLV_EmptyStream(t *testing.T) {
	err := ReadFLV(context.Background(), bytes.NewReader(nil), func(Packet) error {
		t.Fatal("unexpected packet")
		return nil
	})
	assert.NoError(t, err)
}

func TestReadFLV_CallbackErrorStops(t *testing.T) {
	stream := encodeFLV(t,
		videoTag(0, flvtag.FrameTypeKeyFrame, flvtag.AVCPacketTypeNALU, []byte{1}),
		videoTag(33, flvtag.FrameTypeInterFrame, flvtag.AVCPacketTypeNALU, []byte{2}),
	)
	stop := assert.AnError
	calls := 0
	err := ReadFLV(context.Background(), bytes.NewReader(stream), func(Packet) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestGOPCache(t *testing.T) {
	c := NewGOPCache(3)

	c.Add(Packet{Kind: KindData, Payload: []byte("meta")})
	c.Add(Packet{Kind: KindVideo, SequenceHeader: true, Keyframe: true, Payload: []byte("sps")})
	c.Add(Packet{Kind: KindAudio, SequenceHeader: true, Payload: []byte("asc")})
	c.Add(Packet{Kind: KindVideo, Payload: []byte("orphan")})
	c.Add(Packet{Kind: KindVideo, Keyframe: true, Timestamp: 100, Payload: []byte("idr")})
	c.Add(Packet{Kind: KindAudio, Timestamp: 110, Payload: []byte("aac")})

	snap := c.Snapshot()
	require.Len(t, snap, 5)
	assert.Equal(t, []byte("meta"), snap[0].Payload)
	assert.Equal(t, []byte("sps"), snap[1].Payload)
	assert.Equal(t, []byte("asc"), snap[2].Payload)
	assert.Equal(t, []byte("idr"), snap[3].Payload)
	assert.Equal(t, []byte("aac"), snap[4].Payload)
	assert.Len(t, c.Headers(), 3)

	// Overflowing the bound discards the partial GOP until the next keyframe.
	c.Add(Packet{Kind: KindVideo, Payload: []byte("p1")})
	c.Add(Packet{Kind: KindVideo, Payload: []byte("p2")})
	assert.Equal(t, 0, c.Len())
	c.Add(Packet{Kind: KindVideo, Payload: []byte("p3")})
	assert.Equal(t, 0, c.Len())
	c.Add(Packet{Kind: KindVideo, Keyframe: true, Payload: []byte("idr2")})
	assert.Equal(t, 1, c.Len())

	c.Reset()
	assert.Empty(t, c.Snapshot())
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "video", KindVideo.String())
	assert.Equal(t, "data", KindData.String())
	assert.Equal(t, "kind(9)", Kind(9).String())
}
