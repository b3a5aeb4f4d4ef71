package muxer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/vtcast/internal/media"
)

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Endpoint
		wantErr bool
	}{
		{
			name: "default port",
			raw:  "rtmp://live.example.com/app/abc123",
			want: Endpoint{Addr: "live.example.com:1935", App: "app", StreamName: "abc123", TCURL: "rtmp://live.example.com:1935/app"},
		},
		{
			name: "explicit port and query",
			raw:  "rtmp://10.0.0.5:1936/live/key?token=x",
			want: Endpoint{Addr: "10.0.0.5:1936", App: "live", StreamName: "key?token=x", TCURL: "rtmp://10.0.0.5:1936/live"},
		},
		{
			name: "nested stream path",
			raw:  "rtmp://h/live/a/b",
			want: Endpoint{Addr: "h:1935", App: "live", StreamName: "a/b", TCURL: "rtmp://h:1935/live"},
		},
		{name: "wrong scheme", raw: "http://h/live/a", wantErr: true},
		{name: "missing stream", raw: "rtmp://h/live", wantErr: true},
		{name: "missing host", raw: "rtmp:///live/a", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseEndpoint(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRTMPSink_SendBeforeConnect(t *testing.T) {
	s, err := NewRTMPSink("rtmp://127.0.0.1:1/live/k", 0, nil)
	require.NoError(t, err)

	err = s.Send(context.Background(), media.Packet{Kind: media.KindVideo, SequenceHeader: true, Payload: []byte{0x17, 0}})
	assert.ErrorIs(t, err, ErrSinkClosed)

	// Headers are remembered even while disconnected.
	s.mu.Lock()
	assert.NotNil(t, s.videoHeader)
	s.mu.Unlock()

	assert.NoError(t, s.Close())
}

func TestRTMPSink_ConnectRefused(t *testing.T) {
	s, err := NewRTMPSink("rtmp://127.0.0.1:1/live/k", 0, nil)
	require.NoError(t, err)

	assert.Error(t, s.Connect(context.Background()))
}
