package compositor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/vtcast/internal/models"
	"github.com/jmylchreest/vtcast/internal/workerpool"
)

func TestProcess_Transform(t *testing.T) {
	e := newEngine(t, 8, 8, newProvider())
	buf, err := e.Process(context.Background(), &workerpool.Task{
		Kind:    workerpool.KindTransform,
		Payload: workerpool.Payload{Width: 6, Height: 6, Layers: []models.Asset{imageAsset("a", "red", 0, 0, 6, 6, 0)}},
	})
	require.NoError(t, err)
	assert.Len(t, buf, 6*6*4)
	assert.Equal(t, red, pixel(buf, 6, 3, 3))
}

func TestProcess_TransformNeedsOneLayer(t *testing.T) {
	e := newEngine(t, 8, 8, newProvider())
	_, err := e.Process(context.Background(), &workerpool.Task{
		Kind:    workerpool.KindTransform,
		Payload: workerpool.Payload{Width: 6, Height: 6},
	})
	assert.ErrorIs(t, err, workerpool.ErrInvalidTask)
}

func TestProcess_Render(t *testing.T) {
	e := newEngine(t, 8, 8, newProvider())
	buf, err := e.Process(context.Background(), &workerpool.Task{
		Kind: workerpool.KindRender,
		Payload: workerpool.Payload{
			Width:  10,
			Height: 10,
			Layers: []models.Asset{
				imageAsset("top", "blue", 0, 0, 5, 5, 1),
				imageAsset("under", "red", 0, 0, 10, 10, 0),
				imageAsset("broken", "missing", 0, 0, 10, 10, 2),
			},
			Options: workerpool.Options{Background: black},
		},
	})
	require.NoError(t, err)
	assert.Len(t, buf, 10*10*4)
	assert.Equal(t, blue, pixel(buf, 10, 2, 2))
	assert.Equal(t, red, pixel(buf, 10, 8, 8))
}

func TestProcess_Composite(t *testing.T) {
	e := newEngine(t, 8, 8, newProvider())
	bottom := solid(4, 4, red)
	top := image4x4Half(blue)

	buf, err := e.Process(context.Background(), &workerpool.Task{
		Kind:    workerpool.KindComposite,
		Payload: workerpool.Payload{Width: 4, Height: 4, Buffers: [][]byte{bottom.Pix, top}},
	})
	require.NoError(t, err)
	assert.Equal(t, blue, pixel(buf, 4, 0, 0))
	assert.Equal(t, red, pixel(buf, 4, 3, 3))

	_, err = e.Process(context.Background(), &workerpool.Task{
		Kind:    workerpool.KindComposite,
		Payload: workerpool.Payload{Width: 4, Height: 4, Buffers: [][]byte{make([]byte, 3)}},
	})
	assert.ErrorIs(t, err, workerpool.ErrInvalidTask)
}

// image4x4Half returns a 4x4 RGBA buffer whose top half is c and bottom half transparent.
func image4x4Half(c interface{ RGBA() (r, g, b, a uint32) }) []byte {
	buf := make([]byte, 4*4*4)
	r, g, b, a := c.RGBA()
	for i := 0; i < len(buf)/2; i += 4 {
		buf[i], buf[i+1], buf[i+2], buf[i+3] = uint8(r>>8), uint8(g>>8), uint8(b>>8), uint8(a>>8)
	}
	return buf
}
