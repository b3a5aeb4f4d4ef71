package media

import (
	"context"
	"errors"
	"fmt"
	"io"

	flv "github.com/yutopp/go-flv"
	flvtag "github.com/yutopp/go-flv/tag"
)

// ReadFLV decodes an FLV stream from r and calls fn for every tag until r is
// exhausted, ctx is cancelled or fn returns an error. A clean end of stream
// returns nil.
func ReadFLV(ctx context.Context, r io.Reader, fn func(Packet) error) error {
	dec, err := flv.NewDecoder(r)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		return fmt.Errorf("reading flv header: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var tag flvtag.FlvTag
		if err := dec.Decode(&tag); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("decoding flv tag: %w", err)
		}

		p, err := FromTag(&tag)
		if err != nil {
			if errors.Is(err, ErrUnsupportedTag) {
				continue
			}
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
	}
}
