package pipeline

import (
	"context"
	"encoding/gob"
	"errors"
	"io"
)

// ReadStream decodes a gob-framed item stream from r and feeds it to the
// returned channel. The channel closes on EOF or decode failure; a decode
// failure mid-stream is reported on the ops stream and truncates the stream
// rather than aborting items already delivered.
func ReadStream(ctx context.Context, r io.Reader) <-chan Item {
	out := make(chan Item, 16)
	dec := gob.NewDecoder(r)
	go func() {
		defer close(out)
		for {
			var item Item
			if err := dec.Decode(&item); err != nil {
				if !errors.Is(err, io.EOF) {
					opsf("stream decode failed, truncating: %v", err)
				}
				return
			}
			select {
			case out <- item:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// WriteStream gob-encodes items to w until the channel closes. The producer
// side of ReadStream; used by tooling that replays recorded streams.
func WriteStream(w io.Writer, items <-chan Item) error {
	enc := gob.NewEncoder(w)
	for item := range items {
		if err := enc.Encode(item); err != nil {
			return err
		}
	}
	return nil
}
