package capture

import (
	"bufio"
	"context"
	"io"
)

// ReadKeys reads single key presses from r, which is usually a terminal in raw mode, and
// delivers the events they map to. It returns when r is exhausted, after a Quit key, or when ctx
// is done. A blocked read on r is not interrupted by ctx.
func ReadKeys(ctx context.Context, r io.Reader, events chan<- Event) error {
	br := bufio.NewReader(r)
	for {
		key, err := br.ReadByte()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		ev, ok := EventForKey(key)
		if !ok {
			continue
		}
		select {
		case events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
		if ev.Kind == QuitEvent {
			return nil
		}
	}
}
