package provider

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// maxEventSize caps a single SSE event to keep a misbehaving server from
// ballooning memory.
const maxEventSize = 1 << 20

// sseReader parses Server-Sent Events. Lines that are neither "event:" nor
// "data:" fields (comments, id:, retry:, garbage) are skipped rather than
// failing the stream.
type sseReader struct {
	reader *bufio.Reader
}

func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{reader: bufio.NewReader(r)}
}

// readEvent returns the next event's type and joined data payload. The type
// is empty for dialects that only send data lines. Returns io.EOF when the
// stream ends; a final unterminated event is still delivered first.
func (s *sseReader) readEvent() (string, []byte, error) {
	var eventType string
	var dataLines [][]byte
	size := 0

	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF && len(dataLines) > 0 {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			return "", nil, err
		}

		line = bytes.TrimRight(line, "\r\n")

		if len(line) == 0 {
			if len(dataLines) > 0 {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			// Blank line with no pending data, keep scanning.
			continue
		}

		switch {
		case bytes.HasPrefix(line, []byte("event:")):
			eventType = string(bytes.TrimSpace(line[6:]))
		case bytes.HasPrefix(line, []byte("data:")):
			data := bytes.TrimSpace(line[5:])
			size += len(data)
			if size > maxEventSize {
				return "", nil, io.ErrUnexpectedEOF
			}
			dataLines = append(dataLines, data)
		}
	}
}

// watchdog cancels a request context when either the connection window or
// the per-event activity window elapses. Expiry is distinguishable from
// user cancellation via expired().
type watchdog struct {
	cancel   context.CancelFunc
	timer    *time.Timer
	activity time.Duration
	fired    atomic.Bool
}

// startWatchdog wraps ctx so the returned context is cancelled when the
// connection deadline passes before arm() is called.
func startWatchdog(ctx context.Context, connection, activity time.Duration) (context.Context, *watchdog) {
	ctx, cancel := context.WithCancel(ctx)
	w := &watchdog{cancel: cancel, activity: activity}
	w.timer = time.AfterFunc(connection, func() {
		w.fired.Store(true)
		cancel()
	})
	return ctx, w
}

// arm switches from the connection window to the activity window. Called
// once when headers arrive.
func (w *watchdog) arm() {
	w.timer.Stop()
	w.timer = time.AfterFunc(w.activity, func() {
		w.fired.Store(true)
		w.cancel()
	})
}

// pet resets the activity window. Called on every received event.
func (w *watchdog) pet() {
	w.timer.Reset(w.activity)
}

// stop disarms the watchdog and releases the context.
func (w *watchdog) stop() {
	w.timer.Stop()
	w.cancel()
}

// expired reports whether cancellation came from a deadline rather than the
// caller.
func (w *watchdog) expired() bool {
	return w.fired.Load()
}

// classifyStreamFailure maps a read failure to the right sentinel given the
// caller context and watchdog state.
func classifyStreamFailure(ctx context.Context, w *watchdog, err error) error {
	if w.expired() {
		return ErrStreamTimeout
	}
	if ctx.Err() != nil {
		return ErrCancelled
	}
	return err
}

// doStreamRequest sends req and returns the open response body with the
// watchdog armed for activity tracking.
func doStreamRequest(ctx context.Context, client *http.Client, req *http.Request, w *watchdog) (*http.Response, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyStreamFailure(ctx, w, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		w.timer.Stop()
		return nil, errorFromResponse(resp)
	}
	w.arm()
	return resp, nil
}
