package logbuf

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/devserv/devserv/internal/model"
)

const subscriberBuffer = 256

// Capture tails a record's stdout and stderr log files into a shared ring
// and fans complete lines out to subscribers. The child writes to the files
// directly; Capture only ever reads, so it can detach and re-attach across
// daemon restarts without touching the process.
type Capture struct {
	ring *Ring[model.LogLine]
	poll time.Duration

	mu      sync.Mutex
	subs    map[int]chan model.LogLine
	nextSub int
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewCapture(bufferLines int, poll time.Duration) *Capture {
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}
	return &Capture{
		ring: NewRing[model.LogLine](bufferLines),
		poll: poll,
		subs: map[int]chan model.LogLine{},
	}
}

// Preload seeds the ring with the tail of existing log files. Used when
// re-attaching to a server that outlived a previous daemon instance.
func (c *Capture) Preload(stdoutPath, stderrPath string) {
	for _, src := range []struct {
		path   string
		stream model.LogStream
	}{
		{stdoutPath, model.StreamStdout},
		{stderrPath, model.StreamStderr},
	} {
		for _, line := range readLastLines(src.path, c.ring.Cap()) {
			c.ring.Push(model.LogLine{Type: src.stream, Data: line})
		}
	}
}

// Attach starts the two tailer goroutines. fromStart reads the files from
// offset zero (fresh spawn); otherwise tailing begins at the current end of
// file (re-attach, where Preload already captured the history).
func (c *Capture) Attach(ctx context.Context, stdoutPath, stderrPath string, fromStart bool) {
	tailCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.tailFile(tailCtx, stdoutPath, model.StreamStdout, fromStart)
	}()
	go func() {
		defer c.wg.Done()
		c.tailFile(tailCtx, stderrPath, model.StreamStderr, fromStart)
	}()
}

// Stop cancels the tailers and waits for them to exit. Subscribers are
// closed so followers observe end of stream.
func (c *Capture) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	c.mu.Lock()
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
	c.mu.Unlock()
}

// Tail returns the most recent n buffered lines, oldest first.
func (c *Capture) Tail(n int) []model.LogLine {
	return c.ring.Tail(n)
}

// Subscribe registers a follower. The returned cancel func must be called
// when the follower is done. Slow followers lose lines rather than blocking
// the tailers.
func (c *Capture) Subscribe() (<-chan model.LogLine, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	ch := make(chan model.LogLine, subscriberBuffer)
	c.subs[id] = ch
	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
}

func (c *Capture) publish(line model.LogLine) {
	c.ring.Push(line)
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- line:
		default:
		}
	}
}

// tailFile polls the file for growth and publishes complete lines. A file
// that shrinks (rotation, truncation) resets the read offset to zero.
func (c *Capture) tailFile(ctx context.Context, path string, stream model.LogStream, fromStart bool) {
	var offset int64
	if !fromStart {
		if st, err := os.Stat(path); err == nil {
			offset = st.Size()
		}
	}

	var pending []byte
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		offset = c.drain(path, stream, offset, &pending)
		select {
		case <-ctx.Done():
			// One final drain so lines written just before stop are kept.
			c.drain(path, stream, offset, &pending)
			return
		case <-ticker.C:
		}
	}
}

func (c *Capture) drain(path string, stream model.LogStream, offset int64, pending *[]byte) int64 {
	st, err := os.Stat(path)
	if err != nil {
		return offset
	}
	if st.Size() < offset {
		offset = 0
		*pending = (*pending)[:0]
	}
	if st.Size() == offset {
		return offset
	}

	f, err := os.Open(path)
	if err != nil {
		return offset
	}
	defer f.Close() //nolint:errcheck
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return offset
	}
	data, err := io.ReadAll(f)
	if err != nil && !errors.Is(err, io.EOF) {
		return offset
	}
	offset += int64(len(data))

	*pending = append(*pending, data...)
	for {
		idx := bytes.IndexByte(*pending, '\n')
		if idx < 0 {
			break
		}
		line := string(bytes.TrimRight((*pending)[:idx], "\r"))
		*pending = (*pending)[idx+1:]
		c.publish(model.LogLine{Type: stream, Data: line})
	}
	return offset
}

// readLastLines returns up to n trailing lines of the file, oldest first.
func readLastLines(path string, n int) []string {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return nil
	}
	lines := bytes.Split(bytes.TrimRight(data, "\n"), []byte("\n"))
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		out = append(out, string(bytes.TrimRight(l, "\r")))
	}
	return out
}
