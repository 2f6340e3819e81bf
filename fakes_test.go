package realtime

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bt-bridge/realtime-voice/audio"
	"github.com/bt-bridge/realtime-voice/shared"
	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/require"
)

// fakeTransport is a scripted server. Messages pushed with serverSend are
// received in order; serverClose ends the stream after them.
type fakeTransport struct {
	inbound   chan []byte
	sent      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	closes    atomic.Int32
	srvOnce   sync.Once

	// recvErr is returned by Receive once the scripted messages are used up.
	recvErr chan error

	mu      sync.Mutex
	sendErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 1024),
		sent:    make(chan []byte, 4096),
		closed:  make(chan struct{}),
		recvErr: make(chan error, 1),
	}
}

func (f *fakeTransport) Send(_ context.Context, msg []byte) error {
	select {
	case <-f.closed:
		return shared.ErrConnectionClosed
	default:
	}
	f.mu.Lock()
	err := f.sendErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	select {
	case f.sent <- append([]byte(nil), msg...):
	default:
	}
	return nil
}

func (f *fakeTransport) Receive() ([]byte, error) {
	select {
	case msg, ok := <-f.inbound:
		if !ok {
			return nil, io.EOF
		}
		return msg, nil
	default:
	}
	select {
	case msg, ok := <-f.inbound:
		if !ok {
			return nil, io.EOF
		}
		return msg, nil
	case err := <-f.recvErr:
		return nil, err
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeTransport) Close() error {
	f.closes.Add(1)
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) serverSend(msgs ...string) {
	for _, m := range msgs {
		f.inbound <- []byte(m)
	}
}

func (f *fakeTransport) serverClose() {
	f.srvOnce.Do(func() { close(f.inbound) })
}

// drop fails the connection after the messages already sent.
func (f *fakeTransport) drop(err error) {
	f.recvErr <- err
}

func (f *fakeTransport) failSends(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

// nextSent returns the next client message of the given type, skipping others.
func (f *fakeTransport) nextSent(t *testing.T, typ string, timeout time.Duration) map[string]any {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case msg := <-f.sent:
			var m map[string]any
			require.NoError(t, sonic.Unmarshal(msg, &m))
			if m["type"] == typ {
				return m
			}
		case <-deadline:
			t.Fatalf("no %s message sent within %s", typ, timeout)
			return nil
		}
	}
}

type fakeDialer struct {
	transport *fakeTransport
	err       error

	mu     sync.Mutex
	url    string
	header http.Header
	dials  int
}

func (d *fakeDialer) Dial(_ context.Context, url string, header http.Header) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.url = url
	d.header = header
	if d.err != nil {
		return nil, d.err
	}
	return d.transport, nil
}

// fakeDevice produces a silent frame every few milliseconds and records
// every chunk written to it, and whether it was flushed before closing.
type fakeDevice struct {
	openErr    error
	writeDelay time.Duration
	// failWrites makes the first n writes fail.
	failWrites atomic.Int32
	// readErr is returned by the next ReadFrame.
	readErr chan error

	mu      sync.Mutex
	format  audio.Format
	written [][]byte
	calls   []string

	chunks chan []byte
	opens  atomic.Int32
	closes atomic.Int32
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		chunks:  make(chan []byte, 1024),
		readErr: make(chan error, 1),
	}
}

func (d *fakeDevice) Open(format audio.Format) error {
	d.opens.Add(1)
	if d.openErr != nil {
		return d.openErr
	}
	d.mu.Lock()
	d.format = format
	d.mu.Unlock()
	return nil
}

func (d *fakeDevice) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-d.readErr:
		return nil, err
	case <-time.After(5 * time.Millisecond):
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return make([]byte, d.format.FrameBytes()), nil
}

func (d *fakeDevice) WriteChunk(ctx context.Context, pcm []byte) error {
	if d.failWrites.Load() > 0 {
		d.failWrites.Add(-1)
		return fmt.Errorf("device busy")
	}
	if d.writeDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.writeDelay):
		}
	}
	chunk := append([]byte(nil), pcm...)
	d.mu.Lock()
	d.written = append(d.written, chunk)
	d.mu.Unlock()
	select {
	case d.chunks <- chunk:
	default:
	}
	return nil
}

func (d *fakeDevice) Flush(context.Context) error {
	d.record("flush")
	return nil
}

func (d *fakeDevice) Close() error {
	d.closes.Add(1)
	d.record("close")
	return nil
}

func (d *fakeDevice) record(call string) {
	d.mu.Lock()
	d.calls = append(d.calls, call)
	d.mu.Unlock()
}

func (d *fakeDevice) lifecycle() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func (d *fakeDevice) nextChunk(t *testing.T, timeout time.Duration) []byte {
	t.Helper()
	select {
	case c := <-d.chunks:
		return c
	case <-time.After(timeout):
		t.Fatalf("no chunk written within %s", timeout)
		return nil
	}
}

func (d *fakeDevice) writtenChunks() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.written...)
}

func testConfig() SessionConfig {
	cfg := DefaultSessionConfig()
	cfg.Credential = "sk-test"
	cfg.SampleRate = 16000
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.DrainTimeout = time.Second
	cfg.ShutdownTimeout = 2 * time.Second
	return cfg
}

const (
	msgSessionCreated = `{"type":"session.created","event_id":"evt_1","session":{"id":"sess_1"}}`
	msgSessionUpdated = `{"type":"session.updated","event_id":"evt_2","session":{"id":"sess_1"}}`
)

func audioDelta(pcm []byte) string {
	return fmt.Sprintf(
		`{"type":"response.output_audio.delta","event_id":"evt","response_id":"resp_1","item_id":"item_1","output_index":0,"content_index":0,"delta":%q}`,
		base64.StdEncoding.EncodeToString(pcm),
	)
}

type testSession struct {
	*Session
	transport *fakeTransport
	dialer    *fakeDialer
	device    *fakeDevice
}

func newTestSession(t *testing.T, opts ...Option) *testSession {
	t.Helper()
	transport := newFakeTransport()
	dialer := &fakeDialer{transport: transport}
	device := newFakeDevice()
	s, err := NewSession(shared.NewNopLogger(), device, append([]Option{WithDialer(dialer)}, opts...)...)
	require.NoError(t, err)
	return &testSession{Session: s, transport: transport, dialer: dialer, device: device}
}

// startActive starts the session against a server that acknowledges the
// configuration right away.
func (ts *testSession) startActive(t *testing.T, cfg SessionConfig) {
	t.Helper()
	ts.transport.serverSend(msgSessionCreated, msgSessionUpdated)
	require.NoError(t, ts.Start(context.Background(), cfg))
	t.Cleanup(func() { _ = ts.Stop() })
}

func waitDone(t *testing.T, s *Session, timeout time.Duration) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(timeout):
		t.Fatalf("session not closed within %s (phase %s)", timeout, s.Phase())
	}
}
