package realtime

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bt-bridge/realtime-voice/shared"
	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handshake struct {
	path   string
	query  map[string]string
	header http.Header
}

// realtimeServer accepts one websocket, records the handshake and the first
// client message, replies with session.created and closes normally.
type realtimeServer struct {
	*httptest.Server
	handshakes chan handshake
	first      chan []byte
}

func newRealtimeServer(t *testing.T, secrets http.HandlerFunc) *realtimeServer {
	t.Helper()
	rs := &realtimeServer{
		handshakes: make(chan handshake, 1),
		first:      make(chan []byte, 1),
	}
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	if secrets != nil {
		mux.HandleFunc("/v1/realtime/client_secrets", secrets)
	}
	handleWS := func(w http.ResponseWriter, r *http.Request) {
		query := map[string]string{}
		for k := range r.URL.Query() {
			query[k] = r.URL.Query().Get(k)
		}
		rs.handshakes <- handshake{path: r.URL.Path, query: query, header: r.Header.Clone()}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		rs.first <- msg
		_ = conn.WriteMessage(websocket.TextMessage, []byte(msgSessionCreated))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
	mux.HandleFunc("/v1/realtime", handleWS)
	mux.HandleFunc("/openai/realtime", handleWS)
	rs.Server = httptest.NewServer(mux)
	t.Cleanup(rs.Close)
	return rs
}

func TestConnectOpenAI(t *testing.T) {
	srv := newRealtimeServer(t, nil)
	cfg := testConfig()
	cfg.Endpoint.BaseURL = srv.URL + "/v1"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := Connect(ctx, nil, cfg, nil, shared.NewNopLogger())
	require.NoError(t, err)
	defer conn.Close()

	hs := <-srv.handshakes
	assert.Equal(t, "/v1/realtime", hs.path)
	assert.Equal(t, map[string]string{"model": "gpt-realtime"}, hs.query)
	assert.Equal(t, "Bearer sk-test", hs.header.Get("Authorization"))
	assert.Empty(t, hs.header.Get("OpenAI-Beta"))

	var first map[string]any
	require.NoError(t, sonic.Unmarshal(<-srv.first, &first))
	assert.Equal(t, "session.update", first["type"])

	msg, err := conn.Receive()
	require.NoError(t, err)
	assert.JSONEq(t, msgSessionCreated, string(msg))

	_, err = conn.Receive()
	assert.ErrorIs(t, err, io.EOF)
}

func TestConnectAzureBeta(t *testing.T) {
	srv := newRealtimeServer(t, nil)
	cfg := testConfig()
	cfg.Endpoint = EndpointConfig{
		Provider:   ProviderAzure,
		BaseURL:    srv.URL,
		Deployment: "gpt-4o-realtime-preview",
		APIVersion: "2024-10-01-preview",
		Beta:       true,
	}

	conn, err := Connect(context.Background(), nil, cfg, nil, shared.NewNopLogger())
	require.NoError(t, err)
	defer conn.Close()

	hs := <-srv.handshakes
	assert.Equal(t, "/openai/realtime", hs.path)
	assert.Equal(t, map[string]string{
		"api-version": "2024-10-01-preview",
		"deployment":  "gpt-4o-realtime-preview",
	}, hs.query)
	assert.Equal(t, "sk-test", hs.header.Get("api-key"))
	assert.Empty(t, hs.header.Get("Authorization"))
	assert.Equal(t, "realtime=v1", hs.header.Get("OpenAI-Beta"))

	var first map[string]any
	require.NoError(t, sonic.Unmarshal(<-srv.first, &first))
	session := first["session"].(map[string]any)
	assert.Equal(t, "pcm16", session["input_audio_format"])
}

func TestConnectWithEphemeralSecret(t *testing.T) {
	srv := newRealtimeServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Authorization") != "Bearer sk-test" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"value":"ek_123","expires_at":1760000000}`))
	})
	cfg := testConfig()
	cfg.Endpoint.BaseURL = srv.URL + "/v1"
	cfg.Endpoint.Ephemeral = true

	conn, err := Connect(context.Background(), nil, cfg, nil, shared.NewNopLogger())
	require.NoError(t, err)
	defer conn.Close()

	hs := <-srv.handshakes
	assert.Equal(t, "Bearer ek_123", hs.header.Get("Authorization"))
}

func TestConnectFailsOnRejectedHandshake(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
	}))
	defer srv.Close()
	cfg := testConfig()
	cfg.Endpoint.BaseURL = srv.URL + "/v1"

	_, err := Connect(context.Background(), nil, cfg, nil, shared.NewNopLogger())
	require.Error(t, err)
	assert.ErrorIs(t, err, &shared.Error{Kind: shared.KindStartup, Op: "dial"})
	assert.Contains(t, err.Error(), "401")
}

func TestConnectRequiresLogger(t *testing.T) {
	_, err := Connect(context.Background(), &fakeDialer{}, testConfig(), nil, nil)
	assert.ErrorIs(t, err, shared.ErrNoLogger)
}

func TestConnectionCloseIsIdempotent(t *testing.T) {
	transport := newFakeTransport()
	conn, err := Connect(context.Background(), &fakeDialer{transport: transport}, testConfig(), nil, shared.NewNopLogger())
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.Equal(t, int32(1), transport.closes.Load())

	_, err = conn.Receive()
	assert.ErrorIs(t, err, io.EOF)
	assert.ErrorIs(t, conn.SendAudio(context.Background(), []byte{0, 0}), shared.ErrTransport)
}

func TestEndpointURL(t *testing.T) {
	tests := []struct {
		name     string
		endpoint EndpointConfig
		model    string
		want     string
	}{
		{
			name:     "openai",
			endpoint: EndpointConfig{Provider: ProviderOpenAI, BaseURL: "https://api.openai.com/v1"},
			model:    "gpt-realtime",
			want:     "wss://api.openai.com/v1/realtime?model=gpt-realtime",
		},
		{
			name:     "openai trailing slash",
			endpoint: EndpointConfig{Provider: ProviderOpenAI, BaseURL: "wss://api.openai.com/v1/"},
			model:    "gpt-realtime",
			want:     "wss://api.openai.com/v1/realtime?model=gpt-realtime",
		},
		{
			name: "azure",
			endpoint: EndpointConfig{
				Provider:   ProviderAzure,
				BaseURL:    "https://example.openai.azure.com",
				Deployment: "gpt-4o-realtime-preview",
				APIVersion: "2024-10-01-preview",
			},
			want: "wss://example.openai.azure.com/openai/realtime?api-version=2024-10-01-preview&deployment=gpt-4o-realtime-preview",
		},
		{
			name:     "plain http",
			endpoint: EndpointConfig{Provider: ProviderOpenAI, BaseURL: "http://localhost:8080/v1"},
			model:    "m",
			want:     "ws://localhost:8080/v1/realtime?model=m",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Endpoint = tt.endpoint
			cfg.Model = tt.model
			got, err := endpointURL(cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWebsocketTransportAfterClose(t *testing.T) {
	srv := newRealtimeServer(t, nil)
	url := "ws" + srv.URL[len("http"):] + "/v1/realtime"

	tr, err := WebsocketDialer{HandshakeTimeout: time.Second}.Dial(context.Background(), url, nil)
	require.NoError(t, err)
	require.NoError(t, tr.Send(context.Background(), []byte(`{"type":"session.update","session":{}}`)))

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.ErrorIs(t, tr.Send(context.Background(), []byte(`{}`)), shared.ErrConnectionClosed)
	_, err = tr.Receive()
	assert.ErrorIs(t, err, io.EOF)
}
