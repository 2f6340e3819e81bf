package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/bt-bridge/realtime-voice/shared"
	"go.uber.org/zap"
)

// Connection is an open realtime session transport that has already been sent
// its session.update.
type Connection struct {
	logger    shared.LoggerAdapter
	transport Transport

	closeOnce sync.Once
	closeErr  error
}

// Connect dials the endpoint described by cfg and sends the session
// configuration. ctx bounds the whole handshake. Every failure is a startup
// error.
func Connect(
	ctx context.Context,
	dialer Dialer,
	cfg SessionConfig,
	tools []ToolDefinition,
	logger shared.LoggerAdapter,
) (*Connection, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if dialer == nil {
		dialer = WebsocketDialer{HandshakeTimeout: cfg.HandshakeTimeout}
	}
	credential := cfg.Credential
	if cfg.Endpoint.Ephemeral {
		secret, err := MintClientSecret(ctx, cfg)
		if err != nil {
			return nil, shared.NewError(shared.KindStartup, "mint client secret", err)
		}
		credential = secret.Value
		logger.Debug("minted ephemeral client secret", zap.Time("expiresAt", secret.ExpiresAt))
	}
	endpoint, err := endpointURL(cfg)
	if err != nil {
		return nil, shared.NewError(shared.KindStartup, "endpoint", err)
	}
	logger.Info(
		"connecting",
		zap.String("provider", string(cfg.Endpoint.Provider)),
		zap.String("url", endpoint),
		zap.Bool("beta", cfg.Endpoint.Beta),
	)
	transport, err := dialer.Dial(ctx, endpoint, authHeader(cfg, credential))
	if err != nil {
		return nil, shared.NewError(shared.KindStartup, "dial", err)
	}
	c := &Connection{
		logger:    logger,
		transport: transport,
	}
	msg, err := EncodeSessionUpdate(cfg, tools)
	if err != nil {
		_ = c.Close()
		return nil, shared.NewError(shared.KindStartup, "encode session update", err)
	}
	if err := transport.Send(ctx, msg); err != nil {
		_ = c.Close()
		return nil, shared.NewError(shared.KindStartup, "send session update", err)
	}
	logger.Debug("session update sent", zap.Int("tools", len(tools)))
	return c, nil
}

// endpointURL is wss://host/v1/realtime?model=M for OpenAI and
// wss://host/openai/realtime?api-version=V&deployment=D for Azure.
func endpointURL(cfg SessionConfig) (string, error) {
	u, err := url.Parse(cfg.Endpoint.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parsing base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	q := u.Query()
	switch cfg.Endpoint.Provider {
	case ProviderAzure:
		u = u.JoinPath("openai", "realtime")
		q.Set("api-version", cfg.Endpoint.APIVersion)
		q.Set("deployment", cfg.Endpoint.Deployment)
	default:
		u = u.JoinPath("realtime")
		q.Set("model", cfg.Model)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func authHeader(cfg SessionConfig, credential string) http.Header {
	h := http.Header{}
	if cfg.Endpoint.Provider == ProviderAzure {
		h.Set("api-key", credential)
	} else {
		h.Set("Authorization", "Bearer "+credential)
	}
	if cfg.Endpoint.Beta {
		h.Set("OpenAI-Beta", "realtime=v1")
	}
	return h
}

func (c *Connection) Send(ctx context.Context, msg []byte) error {
	if err := c.transport.Send(ctx, msg); err != nil {
		return shared.NewError(shared.KindTransport, "send", err)
	}
	return nil
}

// Receive returns the next message in arrival order, or io.EOF once the
// stream has ended.
func (c *Connection) Receive() ([]byte, error) {
	data, err := c.transport.Receive()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, shared.NewError(shared.KindTransport, "receive", err)
	}
	return data, nil
}

func (c *Connection) SendAudio(ctx context.Context, frame []byte) error {
	msg, err := EncodeAudioAppend(frame)
	if err != nil {
		return fmt.Errorf("encoding audio frame: %w", err)
	}
	return c.Send(ctx, msg)
}

func (c *Connection) SendToolResult(ctx context.Context, callID, output string) error {
	msgs, err := EncodeToolResult(callID, output)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		if err := c.Send(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.transport.Close()
		if c.closeErr != nil {
			c.logger.Warn("closing transport", zap.Error(c.closeErr))
		} else {
			c.logger.Debug("transport closed")
		}
	})
	return c.closeErr
}
