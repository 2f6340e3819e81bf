package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
)

type ClientSecret struct {
	Value     string
	ExpiresAt time.Time
}

type clientSecretResponse struct {
	Value     string `json:"value"`
	ExpiresAt int64  `json:"expires_at"`
}

// MintClientSecret exchanges the configured API key for a short-lived client
// secret bound to the configured model.
func MintClientSecret(ctx context.Context, cfg SessionConfig) (*ClientSecret, error) {
	if cfg.Credential == "" {
		return nil, errors.New("no API key provided")
	}
	base, err := url.Parse(cfg.Endpoint.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	switch base.Scheme {
	case "wss":
		base.Scheme = "https"
	case "ws":
		base.Scheme = "http"
	}
	body, err := sonic.Marshal(map[string]any{
		"session": map[string]any{
			"type":  "realtime",
			"model": cfg.Model,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	type result struct {
		status int
		body   []byte
		err    error
	}
	// req and resp belong to the goroutine; it may outlive ctx.
	resC := make(chan result, 1)
	go func() {
		req := fasthttp.AcquireRequest()
		resp := fasthttp.AcquireResponse()
		defer fasthttp.ReleaseRequest(req)
		defer fasthttp.ReleaseResponse(resp)

		req.SetRequestURI(base.JoinPath("realtime", "client_secrets").String())
		req.Header.SetMethod(fasthttp.MethodPost)
		req.Header.Set("Authorization", "Bearer "+cfg.Credential)
		req.Header.SetContentType("application/json")
		req.SetBody(body)

		var err error
		if deadline, ok := ctx.Deadline(); ok {
			err = fasthttp.DoDeadline(req, resp, deadline)
		} else {
			err = fasthttp.Do(req, resp)
		}
		resC <- result{status: resp.StatusCode(), body: append([]byte(nil), resp.Body()...), err: err}
	}()
	var res result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-resC:
		if res.err != nil {
			return nil, fmt.Errorf("performing HTTP request: %w", res.err)
		}
	}
	if res.status != fasthttp.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", res.status, string(res.body))
	}
	var out clientSecretResponse
	if err := sonic.Unmarshal(res.body, &out); err != nil {
		return nil, fmt.Errorf("unmarshaling response: %w", err)
	}
	if out.Value == "" {
		return nil, errors.New("response carries no client secret")
	}
	return &ClientSecret{
		Value:     out.Value,
		ExpiresAt: time.Unix(out.ExpiresAt, 0),
	}, nil
}
