package avatar

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	otelpkg "github.com/basket/agentcore/internal/otel"
	"github.com/basket/agentcore/internal/shared"
)

// CloudStore keeps off-machine copies of avatar files so they survive a
// lost data directory.
type CloudStore interface {
	// Upload stores data under key and returns the URL it can be fetched from.
	Upload(ctx context.Context, key, contentType string, data []byte) (string, error)
	Download(ctx context.Context, url string) ([]byte, error)
	Delete(ctx context.Context, url string) error
}

// HTTPCloud talks to a plain object endpoint: PUT, GET and DELETE on
// <base>/<key>, authenticated with a bearer token when one is set.
type HTTPCloud struct {
	base   string
	token  string
	client *http.Client
}

func NewHTTPCloud(baseURL, token string, client *http.Client) *HTTPCloud {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPCloud{base: strings.TrimRight(baseURL, "/"), token: token, client: client}
}

func (c *HTTPCloud) Upload(ctx context.Context, key, contentType string, data []byte) (string, error) {
	url := c.base + "/" + strings.TrimLeft(key, "/")
	resp, err := c.do(ctx, http.MethodPut, url, contentType, data)
	if err != nil {
		return "", err
	}
	resp.Body.Close()
	return url, nil
}

func (c *HTTPCloud) Download(ctx context.Context, url string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, url, "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &shared.Error{Kind: shared.KindTransport, Op: "cloud.download", Message: url, Err: err}
	}
	return data, nil
}

func (c *HTTPCloud) Delete(ctx context.Context, url string) error {
	resp, err := c.do(ctx, http.MethodDelete, url, "", nil)
	if err != nil {
		if shared.KindOf(err) == shared.KindNotFound {
			return nil
		}
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *HTTPCloud) do(ctx context.Context, method, url, contentType string, body []byte) (*http.Response, error) {
	ctx, span := otelpkg.StartClientSpan(ctx, "avatar.cloud."+strings.ToLower(method))
	var err error
	defer func() { otelpkg.EndSpan(span, err) }()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.client.Do(req)
	if err != nil {
		err = &shared.Error{Kind: shared.KindTransport, Op: "cloud." + strings.ToLower(method), Message: url, Err: err}
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		err = shared.NotFound("cloud object not found: %s", url)
		return nil, err
	}
	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		err = &shared.Error{Kind: shared.KindTransport, Op: "cloud." + strings.ToLower(method),
			Message: fmt.Sprintf("%s: HTTP %d: %s", url, resp.StatusCode, strings.TrimSpace(string(snippet)))}
		return nil, err
	}
	return resp, nil
}
