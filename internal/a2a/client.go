package a2a

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	otelpkg "github.com/basket/agentcore/internal/otel"
)

// Timeouts bound the phases of one call. Pool bounds how long an idle
// connection is kept for reuse.
type Timeouts struct {
	Connect time.Duration
	Read    time.Duration
	Write   time.Duration
	Pool    time.Duration
}

// DefaultTimeouts derives client timeouts from the configured extended API
// timeout: reads and writes get ten seconds on top of it.
func DefaultTimeouts(extendedSeconds, connectSeconds, poolSeconds int) Timeouts {
	if extendedSeconds <= 0 {
		extendedSeconds = 600
	}
	if connectSeconds <= 0 {
		connectSeconds = 10
	}
	if poolSeconds <= 0 {
		poolSeconds = 10
	}
	rw := time.Duration(extendedSeconds+10) * time.Second
	return Timeouts{
		Connect: time.Duration(connectSeconds) * time.Second,
		Read:    rw,
		Write:   rw,
		Pool:    time.Duration(poolSeconds) * time.Second,
	}
}

type Options struct {
	Timeouts Timeouts
	Headers  map[string]string
	Logger   *slog.Logger
	Metrics  *otelpkg.Metrics

	// Retries is how many times an idempotent call is repeated after a
	// retryable HTTP error. Zero means two.
	Retries uint

	// HTTPClient replaces the client built from Timeouts.
	HTTPClient *http.Client
}

// Client calls one remote agent's JSON-RPC endpoint.
type Client struct {
	endpoint string
	http     *http.Client
	opts     Options
	logger   *slog.Logger
}

func NewClient(endpoint string, opts Options) *Client {
	if opts.Timeouts == (Timeouts{}) {
		opts.Timeouts = DefaultTimeouts(0, 0, 0)
	}
	if opts.Retries == 0 {
		opts.Retries = 2
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Transport: newTransport(endpoint, opts.Timeouts)}
	}
	return &Client{endpoint: endpoint, http: hc, opts: opts, logger: logger.With("component", "a2a", "endpoint", endpoint)}
}

func newTransport(endpoint string, t Timeouts) *http.Transport {
	tr := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: t.Connect, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   t.Connect,
		ResponseHeaderTimeout: t.Read,
		IdleConnTimeout:       t.Pool,
		MaxIdleConnsPerHost:   4,
	}
	if !BypassProxy(endpoint) {
		tr.Proxy = http.ProxyFromEnvironment
	}
	return tr
}

var localSuffixes = []string{".local", ".lan", ".home", ".internal"}

// BypassProxy reports whether rawURL points at the local network, where
// environment proxies must not be used.
func BypassProxy(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
	}
	for _, s := range localSuffixes {
		if strings.HasSuffix(host, s) {
			return true
		}
	}
	return false
}

func (c *Client) SendTask(ctx context.Context, p TaskSendParams) (*Task, error) {
	return invoke[Task](ctx, c, MethodSendTask, p, false)
}

func (c *Client) GetTask(ctx context.Context, p TaskQueryParams) (*Task, error) {
	return invoke[Task](ctx, c, MethodGetTask, p, true)
}

func (c *Client) CancelTask(ctx context.Context, p TaskIDParams) (*Task, error) {
	return invoke[Task](ctx, c, MethodCancelTask, p, false)
}

func (c *Client) SetTaskCallback(ctx context.Context, p TaskPushNotificationConfig) (*TaskPushNotificationConfig, error) {
	return invoke[TaskPushNotificationConfig](ctx, c, MethodSetPushConfig, p, true)
}

func (c *Client) GetTaskCallback(ctx context.Context, p TaskIDParams) (*TaskPushNotificationConfig, error) {
	return invoke[TaskPushNotificationConfig](ctx, c, MethodGetPushConfig, p, true)
}

func invoke[T any](ctx context.Context, c *Client, method string, params any, idempotent bool) (*T, error) {
	var out T
	if err := c.call(ctx, method, params, &out, idempotent); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) newRequest(ctx context.Context, method string, params any) (*http.Request, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, &JSONError{Message: err.Error()}
	}
	body, err := json.Marshal(Request{JSONRPC: "2.0", ID: uuid.NewString(), Method: method, Params: raw})
	if err != nil {
		return nil, &JSONError{Message: err.Error()}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.opts.Headers {
		req.Header.Set(k, v)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	return req, nil
}

// call sends one request and decodes its result into out. Idempotent calls
// are retried with backoff on retryable HTTP errors.
func (c *Client) call(ctx context.Context, method string, params, out any, idempotent bool) error {
	tries := uint(1)
	if idempotent {
		tries += c.opts.Retries
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := c.once(ctx, method, params, out)
		var he *HTTPError
		if err != nil && !(errors.As(err, &he) && he.Retryable()) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(tries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.logger.Debug("a2a call retrying", "method", method, "wait", wait, "error", err)
		}))
	return err
}

func (c *Client) once(ctx context.Context, method string, params, out any) (err error) {
	start := time.Now()
	status := 0 // set for HTTP failures only
	ctx, span := otelpkg.StartClientSpan(ctx, "a2a."+method, otelpkg.AttrOperation.String(method))
	defer func() {
		otelpkg.EndSpan(span, err)
		c.opts.Metrics.RecordA2ACall(ctx, method, time.Since(start), status)
	}()

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeouts.Read+c.opts.Timeouts.Write)
	defer cancel()
	req, err := c.newRequest(ctx, method, params)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		err = classify(ctx, err)
		if he, ok := err.(*HTTPError); ok {
			status = he.StatusCode
		}
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		status = resp.StatusCode
		return httpError(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return classify(ctx, err)
	}
	return decodeResult(data, out)
}

func httpError(resp *http.Response) *HTTPError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &HTTPError{StatusCode: resp.StatusCode, Message: msg}
}

func decodeResult(data []byte, out any) error {
	var env Response
	if err := json.Unmarshal(data, &env); err != nil {
		return &JSONError{Message: err.Error()}
	}
	if env.Error != nil {
		return env.Error
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return &JSONError{Message: err.Error()}
	}
	return nil
}

// SendTaskStreaming calls tasks/sendSubscribe and yields one event per
// server-sent event. The sequence ends after a final status, at end of
// stream, or with the first error. Cancelling ctx closes the connection.
func (c *Client) SendTaskStreaming(ctx context.Context, p TaskSendParams) iter.Seq2[StreamEvent, error] {
	return func(yield func(StreamEvent, error) bool) {
		ctx, span := otelpkg.StartClientSpan(ctx, "a2a."+MethodSendTaskSubscribe,
			otelpkg.AttrOperation.String(MethodSendTaskSubscribe))
		var err error
		defer func() { otelpkg.EndSpan(span, err) }()

		req, err := c.newRequest(ctx, MethodSendTaskSubscribe, p)
		if err != nil {
			yield(StreamEvent{}, err)
			return
		}
		req.Header.Set("Accept", "text/event-stream")
		resp, err := c.http.Do(req)
		if err != nil {
			err = classify(ctx, err)
			yield(StreamEvent{}, err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			err = httpError(resp)
			yield(StreamEvent{}, err)
			return
		}

		err = readSSE(resp.Body, func(data []byte) (bool, error) {
			var ev StreamEvent
			if err := decodeResult(data, &ev); err != nil {
				return false, err
			}
			if !yield(ev, nil) {
				return false, nil
			}
			return !ev.Final(), nil
		})
		if err != nil {
			if ctx.Err() != nil {
				err = classify(ctx, err)
			}
			yield(StreamEvent{}, err)
		}
	}
}

// readSSE hands each event's joined data lines to handle until handle asks
// to stop or the body ends.
func readSSE(body io.Reader, handle func([]byte) (bool, error)) error {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var buf bytes.Buffer
	flush := func() (bool, error) {
		if buf.Len() == 0 {
			return true, nil
		}
		more, err := handle(buf.Bytes())
		buf.Reset()
		return more, err
	}
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			if more, err := flush(); err != nil || !more {
				return err
			}
			continue
		}
		if data, ok := strings.CutPrefix(line, "data:"); ok {
			if buf.Len() > 0 {
				buf.WriteByte('\n')
			}
			buf.WriteString(strings.TrimPrefix(data, " "))
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	_, err := flush()
	return err
}
