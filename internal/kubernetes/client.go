// Package kubernetes implements the scheduler core's orchestrator client and
// the Kubernetes-backed Scheduler (spec §4.1/§4.4). The client speaks plain
// HTTP against the Kubernetes API server, returning JSON that callers decode
// into the k8s.io/api wire types and classifying failures into the
// internal/scheduler error taxonomy; it deliberately does not adopt
// client-go's typed/dynamic clients or informers, which would hide the
// hand-rolled snapshot+watch reconnection loop in watch.go.
package kubernetes

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/conduitio/bwlimit"
	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/transport"

	"github.com/waiter-project/scheduler-core/internal/scheduler"
)

// ClientConfig carries §4.1/§6's transport knobs.
type ClientConfig struct {
	BaseURL       string
	ConnTimeout   time.Duration
	SocketTimeout time.Duration
	// WatchByteRateLimit bounds how fast a watch stream's body can be read
	// (bytes/sec); 0 disables the limiter.
	WatchByteRateLimit int64
}

// TokenSource returns the current bearer token to attach to outgoing
// requests. The auth-refresh worker (auth.go) swaps this atomically; request
// callers never block on token acquisition.
type TokenSource interface {
	Token() string
}

// staticToken implements TokenSource for a token that never changes.
type staticToken string

func (s staticToken) Token() string { return string(s) }

// Client is the orchestrator HTTP client (spec §4.1): request/stream against
// the configured API server, with Authorization header injection and status
// classification into the scheduler error taxonomy.
type Client struct {
	http      *http.Client
	watchHTTP *http.Client
	baseURL   string
	tokens    atomic.Pointer[TokenSource]
	logger    *slog.Logger
}

// NewClient builds a Client from in-cluster config, falling back to the
// local kubeconfig (teacher's utils.CreateKubernetesClient fallback chain),
// using rest.Config purely to construct an *http.Client/bearer token — never
// a typed or dynamic clientset. A second client, sharing the same TLS/auth
// wrapping but dialing through a bandwidth-limited net.Dialer, is used for
// watch streams so a reconnect storm of buffered events cannot spike
// memory/CPU past cfg.WatchByteRateLimit.
func NewClient(cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	restCfg, err := buildRESTConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to build kubernetes transport config: %w", err)
	}

	rt, err := rest.TransportFor(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build kubernetes transport: %w", err)
	}

	watchRT, err := buildWatchTransport(restCfg, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build rate-limited watch transport: %w", err)
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = restCfg.Host
	}

	c := &Client{
		http:      &http.Client{Transport: rt, Timeout: cfg.SocketTimeout},
		watchHTTP: &http.Client{Transport: watchRT},
		baseURL:   baseURL,
		logger:    logger,
	}
	var initial TokenSource = staticToken(restCfg.BearerToken)
	c.tokens.Store(&initial)
	return c, nil
}

// buildWatchTransport layers the rest.Config's TLS and auth wrapping onto a
// base transport whose dialer is bandwidth-limited via bwlimit. A
// WatchByteRateLimit of 0 leaves the dial unthrottled.
func buildWatchTransport(restCfg *rest.Config, cfg ClientConfig) (http.RoundTripper, error) {
	transportCfg, err := restCfg.TransportConfig()
	if err != nil {
		return nil, err
	}
	tlsConfig, err := transport.TLSConfigFor(transportCfg)
	if err != nil {
		return nil, err
	}

	baseDialer := &net.Dialer{Timeout: cfg.ConnTimeout}
	var dialContext func(ctx context.Context, network, addr string) (net.Conn, error)
	if cfg.WatchByteRateLimit > 0 {
		bwDialer := bwlimit.NewDialer(baseDialer, bwlimit.Byte(cfg.WatchByteRateLimit), 0)
		dialContext = bwDialer.DialContext
	} else {
		dialContext = baseDialer.DialContext
	}

	base := &http.Transport{TLSClientConfig: tlsConfig, DialContext: dialContext}
	return transport.HTTPWrappersForConfig(transportCfg, base)
}

func buildRESTConfig() (*rest.Config, error) {
	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, nil
	}
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	overrides := &clientcmd.ConfigOverrides{}
	kubeConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, overrides)
	return kubeConfig.ClientConfig()
}

// SetTokenSource swaps the token source used for the Authorization header
// (called by the auth-refresh worker; spec §5's "cooperative task").
func (c *Client) SetTokenSource(ts TokenSource) {
	c.tokens.Store(&ts)
}

func (c *Client) currentToken() string {
	ts := c.tokens.Load()
	if ts == nil || *ts == nil {
		return ""
	}
	return (*ts).Token()
}

// Request issues a single request and returns its parsed JSON body (spec
// §4.1 request(url, method, body?, content-type?)). Content-type defaults to
// "application/json" when body is non-nil.
func (c *Client) Request(ctx context.Context, method, url string, body []byte, contentType string) (map[string]any, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
		if contentType == "" {
			contentType = "application/json"
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.resolveURL(url), reader)
	if err != nil {
		return nil, scheduler.NewError(scheduler.KindMalformed, 0, "failed to build request", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	c.attachAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, scheduler.NewError(scheduler.KindTransport, 0, "request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, scheduler.NewError(scheduler.KindTransport, resp.StatusCode, "failed to read response body", err)
	}

	if resp.StatusCode >= 300 {
		return nil, scheduler.NewError(scheduler.ClassifyStatus(resp.StatusCode), resp.StatusCode, decodeStatus(respBody), nil)
	}

	if len(respBody) == 0 {
		return nil, nil
	}
	var parsed map[string]any
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, scheduler.NewError(scheduler.KindMalformed, resp.StatusCode, "failed to parse response body", err)
	}
	return parsed, nil
}

// RequestInto issues a request like Request, but unmarshals the response
// body directly into out (used by callers that need a typed k8s.io/api
// object rather than a generic map).
func (c *Client) RequestInto(ctx context.Context, method, url string, body []byte, contentType string, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
		if contentType == "" {
			contentType = "application/json"
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.resolveURL(url), reader)
	if err != nil {
		return scheduler.NewError(scheduler.KindMalformed, 0, "failed to build request", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	c.attachAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return scheduler.NewError(scheduler.KindTransport, 0, "request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return scheduler.NewError(scheduler.KindTransport, resp.StatusCode, "failed to read response body", err)
	}

	if resp.StatusCode >= 300 {
		return scheduler.NewError(scheduler.ClassifyStatus(resp.StatusCode), resp.StatusCode, decodeStatus(respBody), nil)
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return scheduler.NewError(scheduler.KindMalformed, resp.StatusCode, "failed to parse response body", err)
	}
	return nil
}

// Event is one decoded item from a watch stream: the raw event type plus its
// object, still as unstructured JSON so callers decode into the concrete
// k8s.io/api type they expect (Pod vs ReplicaSet).
type Event struct {
	Type   watch.EventType
	Object json.RawMessage
}

// Stream opens a watch request and returns a lazy sequence of parsed events
// (spec §4.1 stream(url)) that terminates on EOF or transport error. The
// request is issued on the rate-limited watch client (see buildWatchTransport)
// so a reconnect storm of buffered events cannot spike memory/CPU.
func (c *Client) Stream(ctx context.Context, url string) (*StreamReader, error) {
	correlationID := uuid.NewString()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolveURL(url), nil)
	if err != nil {
		return nil, scheduler.NewError(scheduler.KindMalformed, 0, "failed to build watch request", err)
	}
	req.Header.Set("X-Correlation-Id", correlationID)
	c.attachAuth(req)

	resp, err := c.watchHTTP.Do(req)
	if err != nil {
		return nil, scheduler.NewError(scheduler.KindTransport, 0, "watch request failed", err)
	}
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, scheduler.NewError(scheduler.ClassifyStatus(resp.StatusCode), resp.StatusCode, decodeStatus(body), nil)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxWatchLineBytes)

	return &StreamReader{
		scanner:       scanner,
		closer:        resp.Body,
		correlationID: correlationID,
		logger:        c.logger,
	}, nil
}

// maxWatchLineBytes bounds a single watch event line; a Pod or ReplicaSet
// object can exceed bufio.Scanner's 64KiB default token size.
const maxWatchLineBytes = 4 * 1024 * 1024

// StreamReader is the lazy sequence Stream returns: Next() blocks for the
// next watch event, returning (Event, true) or (Event{}, false) at EOF/error.
type StreamReader struct {
	scanner       *bufio.Scanner
	closer        io.Closer
	correlationID string
	logger        *slog.Logger
	err           error
}

// Next decodes the next line-delimited watch event. Kubernetes watch streams
// are newline-delimited JSON objects of {type, object}.
func (r *StreamReader) Next() (Event, bool) {
	if !r.scanner.Scan() {
		r.err = r.scanner.Err()
		return Event{}, false
	}
	var raw struct {
		Type   watch.EventType `json:"type"`
		Object json.RawMessage `json:"object"`
	}
	line := r.scanner.Bytes()
	if err := json.Unmarshal(line, &raw); err != nil {
		r.err = fmt.Errorf("failed to decode watch event (correlation-id=%s): %w", r.correlationID, err)
		return Event{}, false
	}
	return Event{Type: raw.Type, Object: raw.Object}, true
}

// Err returns the terminal error, if Next returned false because of a
// transport/decode failure rather than a clean EOF.
func (r *StreamReader) Err() error { return r.err }

// Close releases the underlying response body.
func (r *StreamReader) Close() error { return r.closer.Close() }

// resolveURL prefixes url with the API server's base URL, unless url is
// already absolute (the fileserver sidecar lives at a different host:port
// than the API server, so RetrieveDirectoryContent passes a full URL).
func (c *Client) resolveURL(url string) string {
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		return url
	}
	return c.baseURL + url
}

func (c *Client) attachAuth(req *http.Request) {
	if token := c.currentToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// decodeStatus unmarshals a Kubernetes error response body for logging
// context; failures to decode are swallowed since the status code alone is
// sufficient for classification.
func decodeStatus(body []byte) string {
	var status unstructured.Unstructured
	if err := status.UnmarshalJSON(body); err != nil {
		return string(body)
	}
	if msg, found, _ := unstructured.NestedString(status.Object, "message"); found {
		return msg
	}
	return string(body)
}
