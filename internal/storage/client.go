package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/weavekit/sync15/internal/bso"
	"github.com/weavekit/sync15/internal/common"
	"github.com/weavekit/sync15/internal/hawk"
	"github.com/weavekit/sync15/internal/logging"
)

const (
	defaultReadTimeout    = 30 * time.Second
	defaultConnectTimeout = 10 * time.Second
)

// Config wires up a storage Client. Endpoint is the per-user base URL
// handed out by the token server (".../1.5/<uid>").
type Config struct {
	Endpoint    string
	Credentials *hawk.Credentials

	// HTTPClient overrides the default transport (30 s read timeout,
	// 10 s connect timeout).
	HTTPClient *http.Client

	// Backoff is shared with the session so a deadline survives the
	// client; a fresh one is created when nil.
	Backoff *BackoffState

	Log logging.Logger
}

// Client is the collection-level transport. It is not safe for
// concurrent use; the sync session owns it exclusively.
type Client struct {
	endpoint *url.URL
	creds    *hawk.Credentials
	http     *http.Client
	backoff  *BackoffState
	log      logging.Logger

	mu             sync.Mutex
	lastServerTime bso.ServerTimestamp
	skewOffset     time.Duration
}

// NewClient validates the config and returns a Client.
func NewClient(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to parse storage endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("storage endpoint %q is not http(s)", cfg.Endpoint)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = DefaultHTTPClient()
	}
	backoff := cfg.Backoff
	if backoff == nil {
		backoff = NewBackoffState()
	}
	log := cfg.Log
	if log == nil {
		log = logging.Nop()
	}
	return &Client{
		endpoint: u,
		creds:    cfg.Credentials,
		http:     httpClient,
		backoff:  backoff,
		log:      log,
	}, nil
}

// DefaultHTTPClient returns the transport used when the host does not
// supply one.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		Timeout: defaultReadTimeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{Timeout: defaultConnectTimeout}).DialContext,
		},
	}
}

// Backoff exposes the shared backoff state.
func (c *Client) Backoff() *BackoffState { return c.backoff }

// LastServerTime is the most recent X-Weave-Timestamp observed. Callers
// use it as the implicit X-If-Unmodified-Since.
func (c *Client) LastServerTime() bso.ServerTimestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastServerTime
}

// response is the decoded portion of a storage response the callers
// care about.
type response struct {
	status       int
	body         []byte
	lastModified bso.ServerTimestamp
	hasModified  bool
	unchanged    bool
	records      string // X-Weave-Records, informational
}

func (c *Client) exec(ctx context.Context, method, relPath string, query url.Values, body []byte, xius *bso.ServerTimestamp) (*response, error) {
	if err := c.backoff.Check(); err != nil {
		return nil, err
	}

	u := *c.endpoint
	u.Path = strings.TrimRight(u.Path, "/") + relPath
	if query != nil {
		u.RawQuery = query.Encode()
	}
	route := method + " " + relPath

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", route, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if xius != nil {
		req.Header.Set("X-If-Unmodified-Since", xius.String())
	}
	if c.creds != nil {
		c.mu.Lock()
		skew := c.skewOffset
		c.mu.Unlock()
		if err := c.creds.Authorize(req, skew); err != nil {
			return nil, err
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %v", common.ErrNetwork, route, err)
	}
	defer resp.Body.Close()

	c.observeHeaders(resp)
	c.backoff.observe(resp.StatusCode, resp.Header)

	out := &response{status: resp.StatusCode, records: resp.Header.Get("X-Weave-Records")}
	if v := resp.Header.Get("X-Last-Modified"); v != "" {
		ts, err := bso.ParseServerTimestamp(v)
		if err != nil {
			return nil, err
		}
		out.lastModified = ts
		out.hasModified = true
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent:
		// fall through to body read
	case resp.StatusCode == http.StatusAccepted:
		// batch POSTs answer 202
	case resp.StatusCode == http.StatusNotModified:
		out.unchanged = true
		return out, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, &common.UnauthorizedError{Route: route}
	case resp.StatusCode == http.StatusNotFound:
		return nil, &common.NotFoundError{Route: route}
	case resp.StatusCode == http.StatusPreconditionFailed:
		return nil, &common.PreconditionFailedError{Route: route}
	default:
		return nil, &common.HTTPError{Status: resp.StatusCode, Route: route}
	}

	out.body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading body of %s: %v", common.ErrNetwork, route, err)
	}
	return out, nil
}

// observeHeaders tracks X-Weave-Timestamp for clock-skew compensation
// and implicit XIUS.
func (c *Client) observeHeaders(resp *http.Response) {
	v := resp.Header.Get("X-Weave-Timestamp")
	if v == "" {
		return
	}
	ts, err := bso.ParseServerTimestamp(v)
	if err != nil {
		return
	}
	c.mu.Lock()
	if ts > c.lastServerTime {
		c.lastServerTime = ts
	}
	c.skewOffset = ts.Time().Sub(time.Now())
	c.mu.Unlock()
}

// GetEncryptedBsos fetches the records matching req. The returned
// timestamp is the collection's X-Last-Modified; its absence is a
// protocol error.
func (c *Client) GetEncryptedBsos(ctx context.Context, req *CollectionRequest) ([]bso.Bso, bso.ServerTimestamp, error) {
	resp, err := c.exec(ctx, http.MethodGet, "/storage/"+req.Collection, req.Query(), nil, nil)
	if err != nil {
		return nil, 0, err
	}
	if !resp.hasModified {
		return nil, 0, common.ErrMissingServerTimestamp
	}
	var records []bso.Bso
	if err := json.Unmarshal(resp.body, &records); err != nil {
		return nil, 0, fmt.Errorf("failed to decode %s records: %w", req.Collection, err)
	}
	c.log.Debug(ctx, "fetched collection", "collection", req.Collection, "count", len(records))
	return records, resp.lastModified, nil
}

// GetBso fetches one record; nil (no error) on 404.
func (c *Client) GetBso(ctx context.Context, collection string, id bso.Guid) (*bso.Bso, error) {
	resp, err := c.exec(ctx, http.MethodGet, "/storage/"+collection+"/"+string(id), nil, nil, nil)
	if err != nil {
		var nf *common.NotFoundError
		if errors.As(err, &nf) {
			return nil, nil
		}
		return nil, err
	}
	var record bso.Bso
	if err := json.Unmarshal(resp.body, &record); err != nil {
		return nil, fmt.Errorf("failed to decode %s/%s: %w", collection, id, err)
	}
	return &record, nil
}

// PutBso uploads one record, honoring xius when non-nil. Returns the
// record's new server timestamp.
func (c *Client) PutBso(ctx context.Context, collection string, record *bso.Bso, xius *bso.ServerTimestamp) (bso.ServerTimestamp, error) {
	body, err := json.Marshal(record)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal %s/%s: %w", collection, record.Id, err)
	}
	resp, err := c.exec(ctx, http.MethodPut, "/storage/"+collection+"/"+string(record.Id), nil, body, xius)
	if err != nil {
		return 0, err
	}
	if resp.hasModified {
		return resp.lastModified, nil
	}
	// some servers answer a PUT with the bare timestamp in the body
	var ts bso.ServerTimestamp
	if err := json.Unmarshal(resp.body, &ts); err != nil {
		return 0, common.ErrMissingServerTimestamp
	}
	return ts, nil
}

// DeleteBso removes one record.
func (c *Client) DeleteBso(ctx context.Context, collection string, id bso.Guid, xius *bso.ServerTimestamp) error {
	_, err := c.exec(ctx, http.MethodDelete, "/storage/"+collection+"/"+string(id), nil, nil, xius)
	return err
}

// DeleteCollection removes every record in the collection.
func (c *Client) DeleteCollection(ctx context.Context, collection string, xius *bso.ServerTimestamp) error {
	_, err := c.exec(ctx, http.MethodDelete, "/storage/"+collection, nil, nil, xius)
	return err
}

// DeleteAll wipes the user's entire storage. Only the fresh-start path
// calls this.
func (c *Client) DeleteAll(ctx context.Context) error {
	_, err := c.exec(ctx, http.MethodDelete, "/storage", nil, nil, nil)
	return err
}

// FetchInfoConfiguration reads the server limits. A 404 means a server
// from before the batch protocol; defaults apply.
func (c *Client) FetchInfoConfiguration(ctx context.Context) (InfoConfiguration, error) {
	resp, err := c.exec(ctx, http.MethodGet, "/info/configuration", nil, nil, nil)
	if err != nil {
		var nf *common.NotFoundError
		if errors.As(err, &nf) {
			return DefaultInfoConfiguration(), nil
		}
		return InfoConfiguration{}, err
	}
	var cfg InfoConfiguration
	if err := json.Unmarshal(resp.body, &cfg); err != nil {
		return InfoConfiguration{}, fmt.Errorf("failed to decode info/configuration: %w", err)
	}
	return cfg.normalized(), nil
}

// FetchInfoCollections reads the per-collection last-modified map.
func (c *Client) FetchInfoCollections(ctx context.Context) (map[string]bso.ServerTimestamp, error) {
	resp, err := c.exec(ctx, http.MethodGet, "/info/collections", nil, nil, nil)
	if err != nil {
		return nil, err
	}
	var info map[string]bso.ServerTimestamp
	if err := json.Unmarshal(resp.body, &info); err != nil {
		return nil, fmt.Errorf("failed to decode info/collections: %w", err)
	}
	return info, nil
}
