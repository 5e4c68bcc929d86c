package kybook

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
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/kysync/internal/catalog"
	"github.com/italolelis/kysync/internal/downloader/progress"
	"github.com/italolelis/kysync/internal/logctx"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	// DefaultFetchTimeout bounds a whole request including the body, which
	// for large books over slow links takes minutes.
	DefaultFetchTimeout = 16 * time.Minute
	DefaultInboxPath    = "/Books/Inbox/"
	DefaultUserAgent    = "ky-sync"

	progressInterval = 10 * 1024 * 1024 // 10MB
	maxPrealloc      = 64 << 20         // 64MB
)

// Config describes how to reach a KyBook 3 content server.
type Config struct {
	Addr           string
	Username       string
	Password       string
	InboxPath      string
	ConnectTimeout time.Duration
	FetchTimeout   time.Duration
	UserAgent      string

	// Transport wraps the default dialing transport when set,
	// e.g. for tracing.
	Transport func(http.RoundTripper) http.RoundTripper
}

// Client talks to the list and download endpoints of the content server.
// It is safe for concurrent use.
type Client struct {
	baseURL    string
	username   string
	password   string
	inboxPath  string
	userAgent  string
	httpClient *http.Client
}

// Ensure Client implements catalog.Source.
var _ catalog.Source = (*Client)(nil)

func NewClient(cfg Config) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}

	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}

	if cfg.InboxPath == "" {
		cfg.InboxPath = DefaultInboxPath
	}

	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext

	var rt http.RoundTripper = transport
	if cfg.Transport != nil {
		rt = cfg.Transport(rt)
	}

	return &Client{
		baseURL:   strings.TrimRight(cfg.Addr, "/"),
		username:  cfg.Username,
		password:  cfg.Password,
		inboxPath: cfg.InboxPath,
		userAgent: cfg.UserAgent,
		httpClient: &http.Client{
			Transport: rt,
			Timeout:   cfg.FetchTimeout,
		},
	}
}

// ListInbox returns the books in the inbox folder, in server order.
func (c *Client) ListInbox(ctx context.Context) (catalog.Catalog, error) {
	const op = "list_inbox"

	logger := logctx.LoggerFromContext(ctx).With("inbox_path", c.inboxPath)

	resp, err := c.get(ctx, op, "/list", c.inboxPath)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, networkError(op, err)
	}

	var books catalog.Catalog
	if err := json.Unmarshal(body, &books); err != nil {
		logger.ErrorContext(ctx, "failed to decode inbox listing", "err", err)

		return nil, &catalog.DecodeError{Operation: op, Err: err}
	}

	logger.DebugContext(ctx, "listed inbox", "count", len(books))

	return books, nil
}

// FetchContent downloads the full body of the book stored at path.
func (c *Client) FetchContent(ctx context.Context, path string) ([]byte, error) {
	const op = "fetch_content"

	logger := logctx.LoggerFromContext(ctx).With("book_path", path)

	resp, err := c.get(ctx, op, "/download", path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	pr := progress.NewReader(resp.Body, resp.ContentLength, progressInterval, func(read, total int64) {
		if total > 0 {
			logger.DebugContext(ctx, "download progress",
				"downloaded", humanize.Bytes(uint64(read)),
				"total", humanize.Bytes(uint64(total)),
				"percent", humanize.FtoaWithDigits(float64(read)*100/float64(total), 2))
		} else {
			logger.DebugContext(ctx, "download progress", "downloaded", humanize.Bytes(uint64(read)))
		}
	})

	var buf bytes.Buffer
	if resp.ContentLength > 0 {
		buf.Grow(int(min(resp.ContentLength, maxPrealloc)))
	}

	if _, err := io.Copy(&buf, pr); err != nil {
		logger.DebugContext(ctx, "body read interrupted", "downloaded", humanize.Bytes(uint64(pr.BytesRead())), "err", err)

		return nil, networkError(op, err)
	}

	return buf.Bytes(), nil
}

func (c *Client) get(ctx context.Context, op, endpoint, path string) (*http.Response, error) {
	u := c.baseURL + endpoint + "?" + url.Values{"path": []string{path}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, networkError(op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()

		message := resp.Status
		if s := strings.TrimSpace(string(msg)); s != "" {
			message += ": " + s
		}

		return nil, &catalog.NetworkError{
			Operation:  op,
			StatusCode: resp.StatusCode,
			Message:    message,
		}
	}

	return resp, nil
}

func networkError(op string, err error) *catalog.NetworkError {
	msg := err.Error()

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		msg = urlErr.Err.Error()
		if urlErr.Timeout() {
			msg = "timeout: " + msg
		}
	}

	return &catalog.NetworkError{Operation: op, Message: msg, Err: err}
}
