// Package remote talks to the drive content API: container resolution, folder
// creation, small and resumable uploads, listing and downloads.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/imroc/req/v3"
	"github.com/openmined/visitsync/internal/auth"
	"github.com/openmined/visitsync/internal/utils"
	"github.com/openmined/visitsync/internal/version"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL              = "https://graph.microsoft.com/v1.0"
	DefaultList                 = "Documents"
	ChunkAlignment              = 320 * 1024
	DefaultChunkSize            = 16 * ChunkAlignment // 5 MiB
	DefaultSmallUploadThreshold = 4 * 1024 * 1024
	DefaultRequestTimeout       = 60 * time.Second
	DefaultSessionTimeout       = 5 * time.Minute

	headerRequestID = "client-request-id"
)

var (
	ErrNoSite       = errors.New("remote: site missing")
	ErrNoTokens     = errors.New("remote: token source missing")
	ErrEmptyContent = errors.New("remote: empty content")
)

// Config holds the client settings. Zero values fall back to the package defaults.
type Config struct {
	BaseURL              string
	Site                 string // host:/server-relative path, or a site id
	List                 string
	DriveID              string // skips container resolution when set
	ChunkSize            int64
	SmallUploadThreshold int64
	ChunkDelay           time.Duration
	RequestTimeout       time.Duration
	SessionTimeout       time.Duration
	RequestsPerSecond    float64
	UserAgent            string
}

func (c *Config) setDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.List == "" {
		c.List = DefaultList
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.SmallUploadThreshold <= 0 {
		c.SmallUploadThreshold = DefaultSmallUploadThreshold
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = DefaultSessionTimeout
	}
	if c.UserAgent == "" {
		c.UserAgent = version.UserAgent()
	}
}

// Client is safe for concurrent use by all transfer workers
type Client struct {
	cfg     Config
	http    *req.Client
	tokens  auth.TokenSource
	limiter *rate.Limiter
	log     *slog.Logger

	group   singleflight.Group
	folders mapset.Set[string] // lives as long as the client, never evicted

	mu          sync.Mutex
	containerID string
}

type Option func(*Client)

func WithLogger(log *slog.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

func New(cfg Config, tokens auth.TokenSource, opts ...Option) (*Client, error) {
	if cfg.Site == "" && cfg.DriveID == "" {
		return nil, ErrNoSite
	}
	if tokens == nil {
		return nil, ErrNoTokens
	}
	cfg.setDefaults()

	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		burst = max(1, int(cfg.RequestsPerSecond))
	}

	c := &Client{
		cfg:     cfg,
		tokens:  tokens,
		limiter: rate.NewLimiter(limit, burst),
		log:     slog.Default(),
		folders: mapset.NewSet[string](),
	}
	for _, opt := range opts {
		opt(c)
	}

	// per-call deadlines come from ctx
	c.http = req.C().
		SetBaseURL(cfg.BaseURL).
		SetUserAgent(cfg.UserAgent).
		SetTimeout(0).
		SetJsonMarshal(jsonMarshal).
		SetJsonUnmarshal(jsonUnmarshal)

	if cfg.DriveID != "" {
		c.containerID = cfg.DriveID
	}
	return c, nil
}

func (c *Client) Config() Config {
	return c.cfg
}

// FolderKnown reports whether path was confirmed to exist during this run
func (c *Client) FolderKnown(containerID, path string) bool {
	return c.folders.Contains(folderKey(containerID, utils.NormPath(path)))
}

type call struct {
	op      string
	method  string
	url     string
	timeout time.Duration
	noAuth  bool // pre-authenticated urls must not see the bearer token
	stream  bool // caller reads resp.Body in handle
	prepare func(r *req.Request)
	handle  func(resp *req.Response) error
}

func (c *Client) do(ctx context.Context, cl call) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return transportError(ctx, cl.op, err)
	}

	timeout := cl.timeout
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r := c.http.R().
		SetContext(reqCtx).
		SetHeader(headerRequestID, uuid.NewString())

	if !cl.noAuth {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return tokenError(ctx, cl.op, err)
		}
		r.SetBearerAuthToken(token)
	}
	if cl.stream {
		r.DisableAutoReadResponse()
	}
	if cl.prepare != nil {
		cl.prepare(r)
	}

	start := time.Now()
	resp, err := r.Send(cl.method, cl.url)
	if err != nil {
		return transportError(ctx, cl.op, err)
	}
	if cl.stream && resp.Body != nil {
		defer resp.Body.Close()
	}

	c.log.Debug("remote call", "op", cl.op, "method", cl.method, "status", resp.StatusCode, "took", time.Since(start))

	if resp.IsErrorState() {
		var body []byte
		if cl.stream {
			body, _ = io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		} else {
			body = resp.Bytes()
		}
		return newStatusError(cl.op, resp, body)
	}

	if cl.handle != nil {
		if err := cl.handle(resp); err != nil {
			var re *Error
			if errors.As(err, &re) {
				return err
			}
			if ctx.Err() != nil || reqCtx.Err() != nil {
				return transportError(ctx, cl.op, err)
			}
			return fmt.Errorf("remote: %s: %w", cl.op, err)
		}
	}
	return nil
}

// decodeInto returns a handle func that unmarshals the body into v
func decodeInto(v any) func(resp *req.Response) error {
	return func(resp *req.Response) error {
		if err := resp.UnmarshalJson(v); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
}

// escapePath percent-encodes each segment of a slash path
func escapePath(p string) string {
	segs := strings.Split(utils.NormPath(p), "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}

// itemPath addresses a drive item by path; "" is the drive root
func itemPath(containerID, p string) string {
	if utils.NormPath(p) == "" {
		return "/drives/" + url.PathEscape(containerID) + "/root"
	}
	return "/drives/" + url.PathEscape(containerID) + "/root:/" + escapePath(p) + ":"
}
