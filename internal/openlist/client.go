package openlist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/kafuneri/Openlist-Ani/internal/worker"
)

const userAgent = "Openlist-Ani/1.0"

// Client talks to an OpenList server. All calls share one permit pool so
// the number of in-flight HTTP requests stays bounded no matter how many
// tasks are active. Expected failures never surface as errors: operations
// return false or nil and the caller decides whether to poll or give up.
type Client struct {
	baseURL string
	token   string

	http    *http.Client
	permits *worker.Pool

	maxRetries int
	backoff    time.Duration
	log        *zap.Logger
}

type ClientOptions struct {
	BaseURL string `validate:"required,min=1"`
	Token   string

	MaxConcurrent  int           `validate:"min=1"`
	RequestTimeout time.Duration `validate:"min=1"`
	ConnectTimeout time.Duration `validate:"min=1"`
	MaxRetries     int           `validate:"min=1"`
	RetryBackoff   time.Duration `validate:"min=1"`

	Logger *zap.Logger
}

func DefaultClientOptions(baseURL, token string) *ClientOptions {
	return &ClientOptions{
		BaseURL:        baseURL,
		Token:          token,
		MaxConcurrent:  4,
		RequestTimeout: 30 * time.Second,
		ConnectTimeout: 30 * time.Second,
		MaxRetries:     3,
		RetryBackoff:   800 * time.Millisecond,
	}
}

func NewClient(opts *ClientOptions) (*Client, error) {
	if opts == nil {
		return nil, errors.New("openlist: required client options")
	}
	if err := validator.New().Struct(opts); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	permits, err := worker.NewPool(opts.MaxConcurrent)
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: opts.ConnectTimeout,
		}).DialContext,
		TLSHandshakeTimeout: opts.ConnectTimeout,
	}

	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		token:   opts.Token,
		http: &http.Client{
			Timeout:   opts.RequestTimeout,
			Transport: transport,
		},
		permits:    permits,
		maxRetries: opts.MaxRetries,
		backoff:    opts.RetryBackoff,
		log:        logger,
	}, nil
}

// envelope is the common response wrapper of the OpenList API.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// request performs one logical API call: permit-gated, with exponential
// backoff on transport errors. Non-2xx responses and malformed bodies are
// not retried. Returns nil on any failure.
func (c *Client) request(ctx context.Context, method, path string, body any) *envelope {
	if err := c.permits.Acquire(ctx); err != nil {
		c.log.Error("request aborted before permit", zap.String("path", path), zap.Error(err))
		return nil
	}
	defer c.permits.Release()

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			c.log.Error("encode request body", zap.String("path", path), zap.Error(err))
			return nil
		}
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		env, err := c.doOnce(ctx, method, path, payload)
		if err == nil {
			return env
		}
		lastErr = err

		if !isTransient(err) || attempt == c.maxRetries {
			break
		}
		wait := c.backoff << (attempt - 1)
		c.log.Warn("request failed, retrying",
			zap.String("method", method),
			zap.String("path", path),
			zap.Duration("backoff", wait),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			c.log.Error("request cancelled", zap.String("path", path), zap.Error(ctx.Err()))
			return nil
		}
	}

	c.log.Error("request error",
		zap.String("method", method),
		zap.String("path", path),
		zap.Error(lastErr),
	)
	return nil
}

func (c *Client) doOnce(ctx context.Context, method, path string, payload []byte) (*envelope, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, &permanentError{err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &permanentError{errors.New("unexpected status " + resp.Status)}
	}

	env := &envelope{}
	if err := json.NewDecoder(resp.Body).Decode(env); err != nil {
		return nil, &permanentError{err}
	}
	return env, nil
}

// permanentError wraps failures that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func isTransient(err error) bool {
	var perm *permanentError
	return !errors.As(err, &perm)
}

func (c *Client) post(ctx context.Context, path string, body any) *envelope {
	return c.request(ctx, http.MethodPost, path, body)
}

func (c *Client) get(ctx context.Context, path string) *envelope {
	return c.request(ctx, http.MethodGet, path, nil)
}

// ok reports whether the call reached the server and the API accepted it.
func (c *Client) ok(env *envelope, what string) bool {
	if env == nil {
		return false
	}
	if env.Code != http.StatusOK {
		c.log.Error("api call rejected",
			zap.String("call", what),
			zap.Int("code", env.Code),
			zap.String("message", env.Message),
		)
		return false
	}
	return true
}

// CheckHealth probes the public settings endpoint, which needs no token.
func (c *Client) CheckHealth(ctx context.Context) bool {
	env := c.get(ctx, "/api/public/settings")
	if env == nil || env.Code != http.StatusOK {
		c.log.Error("health check failed", zap.String("base_url", c.baseURL))
		return false
	}
	return true
}

// OfflineDownloadTools lists tool names the server can run jobs with.
// Returns nil on failure.
func (c *Client) OfflineDownloadTools(ctx context.Context) []string {
	env := c.get(ctx, "/api/public/offline_download_tools")
	if !c.ok(env, "offline_download_tools") {
		return nil
	}
	// The server has answered with either plain names or {name: ...}
	// objects depending on version; accept both.
	var names []string
	if err := json.Unmarshal(env.Data, &names); err == nil {
		return names
	}
	var tools []Tool
	if err := json.Unmarshal(env.Data, &tools); err != nil {
		c.log.Error("decode offline download tools", zap.Error(err))
		return nil
	}
	names = make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Name)
	}
	return names
}

// AddOfflineDownload asks the server to fetch the given URLs into path
// using the named tool. Returns the created jobs, or nil on failure.
func (c *Client) AddOfflineDownload(ctx context.Context, urls []string, path, tool string) []Job {
	if c.token == "" {
		return nil
	}
	env := c.post(ctx, "/api/fs/add_offline_download", map[string]any{
		"urls": urls,
		"path": path,
		"tool": tool,
	})
	if !c.ok(env, "add_offline_download") {
		return nil
	}
	var data struct {
		Tasks []Job `json:"tasks"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		c.log.Error("decode offline download jobs", zap.Error(err))
		return nil
	}
	c.log.Debug("offline download added",
		zap.Strings("urls", urls),
		zap.String("path", path),
	)
	return data.Tasks
}

// UndoneJobs lists offline-download jobs still in flight. Nil on failure.
func (c *Client) UndoneJobs(ctx context.Context) []Job {
	return c.listJobs(ctx, "/api/task/offline_download/undone")
}

// DoneJobs lists finished offline-download jobs. Nil on failure.
func (c *Client) DoneJobs(ctx context.Context) []Job {
	return c.listJobs(ctx, "/api/task/offline_download/done")
}

func (c *Client) listJobs(ctx context.Context, path string) []Job {
	env := c.get(ctx, path)
	if !c.ok(env, path) {
		return nil
	}
	jobs := []Job{}
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &jobs); err != nil {
			c.log.Error("decode job list", zap.String("path", path), zap.Error(err))
			return nil
		}
	}
	return jobs
}

// ListFiles lists a remote directory, asking the server to refresh its
// cache. Nil on failure.
func (c *Client) ListFiles(ctx context.Context, path string) []FileEntry {
	if c.token == "" {
		return nil
	}
	env := c.post(ctx, "/api/fs/list", map[string]any{
		"path":     path,
		"password": "",
		"page":     1,
		"per_page": 0,
		"refresh":  true,
	})
	if !c.ok(env, "fs/list") {
		return nil
	}
	var data struct {
		Content []FileEntry `json:"content"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		c.log.Error("decode file list", zap.String("path", path), zap.Error(err))
		return nil
	}
	if data.Content == nil {
		return []FileEntry{}
	}
	return data.Content
}

// Mkdir creates a remote directory (and parents).
func (c *Client) Mkdir(ctx context.Context, path string) bool {
	if c.token == "" {
		return false
	}
	env := c.post(ctx, "/api/fs/mkdir", map[string]any{"path": path})
	if !c.ok(env, "fs/mkdir") {
		return false
	}
	c.log.Debug("directory created", zap.String("path", path))
	return true
}

// Rename renames the file at fullPath to newName in place.
func (c *Client) Rename(ctx context.Context, fullPath, newName string) bool {
	if c.token == "" {
		return false
	}
	env := c.post(ctx, "/api/fs/rename", map[string]any{
		"path": fullPath,
		"name": newName,
	})
	if !c.ok(env, "fs/rename") {
		return false
	}
	c.log.Debug("renamed", zap.String("path", fullPath), zap.String("name", newName))
	return true
}

// Move moves the named entries from srcDir to dstDir.
func (c *Client) Move(ctx context.Context, srcDir, dstDir string, names []string) bool {
	if c.token == "" {
		return false
	}
	env := c.post(ctx, "/api/fs/move", map[string]any{
		"src_dir": srcDir,
		"dst_dir": dstDir,
		"names":   names,
	})
	if !c.ok(env, "fs/move") {
		return false
	}
	c.log.Debug("moved",
		zap.Strings("names", names),
		zap.String("src", srcDir),
		zap.String("dst", dstDir),
	)
	return true
}

// Remove deletes the named entries from dir.
func (c *Client) Remove(ctx context.Context, dir string, names []string) bool {
	if c.token == "" {
		return false
	}
	env := c.post(ctx, "/api/fs/remove", map[string]any{
		"dir":   dir,
		"names": names,
	})
	if !c.ok(env, "fs/remove") {
		return false
	}
	c.log.Debug("removed", zap.Strings("names", names), zap.String("dir", dir))
	return true
}

// Close releases the client's permit pool.
func (c *Client) Close() {
	c.permits.Close()
}
