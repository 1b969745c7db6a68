// Package transport provides the HTTP client cloudexp uses to talk to
// the gateway and global API: signed-URL issuance, streamed upload and
// download, and status polling. It is built on retryablehttp/cleanhttp
// rather than a bare http.Client so that connection-reset, DNS, and 5xx
// failures get the retry-with-backoff treatment the protocol expects
// without every caller reimplementing it.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/cloudexp/cloudexp/internal/cerrors"
	"github.com/cloudexp/cloudexp/internal/clog"
	"github.com/cloudexp/cloudexp/internal/util"
)

// Config tunes the client's timeouts and retry policy. The zero value
// is not usable; call DefaultConfig.
type Config struct {
	ConnectTimeout time.Duration // dial timeout, spec default 30s
	IdleTimeout    time.Duration // abort a stalled stream after this, spec default 120s
	RetryMax       int           // spec default 3
	RetryWaitMin   time.Duration // spec default 1s
	RetryWaitMax   time.Duration // backoff cap
}

// DefaultConfig matches the timeout/retry policy spec.md §4.3.2 requires.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 30 * time.Second,
		IdleTimeout:    120 * time.Second,
		RetryMax:       3,
		RetryWaitMin:   1 * time.Second,
		RetryWaitMax:   15 * time.Second,
	}
}

// Client wraps a retryablehttp.Client configured per Config.
type Client struct {
	rc     *retryablehttp.Client
	cfg    Config
	logger clog.Logger
}

// NewClient builds a Client. A nil logger uses clog's package-level
// default (a no-op by default).
func NewClient(cfg Config, logger clog.Logger) *Client {
	if logger == nil {
		logger = clog.GetLogger()
	}

	base := cleanhttp.DefaultPooledClient()
	if t, ok := base.Transport.(*http.Transport); ok {
		dialer := &net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}
		idle := cfg.IdleTimeout
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			return &idleDeadlineConn{Conn: conn, idle: idle}, nil
		}
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = base
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = cfg.RetryWaitMin
	rc.RetryWaitMax = cfg.RetryWaitMax
	rc.Backoff = jitteredExponentialBackoff
	rc.Logger = nil // the default text logger is noisy; we log transitions ourselves
	rc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			logger.Warn("retrying request", clog.String("url", req.URL.String()), clog.Int("attempt", attempt))
		}
	}

	return &Client{rc: rc, cfg: cfg, logger: logger}
}

// jitteredExponentialBackoff doubles the wait each attempt starting
// from RetryWaitMin, capped at RetryWaitMax, with up to 20% jitter.
func jitteredExponentialBackoff(minWait, maxWait time.Duration, attempt int, _ *http.Response) time.Duration {
	wait := minWait
	for i := 0; i < attempt; i++ {
		wait *= 2
		if wait >= maxWait {
			wait = maxWait
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(wait) / 5 + 1))
	return wait + jitter
}

// DoJSON issues method to url with the given headers and body
// (marshalled by the caller), returning the status code and raw
// response bytes. phase labels the cerrors.Error on failure.
func (c *Client) DoJSON(ctx context.Context, phase, method, url string, headers map[string]string, body []byte) (int, []byte, error) {
	var bodyReader io.ReadSeeker
	if body != nil {
		bodyReader = &byteReaderSeeker{b: body}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return 0, nil, cerrors.NewInternalError(phase, "build request: "+err.Error())
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.rc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, cerrors.NewCancelled(phase)
		}
		return 0, nil, cerrors.NewNetworkError(phase, cerrors.SubConnect, 0, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, cerrors.NewNetworkError(phase, cerrors.SubTruncated, resp.StatusCode, err)
	}
	return resp.StatusCode, respBody, nil
}

// Upload streams path to uploadURL via PUT with Content-Type
// application/octet-stream and Content-Length set from the file size.
// The body is never fully buffered.
func (c *Client) Upload(ctx context.Context, uploadURL, path string) error {
	const phase = "uploading"

	f, err := os.Open(path)
	if err != nil {
		return cerrors.NewEncryptionFailed(phase, cerrors.SubIO, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return cerrors.NewEncryptionFailed(phase, cerrors.SubIO, err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, uploadURL, f)
	if err != nil {
		return cerrors.NewInternalError(phase, "build request: "+err.Error())
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "application/octet-stream")

	start := time.Now()
	resp, err := c.rc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return cerrors.NewCancelled(phase)
		}
		return cerrors.NewNetworkError(phase, cerrors.SubUpload, 0, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return cerrors.NewNetworkError(phase, cerrors.SubUpload, resp.StatusCode, fmt.Errorf("upload rejected"))
	}
	c.logger.Info("upload complete",
		clog.String("size", util.Sizeify(info.Size())),
		clog.String("elapsed", util.Timeify(int(time.Since(start).Seconds()))))
	return nil
}

// Download streams resultURL to destPath via GET. Partial output is
// removed on any failure, including a response that is truncated
// relative to its declared Content-Length.
func (c *Client) Download(ctx context.Context, resultURL, destPath string) (err error) {
	const phase = "downloading"
	start := time.Now()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, resultURL, nil)
	if err != nil {
		return cerrors.NewInternalError(phase, "build request: "+err.Error())
	}

	resp, err := c.rc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return cerrors.NewCancelled(phase)
		}
		return cerrors.NewNetworkError(phase, cerrors.SubDownload, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return cerrors.NewNetworkError(phase, cerrors.SubDownload, resp.StatusCode, fmt.Errorf("download rejected"))
	}

	dir := filepath.Dir(destPath)
	tmp, err := os.CreateTemp(dir, filepath.Base(destPath)+".*.incomplete")
	if err != nil {
		return cerrors.NewEncryptionFailed(phase, cerrors.SubIO, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	buf := util.GetStreamBuffer()
	defer util.PutStreamBuffer(buf)
	written, copyErr := io.CopyBuffer(tmp, resp.Body, buf)
	if copyErr != nil {
		return cerrors.NewNetworkError(phase, cerrors.SubTruncated, resp.StatusCode, copyErr)
	}
	if resp.ContentLength >= 0 && written != resp.ContentLength {
		return cerrors.NewNetworkError(phase, cerrors.SubTruncated, resp.StatusCode,
			fmt.Errorf("got %d bytes, expected %d", written, resp.ContentLength))
	}

	if err = tmp.Sync(); err != nil {
		return cerrors.NewEncryptionFailed(phase, cerrors.SubIO, err)
	}
	if err = tmp.Close(); err != nil {
		return cerrors.NewEncryptionFailed(phase, cerrors.SubIO, err)
	}
	if err = os.Rename(tmpPath, destPath); err != nil {
		return cerrors.NewEncryptionFailed(phase, cerrors.SubIO, err)
	}
	c.logger.Info("download complete",
		clog.String("size", util.Sizeify(written)),
		clog.String("elapsed", util.Timeify(int(time.Since(start).Seconds()))))
	return nil
}

// StatusCode is the terminal/non-terminal disposition of a poll.
type StatusCode int

const (
	StatusInProgress StatusCode = iota
	StatusCompleted
	StatusNotFound
	StatusServerFailure
)

// StatusReport is the decoded result of one pollStatus call.
type StatusReport struct {
	Code      StatusCode
	ResultURL string
	Message   string
}

type statusResponseBody struct {
	Code    int    `json:"code"`
	URL     string `json:"url,omitempty"`
	Message string `json:"message,omitempty"`
}

// PollStatus polls statusURL with the given headers, starting at a 2s
// interval and backing off multiplicatively to a 15s cap on repeated
// InProgress responses, until a terminal status is reached or ctx
// ends: an elapsed deadline returns a Timeout error, any other
// cancellation a Cancelled error. Transport errors during polling are
// retried (same backoff) rather than treated as terminal.
func (c *Client) PollStatus(ctx context.Context, statusURL string, headers map[string]string) (StatusReport, error) {
	const phase = "polling"
	const (
		initialInterval = 2 * time.Second
		maxInterval     = 15 * time.Second
	)

	doneErr := func() error {
		if ctx.Err() == context.DeadlineExceeded {
			return cerrors.NewTimeout(phase)
		}
		return cerrors.NewCancelled(phase)
	}

	interval := initialInterval
	for {
		if err := ctx.Err(); err != nil {
			return StatusReport{}, doneErr()
		}

		status, body, err := c.DoJSON(ctx, phase, http.MethodGet, statusURL, headers, nil)
		if err != nil {
			if cerrors.Is(err, cerrors.Cancelled) {
				return StatusReport{}, doneErr()
			}
			// transport errors are retried, not terminal.
			if !sleepOrDone(ctx, interval) {
				return StatusReport{}, doneErr()
			}
			interval = nextInterval(interval, maxInterval)
			continue
		}

		var parsed statusResponseBody
		if jsonErr := json.Unmarshal(body, &parsed); jsonErr != nil {
			return StatusReport{}, cerrors.NewProtocolError(phase, cerrors.SubMalformedResponse, status, jsonErr.Error())
		}

		switch parsed.Code {
		case 100:
			if !sleepOrDone(ctx, interval) {
				return StatusReport{}, doneErr()
			}
			interval = nextInterval(interval, maxInterval)
			continue
		case 200:
			return StatusReport{Code: StatusCompleted, ResultURL: parsed.URL}, nil
		case 404:
			return StatusReport{}, cerrors.NewProtocolError(phase, cerrors.SubRejected, 404, "status not found")
		case 500:
			return StatusReport{}, cerrors.NewProtocolError(phase, cerrors.SubUnknownCode, 500, parsed.Message)
		default:
			return StatusReport{}, cerrors.NewProtocolError(phase, cerrors.SubUnknownCode, status,
				fmt.Sprintf("unexpected status code %d", parsed.Code))
		}
	}
}

func nextInterval(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

// sleepOrDone waits for d, returning false if ctx ends first.
func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// byteReaderSeeker adapts a []byte to io.ReadSeeker so retryablehttp
// can rewind the body on retry.
type byteReaderSeeker struct {
	b   []byte
	off int64
}

func (r *byteReaderSeeker) Read(p []byte) (int, error) {
	if r.off >= int64(len(r.b)) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.off:])
	r.off += int64(n)
	return n, nil
}

func (r *byteReaderSeeker) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = r.off + offset
	case io.SeekEnd:
		abs = int64(len(r.b)) + offset
	default:
		return 0, fmt.Errorf("invalid whence")
	}
	r.off = abs
	return abs, nil
}

// idleDeadlineConn resets both read and write deadlines on every
// successful I/O call, so a connection that goes quiet for longer than
// idle is closed by the runtime's own deadline machinery rather than a
// goroutine babysitting each Read.
type idleDeadlineConn struct {
	net.Conn
	idle time.Duration
}

func (c *idleDeadlineConn) Read(p []byte) (int, error) {
	if c.idle > 0 {
		c.Conn.SetReadDeadline(time.Now().Add(c.idle))
	}
	return c.Conn.Read(p)
}

func (c *idleDeadlineConn) Write(p []byte) (int, error) {
	if c.idle > 0 {
		c.Conn.SetWriteDeadline(time.Now().Add(c.idle))
	}
	return c.Conn.Write(p)
}
