// Package subsonic is a thin client for the subset of the Subsonic REST API
// the bridge consumes: tree walkers over the remote library and binary
// fetchers for audio and cover art.
package subsonic

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/basilfx/subdaap/internal/httpclient"
)

const (
	// Token auth (t + s parameters) needs protocol 1.13.0 or later.
	apiVersion = "1.13.0"
	clientName = "subdaap"

	// transcodeFormat is the format requested from the origin when an item
	// needs transcoding. The corresponding MIME type is TranscodeMIME.
	transcodeFormat = "mp3"
	TranscodeMIME   = "audio/mpeg"
)

// Errors distinguishing "origin down" from "origin speaks garbage". Both
// abort a sync pass without advancing versions.
var (
	ErrRemoteUnavailable = errors.New("subsonic: remote unavailable")
	ErrRemoteProtocol    = errors.New("subsonic: protocol error")
)

// TranscodeMode selects when to request a transcoded stream.
type TranscodeMode string

const (
	TranscodeNo          TranscodeMode = "no"
	TranscodeUnsupported TranscodeMode = "unsupported"
	TranscodeAll         TranscodeMode = "all"
)

// Config describes one origin connection.
type Config struct {
	Name     string
	URL      string
	Username string
	Password string

	Transcode            TranscodeMode
	TranscodeUnsupported map[string]bool // lowercase suffixes, no dot
}

// Client talks to one Subsonic origin. HTTP calls share no mutable state, so
// a Client is safe for concurrent use.
type Client struct {
	cfg     Config
	base    *url.URL
	salt    string
	token   string
	client  *http.Client // listing calls, bounded timeout
	binary  *http.Client // streaming fetches, no overall timeout
	limiter *rate.Limiter
}

// New builds a client for the origin. The URL must carry an http or https
// scheme and a hostname.
func New(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("subsonic: parse url %q: %w", cfg.URL, err)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("subsonic: url %q has no hostname", cfg.URL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("subsonic: unexpected scheme %q", u.Scheme)
	}

	// Salted token auth (Subsonic 1.13+): never sends the password itself.
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	salt := hex.EncodeToString(buf)
	sum := md5.Sum([]byte(cfg.Password + salt))

	return &Client{
		cfg:    cfg,
		base:   u,
		salt:   salt,
		token:  hex.EncodeToString(sum[:]),
		client: httpclient.Default(),
		binary: httpclient.WithoutTimeout(),
		// Listing walks can issue hundreds of getMusicDirectory calls;
		// keep them polite.
		limiter: rate.NewLimiter(rate.Limit(20), 20),
	}, nil
}

// Name returns the configured origin name.
func (c *Client) Name() string { return c.cfg.Name }

// BaseURL returns the origin URL as configured.
func (c *Client) BaseURL() string { return c.cfg.URL }

// Port returns the effective TCP port of the origin.
func (c *Client) Port() int {
	if p := c.base.Port(); p != "" {
		n, _ := strconv.Atoi(p)
		return n
	}
	if c.base.Scheme == "https" {
		return 443
	}
	return 80
}

// Username returns the configured user.
func (c *Client) Username() string { return c.cfg.Username }

// Password returns the configured password.
func (c *Client) Password() string { return c.cfg.Password }

func (c *Client) endpoint(name string, params url.Values) string {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/rest/" + name + ".view"
	q := url.Values{}
	q.Set("u", c.cfg.Username)
	q.Set("t", c.token)
	q.Set("s", c.salt)
	q.Set("v", apiVersion)
	q.Set("c", clientName)
	q.Set("f", "json")
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// call performs a JSON API request and decodes the response envelope.
func (c *Client) call(ctx context.Context, name string, params url.Values) (*envelope, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	release := httpclient.GlobalHostSem.Acquire(c.cfg.URL)
	defer release()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(name, params), nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpclient.DoWithRetry(ctx, c.client, req, httpclient.DefaultRetryPolicy)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRemoteUnavailable, name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: %s: %s", ErrRemoteUnavailable, name, resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s: %s", ErrRemoteProtocol, name, resp.Status)
	}
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRemoteProtocol, name, err)
	}
	if env.Response.Status != "ok" {
		if e := env.Response.Error; e != nil {
			return nil, fmt.Errorf("%w: %s: code %d: %s", ErrRemoteProtocol, name, e.Code, e.Message)
		}
		return nil, fmt.Errorf("%w: %s: status %q", ErrRemoteProtocol, name, env.Response.Status)
	}
	return &env, nil
}

// fetch performs a binary request and returns the body for streaming.
func (c *Client) fetch(ctx context.Context, name string, params url.Values) (io.ReadCloser, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(name, params), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.binary.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRemoteUnavailable, name, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("%w: %s: %s", ErrRemoteUnavailable, name, resp.Status)
		}
		return nil, fmt.Errorf("%w: %s: %s", ErrRemoteProtocol, name, resp.Status)
	}
	return resp.Body, nil
}

// CoverArt fetches artwork bytes by remote id.
func (c *Client) CoverArt(ctx context.Context, remoteID int64) (io.ReadCloser, error) {
	return c.fetch(ctx, "getCoverArt", url.Values{"id": {strconv.FormatInt(remoteID, 10)}})
}

// Ping verifies connectivity and credentials against the origin.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "ping", nil)
	return err
}

// Download fetches the original file bytes by remote id.
func (c *Client) Download(ctx context.Context, remoteID int64) (io.ReadCloser, error) {
	return c.fetch(ctx, "download", url.Values{"id": {strconv.FormatInt(remoteID, 10)}})
}

// Stream fetches a transcoded stream by remote id.
func (c *Client) Stream(ctx context.Context, remoteID int64, format string) (io.ReadCloser, error) {
	return c.fetch(ctx, "stream", url.Values{
		"id":                    {strconv.FormatInt(remoteID, 10)},
		"format":                {format},
		"estimateContentLength": {"true"},
	})
}

// NeedsTranscoding reports whether the origin's transcode policy applies to
// an item with the given file suffix.
func (c *Client) NeedsTranscoding(suffix string) bool {
	switch c.cfg.Transcode {
	case TranscodeAll:
		return true
	case TranscodeUnsupported:
		return c.cfg.TranscodeUnsupported[strings.ToLower(suffix)]
	default:
		return false
	}
}

// ItemReader returns a byte stream for an item, honoring the transcode
// policy. The returned MIME type is the effective one and size is -1 when the
// stream is transcoded (length unknown), or origSize otherwise.
func (c *Client) ItemReader(ctx context.Context, remoteID int64, suffix, origMIME string, origSize int64) (rc io.ReadCloser, mime string, size int64, err error) {
	if c.NeedsTranscoding(suffix) {
		rc, err = c.Stream(ctx, remoteID, transcodeFormat)
		return rc, TranscodeMIME, -1, err
	}
	rc, err = c.Download(ctx, remoteID)
	return rc, origMIME, origSize, err
}
