// Package metube is a small HTTP client for the MeTube download
// manager API (history listing, submitting downloads, reachability).
package metube

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"notifyhub/pkg/logx"
)

const defaultTimeout = 15 * time.Second

// Entry is one item of MeTube's history, either queued or done.
type Entry struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	URL      string  `json:"url"`
	Status   string  `json:"status"` // "finished", "error", or empty while queued
	Filename string  `json:"filename"`
	Quality  string  `json:"quality"`
	Format   string  `json:"format"`
	Folder   string  `json:"folder"`
	Error    string  `json:"error"`
	Size     int64   `json:"size"`
	Percent  float64 `json:"percent"`
	Speed    float64 `json:"speed"`
	ETA      int     `json:"eta"`
}

func (e Entry) Finished() bool { return strings.EqualFold(e.Status, "finished") }
func (e Entry) Failed() bool   { return strings.EqualFold(e.Status, "error") }

// History is the full state snapshot returned by GET /history.
type History struct {
	Queue []Entry `json:"queue"`
	Done  []Entry `json:"done"`
}

// AddRequest is the payload for POST /add.
type AddRequest struct {
	URL              string `json:"url"`
	Quality          string `json:"quality,omitempty"`
	Format           string `json:"format,omitempty"`
	Folder           string `json:"folder,omitempty"`
	CustomNamePrefix string `json:"custom_name_prefix,omitempty"`
	AutoStart        bool   `json:"auto_start"`
}

type Client struct {
	base string
	http *http.Client
	log  logx.Logger
}

func NewClient(baseURL string, timeout time.Duration, log logx.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return nil, errors.New("metube base url is empty")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid metube url %q: %w", baseURL, err)
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		base: base,
		http: &http.Client{Timeout: timeout},
		log:  log,
	}, nil
}

func (c *Client) BaseURL() string { return c.base }

// History fetches the queue and done lists.
func (c *Client) History(ctx context.Context) (History, error) {
	var h History
	if err := c.getJSON(ctx, "/history", &h); err != nil {
		return History{}, err
	}
	return h, nil
}

// Add submits a URL for download.
func (c *Client) Add(ctx context.Context, req AddRequest) error {
	if strings.TrimSpace(req.URL) == "" {
		return errors.New("download url is empty")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/add", bytes.NewReader(body))
	if err != nil {
		return err
	}
	hreq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(hreq)
	if err != nil {
		return err
	}
	defer drain(resp.Body)

	if resp.StatusCode/100 != 2 {
		return c.apiError("add", resp)
	}
	var out struct {
		Status string `json:"status"`
		Msg    string `json:"msg"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		// older MeTube versions reply with an empty body
		return nil
	}
	if out.Status != "" && !strings.EqualFold(out.Status, "ok") {
		return fmt.Errorf("metube add rejected: %s", out.Msg)
	}
	return nil
}

// Ping checks reachability via GET /version.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/version", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp.Body)
	if resp.StatusCode/100 != 2 {
		return c.apiError("version", resp)
	}
	return nil
}

// DownloadLink builds the direct-download URL for a finished file.
func (c *Client) DownloadLink(filename string) string {
	if strings.TrimSpace(filename) == "" {
		return ""
	}
	return c.base + "/download/" + url.PathEscape(filename)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp.Body)

	if resp.StatusCode/100 != 2 {
		return c.apiError(strings.TrimPrefix(path, "/"), resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) apiError(op string, resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(b))
	if msg != "" {
		return fmt.Errorf("metube %s: http %d: %s", op, resp.StatusCode, msg)
	}
	return fmt.Errorf("metube %s: http %d", op, resp.StatusCode)
}

func drain(rc io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, 4096))
	_ = rc.Close()
}
