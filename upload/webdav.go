package upload

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	douk "github.com/madou1217/douk-downloader"
)

var (
	ErrRemoteStatus = errors.New("unexpected remote status")
	ErrNoSize       = errors.New("remote did not report a size")
)

// mkcolTolerated are the directory-creation statuses treated as "collection
// exists". Some NAS servers answer 400 for an existing collection instead;
// that case is resolved with an explicit existence probe.
var mkcolTolerated = map[int]struct{}{
	http.StatusOK:               {},
	http.StatusCreated:          {},
	http.StatusNoContent:        {},
	http.StatusMovedPermanently: {},
	http.StatusFound:            {},
	http.StatusMethodNotAllowed: {},
}

const propfindBody = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:"><d:prop><d:getcontentlength/></d:prop></d:propfind>`

// Client is a minimal WebDAV client covering what resumable uploads need:
// size probes, collection creation, ranged PUT, MOVE and DELETE.
type Client struct {
	cfg douk.WebDAVConfig
	// http carries the configured timeout for control operations; transfer
	// holds no overall timeout since a PUT runs as long as the body is large.
	http     *http.Client
	transfer *http.Client
	log      *zap.SugaredLogger
}

func NewClient(cfg douk.WebDAVConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.L()
	}
	return &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		transfer: &http.Client{},
		log:      logger.Sugar().Named("webdav"),
	}
}

// encodePath percent-encodes each path segment independently, leaving the
// separators alone.
func encodePath(remotePath string) string {
	segments := strings.Split(remotePath, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

// URLFor returns the primary URL of a remote path.
func (c *Client) URLFor(remotePath string) string {
	return c.cfg.BaseURL + encodePath(remotePath)
}

// OriginURLFor returns the direct-access alias of a remote path.
func (c *Client) OriginURLFor(remotePath string) string {
	return c.cfg.OriginBaseURL + encodePath(remotePath)
}

func (c *Client) request(ctx context.Context, method, remotePath string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.URLFor(remotePath), body)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	return req, nil
}

// Size probes a remote path, preferring HEAD and falling back to PROPFIND
// when the server does not implement HEAD. Returns exists=false for 404.
func (c *Client) Size(ctx context.Context, remotePath string) (size int64, exists bool, err error) {
	req, err := c.request(ctx, http.MethodHead, remotePath, nil)
	if err != nil {
		return 0, false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, false, err
	}
	resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return 0, false, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if resp.ContentLength >= 0 {
			return resp.ContentLength, true, nil
		}
		// Exists but no usable length header; ask via PROPFIND.
		return c.propfindSize(ctx, remotePath)
	case resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented:
		return c.propfindSize(ctx, remotePath)
	default:
		return 0, false, fmt.Errorf("%w: HEAD %s: %s", ErrRemoteStatus, remotePath, resp.Status)
	}
}

func (c *Client) propfindSize(ctx context.Context, remotePath string) (int64, bool, error) {
	req, err := c.request(ctx, "PROPFIND", remotePath, strings.NewReader(propfindBody))
	if err != nil {
		return 0, false, err
	}
	req.Header.Set("Depth", "0")
	req.Header.Set("Content-Type", "application/xml")
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return 0, false, nil
	}
	if resp.StatusCode != http.StatusMultiStatus && (resp.StatusCode < 200 || resp.StatusCode >= 300) {
		return 0, false, fmt.Errorf("%w: PROPFIND %s: %s", ErrRemoteStatus, remotePath, resp.Status)
	}
	var ms struct {
		Responses []struct {
			Propstat []struct {
				Prop struct {
					ContentLength string `xml:"getcontentlength"`
				} `xml:"prop"`
				Status string `xml:"status"`
			} `xml:"propstat"`
		} `xml:"response"`
	}
	if err := xml.NewDecoder(resp.Body).Decode(&ms); err != nil {
		return 0, false, fmt.Errorf("parse PROPFIND response: %w", err)
	}
	for _, r := range ms.Responses {
		for _, ps := range r.Propstat {
			if ps.Prop.ContentLength == "" {
				continue
			}
			n, err := strconv.ParseInt(ps.Prop.ContentLength, 10, 64)
			if err != nil {
				return 0, false, fmt.Errorf("parse getcontentlength %q: %w", ps.Prop.ContentLength, err)
			}
			return n, true, nil
		}
	}
	if len(ms.Responses) > 0 {
		// Present (a collection, usually) but without a content length.
		return 0, true, nil
	}
	return 0, false, ErrNoSize
}

// Exists reports whether a remote path (file or collection) is present.
func (c *Client) Exists(ctx context.Context, remotePath string) (bool, error) {
	_, exists, err := c.Size(ctx, remotePath)
	if err != nil && !errors.Is(err, ErrNoSize) {
		return false, err
	}
	return exists, nil
}

// EnsureDirs creates every ancestor collection of remotePath, tolerating
// already-exists answers.
func (c *Client) EnsureDirs(ctx context.Context, remotePath string) error {
	segments := strings.Split(strings.Trim(remotePath, "/"), "/")
	if len(segments) < 2 {
		return nil
	}
	current := ""
	for _, segment := range segments[:len(segments)-1] {
		current += "/" + segment
		if err := c.mkcol(ctx, current); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) mkcol(ctx context.Context, remotePath string) error {
	req, err := c.request(ctx, "MKCOL", remotePath, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if _, ok := mkcolTolerated[resp.StatusCode]; ok {
		return nil
	}
	if resp.StatusCode == http.StatusBadRequest {
		exists, probeErr := c.Exists(ctx, remotePath)
		if probeErr == nil && exists {
			return nil
		}
	}
	return fmt.Errorf("%w: MKCOL %s: %s", ErrRemoteStatus, remotePath, resp.Status)
}

// PutFrom uploads body to remotePath starting at offset. total is the full
// object size; a Content-Range header carries the resume window when offset
// is non-zero.
func (c *Client) PutFrom(ctx context.Context, remotePath string, body io.Reader, offset, total int64) error {
	req, err := c.request(ctx, http.MethodPut, remotePath, body)
	if err != nil {
		return err
	}
	req.ContentLength = total - offset
	if offset > 0 {
		req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, total-1, total))
	}
	resp, err := c.transfer.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: PUT %s: %s", ErrRemoteStatus, remotePath, resp.Status)
	}
	return nil
}

// Move renames src onto dst with overwrite semantics.
func (c *Client) Move(ctx context.Context, src, dst string) error {
	req, err := c.request(ctx, "MOVE", src, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Destination", c.URLFor(dst))
	req.Header.Set("Overwrite", "T")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: MOVE %s: %s", ErrRemoteStatus, src, resp.Status)
	}
	return nil
}

func (c *Client) Delete(ctx context.Context, remotePath string) error {
	req, err := c.request(ctx, http.MethodDelete, remotePath, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound && (resp.StatusCode < 200 || resp.StatusCode >= 300) {
		return fmt.Errorf("%w: DELETE %s: %s", ErrRemoteStatus, remotePath, resp.Status)
	}
	return nil
}
