// Package topcat reads pending download requests from TopCAT and checks
// their restore status with the IDS.
package topcat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pollcat/internal/pollcat"
)

// DefaultStatusChunkSize is how many datafile ids are sent per getStatus call.
const DefaultStatusChunkSize = 100

// SessionSource supplies the catalogue session TopCAT admin calls authenticate with.
type SessionSource interface {
	SessionID(ctx context.Context) (string, error)
}

// Options configures the TopCAT client.
type Options struct {
	TopCATURL string
	IDSURL    string
	// ICATURL identifies the facility's catalogue to TopCAT.
	ICATURL         string
	Transport       string
	StatusChunkSize int
	Timeout         time.Duration
}

// Client implements pollcat.RequestSource against TopCAT and the IDS.
type Client struct {
	opts       Options
	sessions   SessionSource
	httpClient *http.Client
	logger     pollcat.Logger
}

func NewClient(opts Options, sessions SessionSource, logger pollcat.Logger) *Client {
	if opts.StatusChunkSize <= 0 {
		opts.StatusChunkSize = DefaultStatusChunkSize
	}
	opts.TopCATURL = strings.TrimRight(opts.TopCATURL, "/")
	opts.IDSURL = strings.TrimRight(opts.IDSURL, "/")
	return &Client{
		opts:       opts,
		sessions:   sessions,
		httpClient: &http.Client{Timeout: opts.Timeout},
		logger:     logger,
	}
}

var _ pollcat.RequestSource = (*Client)(nil)

// download is a TopCAT download record.
type download struct {
	ID         int64  `json:"id"`
	PreparedID string `json:"preparedId"`
	UserName   string `json:"userName"`
	FileName   string `json:"fileName"`
	Transport  string `json:"transport"`
}

func (c *Client) Pending(ctx context.Context) ([]*pollcat.Request, error) {
	sessionID, err := c.sessions.SessionID(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting session: %w", err)
	}

	filter := fmt.Sprintf("where download.transport = '%s' and download.isDeleted = false and "+
		"download.status != org.icatproject.topcat.domain.DownloadStatus.COMPLETE",
		strings.ReplaceAll(c.opts.Transport, "'", "''"))
	params := url.Values{
		"icatUrl":     {c.opts.ICATURL},
		"sessionId":   {sessionID},
		"queryOffset": {filter},
	}
	body, err := c.get(ctx, c.opts.TopCATURL+"/api/v1/admin/downloads?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("listing downloads: %w", err)
	}

	var downloads []download
	if err := json.Unmarshal(body, &downloads); err != nil {
		return nil, fmt.Errorf("decoding downloads: %w", err)
	}
	reqs := make([]*pollcat.Request, 0, len(downloads))
	for _, d := range downloads {
		reqs = append(reqs, &pollcat.Request{
			ID:           d.ID,
			PreparedID:   d.PreparedID,
			Requester:    d.UserName,
			DownloadName: d.FileName,
		})
	}
	c.logger.Debug("pending requests", "count", len(reqs))
	return reqs, nil
}

func (c *Client) DatafileIDs(ctx context.Context, preparedID string) ([]int64, error) {
	params := url.Values{"preparedId": {preparedID}}
	body, err := c.get(ctx, c.opts.IDSURL+"/ids/getDatafileIds?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("getting datafile ids for %s: %w", preparedID, err)
	}
	var out struct {
		IDs []int64 `json:"ids"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decoding datafile ids: %w", err)
	}
	return out.IDs, nil
}

// IsOnline checks the ids in chunks and stops at the first chunk not ONLINE.
func (c *Client) IsOnline(ctx context.Context, preparedID string, fileIDs []int64) (bool, error) {
	for _, ids := range pollcat.Chunks(fileIDs, c.opts.StatusChunkSize) {
		params := url.Values{"datafileIds": {ids}}
		body, err := c.get(ctx, c.opts.IDSURL+"/ids/getStatus?"+params.Encode())
		if err != nil {
			return false, fmt.Errorf("getting status of %s: %w", preparedID, err)
		}
		if status := strings.TrimSpace(string(body)); status != "ONLINE" {
			c.logger.Debug("request not online", "prepared_id", preparedID, "status", status)
			return false, nil
		}
	}
	return true, nil
}

func (c *Client) MarkComplete(ctx context.Context, requestID int64) error {
	sessionID, err := c.sessions.SessionID(ctx)
	if err != nil {
		return fmt.Errorf("getting session: %w", err)
	}
	form := url.Values{
		"icatUrl":   {c.opts.ICATURL},
		"sessionId": {sessionID},
		"value":     {"COMPLETE"},
	}
	endpoint := c.opts.TopCATURL + "/api/v1/admin/download/" + strconv.FormatInt(requestID, 10) + "/status"
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("creating status request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if _, err := c.do(req); err != nil {
		return fmt.Errorf("marking download %d complete: %w", requestID, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("%s %s returned %s: %s", req.Method, req.URL.Path, resp.Status, strings.TrimSpace(string(body)))
	}
	return body, nil
}
