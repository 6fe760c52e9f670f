// Package catalogue queries the metadata catalogue for file locations and
// visit investigators.
package catalogue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"pollcat/internal/pollcat"
)

// DefaultUsersQuery selects the federation ids of a visit's investigators.
// The single %s is replaced by the quoted visit id.
const DefaultUsersQuery = "SELECT u.name FROM User u JOIN u.investigationUsers iu JOIN iu.investigation i WHERE CONCAT(i.name, '-', i.visitId) = %s"

// ICATOptions configures the ICAT client.
type ICATOptions struct {
	URL        string
	AuthPlugin string
	Username   string
	Password   string
	Timeout    time.Duration
	UsersQuery string
}

// ICAT is a client for the ICAT REST API. It logs in lazily and logs in again
// once when the server reports the session has expired.
type ICAT struct {
	opts       ICATOptions
	httpClient *http.Client
	logger     pollcat.Logger

	mu        sync.Mutex
	sessionID string
}

func NewICAT(opts ICATOptions, logger pollcat.Logger) *ICAT {
	if opts.AuthPlugin == "" {
		opts.AuthPlugin = "simple"
	}
	if opts.UsersQuery == "" {
		opts.UsersQuery = DefaultUsersQuery
	}
	opts.URL = strings.TrimRight(opts.URL, "/")
	return &ICAT{
		opts:       opts,
		httpClient: &http.Client{Timeout: opts.Timeout},
		logger:     logger,
	}
}

var (
	_ pollcat.Catalogue    = (*ICAT)(nil)
	_ pollcat.BatchLocator = (*ICAT)(nil)
)

// icatError is the body ICAT returns with a non-2xx status.
type icatError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *icatError) Error() string { return fmt.Sprintf("icat %s: %s", e.Code, e.Message) }

func (e *icatError) sessionExpired() bool { return e.Code == "SESSION" }

// SessionID returns the current session id, logging in if there is none.
func (c *ICAT) SessionID(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID != "" {
		return c.sessionID, nil
	}
	if err := c.login(ctx); err != nil {
		return "", err
	}
	return c.sessionID, nil
}

// login must be called with mu held.
func (c *ICAT) login(ctx context.Context) error {
	creds, err := json.Marshal(map[string]any{
		"plugin": c.opts.AuthPlugin,
		"credentials": []map[string]string{
			{"username": c.opts.Username},
			{"password": c.opts.Password},
		},
	})
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}

	form := url.Values{"json": {string(creds)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.URL+"/icat/session", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("creating login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var out struct {
		SessionID string `json:"sessionId"`
	}
	if err := c.do(req, &out); err != nil {
		return fmt.Errorf("logging in to icat: %w", err)
	}
	c.sessionID = out.SessionID
	c.logger.Debug("icat session created", "url", c.opts.URL)
	return nil
}

// search runs a JPQL query and decodes the JSON result into out.
func (c *ICAT) search(ctx context.Context, query string, out any) error {
	for attempt := 0; ; attempt++ {
		sessionID, err := c.SessionID(ctx)
		if err != nil {
			return err
		}

		params := url.Values{"sessionId": {sessionID}, "query": {query}}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.URL+"/icat/entityManager?"+params.Encode(), http.NoBody)
		if err != nil {
			return fmt.Errorf("creating query request: %w", err)
		}

		err = c.do(req, out)
		var ierr *icatError
		if attempt == 0 && errors.As(err, &ierr) && ierr.sessionExpired() {
			c.mu.Lock()
			if c.sessionID == sessionID {
				c.sessionID = ""
			}
			c.mu.Unlock()
			c.logger.Debug("icat session expired, logging in again")
			continue
		}
		return err
	}
}

func (c *ICAT) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		ierr := &icatError{}
		if json.Unmarshal(body, ierr) != nil || ierr.Code == "" {
			return fmt.Errorf("icat returned %s", resp.Status)
		}
		return ierr
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *ICAT) LocationOf(ctx context.Context, fileID int64) (string, error) {
	locs, err := c.Locations(ctx, []int64{fileID})
	if err != nil {
		return "", err
	}
	loc, ok := locs[fileID]
	if !ok {
		return "", fmt.Errorf("datafile %d: %w", fileID, pollcat.ErrNotFound)
	}
	return loc, nil
}

func (c *ICAT) Locations(ctx context.Context, fileIDs []int64) (map[int64]string, error) {
	out := make(map[int64]string, len(fileIDs))
	if len(fileIDs) == 0 {
		return out, nil
	}

	for _, ids := range pollcat.Chunks(fileIDs, len(fileIDs)) {
		var rows []struct {
			Datafile struct {
				ID       int64  `json:"id"`
				Location string `json:"location"`
			} `json:"Datafile"`
		}
		query := fmt.Sprintf("SELECT df FROM Datafile df WHERE df.id IN (%s)", ids)
		if err := c.search(ctx, query, &rows); err != nil {
			return nil, fmt.Errorf("looking up datafiles: %w", err)
		}
		for _, r := range rows {
			if r.Datafile.Location != "" {
				out[r.Datafile.ID] = r.Datafile.Location
			}
		}
	}
	return out, nil
}

func (c *ICAT) UsersOf(ctx context.Context, visit pollcat.VisitID) ([]string, error) {
	var names []string
	query := fmt.Sprintf(c.opts.UsersQuery, quote(string(visit)))
	if err := c.search(ctx, query, &names); err != nil {
		return nil, fmt.Errorf("looking up users of %s: %w", visit, err)
	}
	return names, nil
}

// quote renders s as a JPQL string literal.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
