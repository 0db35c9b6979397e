package nest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/veldhuis/nestd/internal/core/auth"
)

const maxBodySize = 16 << 20 // app-launch responses for large accounts run to megabytes

// Client talks to the Nest cloud API on behalf of one account session. Every
// call obtains a fresh-enough session from the TokenManager first, and a
// 401/403 response triggers exactly one re-authentication before the error
// propagates.
type Client struct {
	tokens  *auth.TokenManager
	host    string
	timeout time.Duration
	hc      *http.Client
	log     *slog.Logger

	// clientSession identifies this process on transport calls, the way the
	// mobile apps tag theirs.
	clientSession string
}

// NewClient creates a cloud API client. host is the Nest service host;
// timeout bounds foreground calls (snapshot, commands). The subscribe
// long-poll manages its own deadline via context.
func NewClient(tokens *auth.TokenManager, host string, timeout time.Duration, log *slog.Logger) *Client {
	return &Client{
		tokens:        tokens,
		host:          host,
		timeout:       timeout,
		hc:            &http.Client{},
		log:           log,
		clientSession: uuid.NewString(),
	}
}

// --- Snapshot ---

type appLaunchRequest struct {
	KnownBucketTypes    []string `json:"known_bucket_types"`
	KnownBucketVersions []string `json:"known_bucket_versions"`
}

type appLaunchResponse struct {
	UpdatedBuckets []Bucket `json:"updated_buckets"`
	ServiceURLs    struct {
		URLs struct {
			TransportURL string `json:"transport_url"`
		} `json:"urls"`
	} `json:"service_urls"`
}

// Launch fetches the full structure/device graph for the account.
func (c *Client) Launch(ctx context.Context) (Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(appLaunchRequest{
		KnownBucketTypes:    knownBucketTypes,
		KnownBucketVersions: []string{},
	})
	if err != nil {
		return Snapshot{}, &FetchError{Kind: FetchMalformed, Err: err}
	}

	var out appLaunchResponse
	status, err := c.doAuthorized(ctx, func(sess auth.Session) (*http.Request, error) {
		url := fmt.Sprintf("%s/api/0.1/user/%s/app_launch", c.host, sess.UserID)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, &out)
	if err != nil {
		if auth.IsReauthRequired(err) {
			return Snapshot{}, err
		}
		return Snapshot{}, &FetchError{Kind: FetchTransient, Err: err}
	}
	if status < 200 || status >= 300 {
		return Snapshot{}, &FetchError{Kind: FetchTransient, Err: fmt.Errorf("app_launch: HTTP %d", status)}
	}
	if out.ServiceURLs.URLs.TransportURL == "" {
		return Snapshot{}, &FetchError{Kind: FetchMalformed, Err: errors.New("app_launch: missing transport url")}
	}

	c.log.Debug("snapshot fetched", "buckets", len(out.UpdatedBuckets))
	return Snapshot{
		Buckets:      out.UpdatedBuckets,
		TransportURL: out.ServiceURLs.URLs.TransportURL,
	}, nil
}

// --- Delta subscription ---

type subscribeRequest struct {
	Objects   []Cursor `json:"objects"`
	SessionID string   `json:"sessionID,omitempty"`
}

type subscribeResponse struct {
	Objects []Bucket `json:"objects"`
}

// Subscribe long-polls the transport for changes past the given cursors.
// The call blocks until the server has data, the context expires, or the
// connection drops. The caller owns the idle deadline via ctx.
//
// An empty bucket slice with a nil error means the poll ended without data
// and should simply be reissued.
func (c *Client) Subscribe(ctx context.Context, transportURL string, cursors []Cursor) ([]Bucket, error) {
	sess, err := c.tokens.Session(ctx)
	if err != nil {
		if auth.IsReauthRequired(err) {
			return nil, &StreamError{Kind: StreamAuthExpired, Err: err}
		}
		return nil, &StreamError{Kind: StreamTransient, Err: err}
	}

	body, err := json.Marshal(subscribeRequest{
		Objects:   cursors,
		SessionID: fmt.Sprintf("go.%s.%s", sess.UserID, c.clientSession),
	})
	if err != nil {
		return nil, &StreamError{Kind: StreamTransient, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, transportURL+"/v6/subscribe", bytes.NewReader(body))
	if err != nil {
		return nil, &StreamError{Kind: StreamTransient, Err: err}
	}
	c.setAuthHeaders(req, sess)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// Idle window elapsed with the poll still open. Not an error.
			return nil, nil
		}
		return nil, &StreamError{Kind: StreamTransient, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &StreamError{Kind: StreamAuthExpired, Err: fmt.Errorf("subscribe: HTTP %d", resp.StatusCode)}
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusGone:
		// The server no longer holds history for the supplied revisions.
		return nil, &StreamError{Kind: StreamStaleCursor, Err: fmt.Errorf("subscribe: HTTP %d", resp.StatusCode)}
	case resp.StatusCode == http.StatusGatewayTimeout:
		// Long-poll window closed upstream with no data.
		return nil, nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &StreamError{Kind: StreamTransient, Err: fmt.Errorf("subscribe: HTTP %d", resp.StatusCode)}
	}

	var out subscribeResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(&out); err != nil {
		return nil, &StreamError{Kind: StreamTransient, Err: fmt.Errorf("subscribe: decode: %w", err)}
	}
	return out.Objects, nil
}

// --- Commands ---

type putRequest struct {
	Session string   `json:"session"`
	Objects []Object `json:"objects"`
}

// PutObjects sends MERGE operations to the transport. A 4xx response is a
// device/service rejection and must not be retried; network-class failures
// are transient.
func (c *Client) PutObjects(ctx context.Context, transportURL string, objects []Object) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	status, err := c.doAuthorized(ctx, func(sess auth.Session) (*http.Request, error) {
		body, err := json.Marshal(putRequest{
			Session: fmt.Sprintf("go.%s.%s.%d", sess.UserID, c.clientSession, time.Now().Unix()),
			Objects: objects,
		})
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, transportURL+"/v6/put", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, nil)
	if err != nil {
		if auth.IsReauthRequired(err) {
			return err
		}
		return &CommandError{Kind: CommandTransient, Err: err}
	}

	switch {
	case status >= 200 && status < 300:
		return nil
	case status >= 400 && status < 500:
		return &CommandError{Kind: CommandRejected, Err: fmt.Errorf("put: HTTP %d", status)}
	default:
		return &CommandError{Kind: CommandTransient, Err: fmt.Errorf("put: HTTP %d", status)}
	}
}

// --- Shared plumbing ---

func (c *Client) setAuthHeaders(req *http.Request, sess auth.Session) {
	req.Header.Set("Authorization", "Basic "+sess.AccessToken)
	req.Header.Set("X-nl-user-id", sess.UserID)
	req.Header.Set("X-nl-protocol-version", "1")
}

// doAuthorized runs a request with a fresh session. On 401/403 it forces one
// re-authentication and retries the request once. When out is non-nil the
// response body is decoded into it.
func (c *Client) doAuthorized(ctx context.Context, build func(auth.Session) (*http.Request, error), out any) (int, error) {
	sess, err := c.tokens.Session(ctx)
	if err != nil {
		return 0, err
	}

	status, err := c.doOnce(sess, build, out)
	if err != nil {
		return 0, err
	}
	if status != http.StatusUnauthorized && status != http.StatusForbidden {
		return status, nil
	}

	c.log.Warn("request rejected, re-authenticating once", "status", status)
	sess, err = c.tokens.ForceRefresh(ctx)
	if err != nil {
		return 0, err
	}
	return c.doOnce(sess, build, out)
}

func (c *Client) doOnce(sess auth.Session, build func(auth.Session) (*http.Request, error), out any) (int, error) {
	req, err := build(sess)
	if err != nil {
		return 0, err
	}
	c.setAuthHeaders(req, sess)

	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode: %w", err)
		}
	}
	return resp.StatusCode, nil
}
