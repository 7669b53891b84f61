// internal/aps/client.go
package aps

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const daPrefix = "/da/us-east/v3"

// ErrConflict is returned when the backend reports that a resource with the
// requested name already exists.
var ErrConflict = errors.New("resource already exists")

// Client talks to the Design Automation backend: OSS buckets and objects
// with signed upload/download URLs, activities with aliases, and work items
// with status polling. All calls carry a cached two-legged bearer token.
type Client struct {
	baseURL      string
	clientID     string
	clientSecret string
	http         *http.Client
	cache        tokenCache

	// Overridable for tests.
	now func() time.Time
}

// NewClient creates a Client against the given API root.
func NewClient(baseURL, clientID, clientSecret string) *Client {
	return &Client{
		baseURL:      baseURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		http:         &http.Client{Timeout: 5 * time.Minute},
		now:          time.Now,
	}
}

// Authenticate eagerly obtains a token so credential problems surface
// before any remote resources are provisioned.
func (c *Client) Authenticate(ctx context.Context) error {
	_, err := c.token(ctx)
	return err
}

// EnsureBucket creates a transient storage bucket. An existing bucket with
// the same key counts as success.
func (c *Client) EnsureBucket(ctx context.Context, key string) error {
	body := map[string]string{"bucketKey": key, "policyKey": "transient"}
	err := c.doJSON(ctx, http.MethodPost, "/oss/v2/buckets", body, nil)
	if errors.Is(err, ErrConflict) {
		return nil
	}
	return err
}

// DeleteBucket removes a bucket and everything in it.
func (c *Client) DeleteBucket(ctx context.Context, key string) error {
	return c.doJSON(ctx, http.MethodDelete, "/oss/v2/buckets/"+url.PathEscape(key), nil, nil)
}

// CreateActivity registers an execution template. Returns ErrConflict when a
// template with the same id already exists.
func (c *Client) CreateActivity(ctx context.Context, act Activity) error {
	return c.doJSON(ctx, http.MethodPost, daPrefix+"/activities", act, nil)
}

// DeleteActivity removes the template and all of its versions and aliases.
func (c *Client) DeleteActivity(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, daPrefix+"/activities/"+url.PathEscape(id), nil, nil)
}

// CreateAlias points alias.ID at a published version of the activity.
// Returns ErrConflict when the alias already exists.
func (c *Client) CreateAlias(ctx context.Context, activityID string, alias Alias) error {
	path := daPrefix + "/activities/" + url.PathEscape(activityID) + "/aliases"
	return c.doJSON(ctx, http.MethodPost, path, alias, nil)
}

// UploadObject transfers data into a bucket object through the three-step
// signed upload protocol: request an upload URL, PUT the bytes against it,
// then finalize with the returned upload key. Partial completion is a hard
// failure; nothing remotely reusable survives it.
func (c *Client) UploadObject(ctx context.Context, bucket, object string, data []byte) error {
	path := objectPath(bucket, object) + "/signeds3upload"

	var grant struct {
		UploadKey string   `json:"uploadKey"`
		URLs      []string `json:"urls"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &grant); err != nil {
		return fmt.Errorf("request upload url: %w", err)
	}
	if len(grant.URLs) == 0 {
		return fmt.Errorf("upload grant for %s/%s carried no urls", bucket, object)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, grant.URLs[0], bytes.NewReader(data))
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("transfer to signed url: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("signed url transfer returned %d", resp.StatusCode)
	}

	finalize := map[string]string{"uploadKey": grant.UploadKey}
	if err := c.doJSON(ctx, http.MethodPost, path, finalize, nil); err != nil {
		return fmt.Errorf("finalize upload: %w", err)
	}
	return nil
}

// SignedDownloadURL issues a time-bounded read URL for an uploaded object.
func (c *Client) SignedDownloadURL(ctx context.Context, bucket, object string, expiry time.Duration) (string, error) {
	path := fmt.Sprintf("%s/signeds3download?minutesExpiration=%d",
		objectPath(bucket, object), int(expiry.Minutes()))
	var out struct {
		URL string `json:"url"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

// SignedReadWriteURL reserves a read-write URL for an object that does not
// exist yet, for the executor to write its output into.
func (c *Client) SignedReadWriteURL(ctx context.Context, bucket, object string) (string, error) {
	path := objectPath(bucket, object) + "/signed?access=readwrite"
	var out struct {
		SignedURL string `json:"signedUrl"`
	}
	if err := c.doJSON(ctx, http.MethodPost, path, map[string]any{}, &out); err != nil {
		return "", err
	}
	return out.SignedURL, nil
}

// SubmitWorkItem dispatches one unit of work and returns the id the backend
// assigned for status polling.
func (c *Client) SubmitWorkItem(ctx context.Context, item WorkItem) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, daPrefix+"/workitems", item, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("work item submission returned no id")
	}
	return out.ID, nil
}

// WorkItemStatus polls the current state of a submitted work item.
func (c *Client) WorkItemStatus(ctx context.Context, id string) (WorkItemStatus, error) {
	var out WorkItemStatus
	err := c.doJSON(ctx, http.MethodGet, daPrefix+"/workitems/"+url.PathEscape(id), nil, &out)
	return out, err
}

// Fetch downloads the body behind a pre-signed URL. No bearer token is
// attached; the signature in the URL is the credential.
func (c *Client) Fetch(ctx context.Context, fetchURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch returned %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// doJSON performs an authenticated JSON round trip. 2xx decodes into out
// when given; 409 maps to ErrConflict; anything else becomes an error
// carrying a snippet of the response body.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	token, err := c.token(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%s %s: %w", method, path, ErrConflict)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s returned %d: %s", method, path, resp.StatusCode, truncate(string(raw), 300))
	}

	if out != nil {
		return decodeJSON(resp.Body, out)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func decodeJSON(r io.Reader, out any) error {
	return json.NewDecoder(r).Decode(out)
}

func objectPath(bucket, object string) string {
	return "/oss/v2/buckets/" + url.PathEscape(bucket) + "/objects/" + url.PathEscape(object)
}
