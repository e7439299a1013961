// Package remote is the typed client for the collection store API. Every
// operation is a project-scoped request/response call; the sync engines treat
// any failure as transient and rely on the next poll cycle rather than
// retrying individual calls.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/margin/internal/project"
)

const defaultRequestTimeout = 15 * time.Second

var (
	// ErrMissingBaseURL indicates the client was constructed without a store address.
	ErrMissingBaseURL = errors.New("remote: base url required")
	// ErrNotAuthenticated indicates a call was made before a session was joined.
	ErrNotAuthenticated = errors.New("remote: not authenticated")
)

// APIError is a store-side failure surfaced with its HTTP status and the
// server's error code.
type APIError struct {
	StatusCode int
	Code       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remote: store returned %d (%s)", e.StatusCode, e.Code)
}

// ClientConfig configures the collection store client.
type ClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
}

// Client talks to one collection store. It is safe for concurrent use by the
// two poll loops and the orchestrator's push paths.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// NewClient validates the configuration and returns a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, ErrMissingBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &Client{baseURL: baseURL, httpClient: httpClient}, nil
}

// Authenticated reports whether a session token is held.
func (c *Client) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token != ""
}

// ClearSession drops the held session token.
func (c *Client) ClearSession() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

type joinRequestPayload struct {
	MemberID    string `json:"member_id"`
	DisplayName string `json:"display_name"`
	JoinKey     string `json:"join_key"`
}

type joinResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// JoinSession exchanges the project join key for a bearer token and stores it
// for subsequent calls.
func (c *Client) JoinSession(ctx context.Context, memberID, displayName, joinKey string) error {
	var response joinResponsePayload
	err := c.do(ctx, http.MethodPost, "/auth/session", nil, joinRequestPayload{
		MemberID:    memberID,
		DisplayName: displayName,
		JoinKey:     joinKey,
	}, &response, false)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.token = response.AccessToken
	c.mu.Unlock()
	return nil
}

type filesResponsePayload struct {
	Files []project.CodeFile `json:"files"`
}

// FetchFiles returns all code files in the project.
func (c *Client) FetchFiles(ctx context.Context, projectID project.ProjectID) ([]project.CodeFile, error) {
	var response filesResponsePayload
	path := fmt.Sprintf("/projects/%s/files", url.PathEscape(projectID.String()))
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &response, true); err != nil {
		return nil, err
	}
	return response.Files, nil
}

type fileUpsertRequestPayload struct {
	File                     project.CodeFile `json:"file"`
	ExpectedUpdatedAtSeconds *int64           `json:"expected_updated_at_s,omitempty"`
}

// UpsertFileResult carries the stored file and the staleness verdict.
type UpsertFileResult struct {
	File    project.CodeFile `json:"file"`
	Skipped bool             `json:"skipped"`
}

// UpsertFile writes a file keyed by its id. When expectedUpdatedAt is given
// and the store holds a newer row, the result reports Skipped and carries the
// winning row instead of applying the write.
func (c *Client) UpsertFile(ctx context.Context, file project.CodeFile, expectedUpdatedAt *int64) (UpsertFileResult, error) {
	var result UpsertFileResult
	path := fmt.Sprintf("/projects/%s/files/%s",
		url.PathEscape(file.ProjectID), url.PathEscape(file.ID))
	err := c.do(ctx, http.MethodPut, path, nil, fileUpsertRequestPayload{
		File:                     file,
		ExpectedUpdatedAtSeconds: expectedUpdatedAt,
	}, &result, true)
	if err != nil {
		return UpsertFileResult{}, err
	}
	return result, nil
}

// DeleteFile removes a file and everything attached to it.
func (c *Client) DeleteFile(ctx context.Context, projectID project.ProjectID, fileID string) error {
	path := fmt.Sprintf("/projects/%s/files/%s",
		url.PathEscape(projectID.String()), url.PathEscape(fileID))
	return c.do(ctx, http.MethodDelete, path, nil, nil, nil, true)
}

type annotationsResponsePayload struct {
	Annotations []project.Annotation `json:"annotations"`
}

// FetchAnnotations returns the annotations attached to the given files.
func (c *Client) FetchAnnotations(ctx context.Context, projectID project.ProjectID, fileIDs []string) ([]project.Annotation, error) {
	var response annotationsResponsePayload
	path := fmt.Sprintf("/projects/%s/annotations", url.PathEscape(projectID.String()))
	if err := c.do(ctx, http.MethodGet, path, fileIDQuery(fileIDs), nil, &response, true); err != nil {
		return nil, err
	}
	return response.Annotations, nil
}

// UpsertAnnotation writes an annotation keyed by its id.
func (c *Client) UpsertAnnotation(ctx context.Context, annotation project.Annotation) (project.Annotation, error) {
	var stored project.Annotation
	path := fmt.Sprintf("/projects/%s/annotations/%s",
		url.PathEscape(annotation.ProjectID), url.PathEscape(annotation.ID))
	if err := c.do(ctx, http.MethodPut, path, nil, annotation, &stored, true); err != nil {
		return project.Annotation{}, err
	}
	return stored, nil
}

// DeleteAnnotation removes an annotation and its replies.
func (c *Client) DeleteAnnotation(ctx context.Context, projectID project.ProjectID, annotationID string) error {
	path := fmt.Sprintf("/projects/%s/annotations/%s",
		url.PathEscape(projectID.String()), url.PathEscape(annotationID))
	return c.do(ctx, http.MethodDelete, path, nil, nil, nil, true)
}

type repliesResponsePayload struct {
	Replies []project.Reply `json:"replies"`
}

// FetchReplies returns the replies under annotations attached to the given files.
func (c *Client) FetchReplies(ctx context.Context, projectID project.ProjectID, fileIDs []string) ([]project.Reply, error) {
	var response repliesResponsePayload
	path := fmt.Sprintf("/projects/%s/replies", url.PathEscape(projectID.String()))
	if err := c.do(ctx, http.MethodGet, path, fileIDQuery(fileIDs), nil, &response, true); err != nil {
		return nil, err
	}
	return response.Replies, nil
}

// UpsertReply writes a reply keyed by its id.
func (c *Client) UpsertReply(ctx context.Context, reply project.Reply) (project.Reply, error) {
	var stored project.Reply
	path := fmt.Sprintf("/projects/%s/replies/%s",
		url.PathEscape(reply.ProjectID), url.PathEscape(reply.ID))
	if err := c.do(ctx, http.MethodPut, path, nil, reply, &stored, true); err != nil {
		return project.Reply{}, err
	}
	return stored, nil
}

// DeleteReply removes a reply.
func (c *Client) DeleteReply(ctx context.Context, projectID project.ProjectID, replyID string) error {
	path := fmt.Sprintf("/projects/%s/replies/%s",
		url.PathEscape(projectID.String()), url.PathEscape(replyID))
	return c.do(ctx, http.MethodDelete, path, nil, nil, nil, true)
}

type createDeletionRequestPayload struct {
	FileID   string `json:"file_id"`
	Filename string `json:"filename"`
}

// CreateDeletionRequest registers a two-phase deletion intent for a file.
func (c *Client) CreateDeletionRequest(ctx context.Context, projectID project.ProjectID, fileID, filename string) (project.DeletionRequest, error) {
	var created project.DeletionRequest
	path := fmt.Sprintf("/projects/%s/deletion-requests", url.PathEscape(projectID.String()))
	err := c.do(ctx, http.MethodPost, path, nil, createDeletionRequestPayload{
		FileID:   fileID,
		Filename: filename,
	}, &created, true)
	if err != nil {
		return project.DeletionRequest{}, err
	}
	return created, nil
}

type deletionRequestsResponsePayload struct {
	Requests []project.DeletionRequest `json:"requests"`
}

// ListDeletionRequests returns the outstanding deletion requests for the project.
func (c *Client) ListDeletionRequests(ctx context.Context, projectID project.ProjectID) ([]project.DeletionRequest, error) {
	var response deletionRequestsResponsePayload
	path := fmt.Sprintf("/projects/%s/deletion-requests", url.PathEscape(projectID.String()))
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &response, true); err != nil {
		return nil, err
	}
	return response.Requests, nil
}

type resolveDeletionRequestPayload struct {
	Resolution string `json:"resolution"`
}

// ResolveOutcome reports what a resolution actually did at the store.
type ResolveOutcome struct {
	RequestFound bool `json:"request_found"`
	FileDeleted  bool `json:"file_deleted"`
}

// ResolveDeletionRequest settles a pending deletion with confirm or reject.
func (c *Client) ResolveDeletionRequest(ctx context.Context, projectID project.ProjectID, requestID string, resolution project.Resolution) (ResolveOutcome, error) {
	var outcome ResolveOutcome
	path := fmt.Sprintf("/projects/%s/deletion-requests/%s/resolve",
		url.PathEscape(projectID.String()), url.PathEscape(requestID))
	err := c.do(ctx, http.MethodPost, path, nil, resolveDeletionRequestPayload{
		Resolution: string(resolution),
	}, &outcome, true)
	if err != nil {
		return ResolveOutcome{}, err
	}
	return outcome, nil
}

func fileIDQuery(fileIDs []string) url.Values {
	if len(fileIDs) == 0 {
		return nil
	}
	query := url.Values{}
	for _, fileID := range fileIDs {
		query.Add("file_id", fileID)
	}
	return query
}

type errorResponsePayload struct {
	Error string `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}, authenticated bool) error {
	var token string
	if authenticated {
		c.mu.RLock()
		token = c.token
		c.mu.RUnlock()
		if token == "" {
			return ErrNotAuthenticated
		}
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("remote: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	request, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("remote: build request: %w", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("remote: %s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	if response.StatusCode >= http.StatusBadRequest {
		var failure errorResponsePayload
		_ = json.NewDecoder(response.Body).Decode(&failure)
		return &APIError{StatusCode: response.StatusCode, Code: failure.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("remote: decode response: %w", err)
	}
	return nil
}
