package fetcher

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/taskdeck/codeindex/pkg/types"
)

const defaultGitHubBaseURL = "https://api.github.com"

// GitHubProvider implements ContentProvider against the GitHub contents API.
// The listing walks the tree one directory per ListFiles call; the cursor
// encodes the directories still pending, so a full tree is never held in
// memory and the caller can stop at any page.
type GitHubProvider struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// GitHubOption configures a GitHubProvider.
type GitHubOption func(*GitHubProvider)

// WithBaseURL points the provider at a GitHub Enterprise or test endpoint.
func WithBaseURL(baseURL string) GitHubOption {
	return func(p *GitHubProvider) {
		p.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(client *http.Client) GitHubOption {
	return func(p *GitHubProvider) {
		p.httpClient = client
	}
}

// WithTimeout sets the request timeout on the default client.
func WithTimeout(timeout time.Duration) GitHubOption {
	return func(p *GitHubProvider) {
		p.httpClient.Timeout = timeout
	}
}

// NewGitHubProvider creates a provider using the given token for
// authentication. An empty token works for public repositories.
func NewGitHubProvider(token string, opts ...GitHubOption) *GitHubProvider {
	p := &GitHubProvider{
		baseURL: defaultGitHubBaseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// listCursor is the opaque pagination state: the directories not yet listed.
type listCursor struct {
	Pending []string `json:"pending"`
}

func encodeCursor(c listCursor) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func decodeCursor(s string) (listCursor, error) {
	var c listCursor
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return c, fmt.Errorf("%w: malformed cursor", types.ErrInvalidInput)
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("%w: malformed cursor", types.ErrInvalidInput)
	}
	return c, nil
}

// contentEntry is the GitHub contents API response item. The owner object a
// richer repository response would carry is never decoded here; only the
// normalized string key reaches provider calls.
type contentEntry struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	SHA      string `json:"sha"`
	Size     int64  `json:"size"`
	Type     string `json:"type"` // "file", "dir", "symlink", "submodule"
	Encoding string `json:"encoding,omitempty"`
	Content  string `json:"content,omitempty"`
}

// ListFiles lists one directory per call, starting at the repository root.
func (p *GitHubProvider) ListFiles(ctx context.Context, key types.RepositoryKey, cursor string) (Page, error) {
	if err := key.Validate(); err != nil {
		return Page{}, fmt.Errorf("%w: %v", types.ErrInvalidInput, err)
	}

	state := listCursor{Pending: []string{""}}
	if cursor != "" {
		var err error
		state, err = decodeCursor(cursor)
		if err != nil {
			return Page{}, err
		}
	}
	if len(state.Pending) == 0 {
		return Page{}, nil
	}

	// Pop one directory off the pending stack.
	dir := state.Pending[0]
	state.Pending = state.Pending[1:]

	entries, err := p.listDirectory(ctx, key, dir)
	if err != nil {
		return Page{}, err
	}

	page := Page{}
	for _, e := range entries {
		switch e.Type {
		case "file":
			page.Files = append(page.Files, FileMeta{Path: e.Path, Size: e.Size, SHA: e.SHA})
		case "dir":
			state.Pending = append(state.Pending, e.Path)
		}
		// Symlinks and submodules are not indexable content.
	}

	if len(state.Pending) > 0 {
		next, err := encodeCursor(state)
		if err != nil {
			return Page{}, fmt.Errorf("encode cursor: %w", err)
		}
		page.NextCursor = next
	}
	return page, nil
}

// GetFileContent fetches a single file's raw bytes.
func (p *GitHubProvider) GetFileContent(ctx context.Context, key types.RepositoryKey, filePath string) ([]byte, string, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/%s/contents/%s?ref=%s",
		p.baseURL, url.PathEscape(key.Owner), url.PathEscape(key.Name),
		escapePath(filePath), url.QueryEscape(key.Branch))

	body, err := p.get(ctx, endpoint)
	if err != nil {
		return nil, "", err
	}

	var entry contentEntry
	if err := json.Unmarshal(body, &entry); err != nil {
		return nil, "", fmt.Errorf("decode content response: %w", err)
	}

	if entry.Encoding != "base64" {
		return nil, "", fmt.Errorf("%w: unexpected encoding %q for %s", types.ErrInvalidInput, entry.Encoding, filePath)
	}
	// GitHub inserts newlines into the base64 payload.
	raw, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(entry.Content, "\n", ""))
	if err != nil {
		return nil, "", fmt.Errorf("%w: decode %s: %v", types.ErrInvalidInput, filePath, err)
	}
	return raw, http.DetectContentType(raw), nil
}

func (p *GitHubProvider) listDirectory(ctx context.Context, key types.RepositoryKey, dir string) ([]contentEntry, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/%s/contents/%s?ref=%s",
		p.baseURL, url.PathEscape(key.Owner), url.PathEscape(key.Name),
		escapePath(dir), url.QueryEscape(key.Branch))

	body, err := p.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var entries []contentEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("decode listing response: %w", err)
	}
	return entries, nil
}

func (p *GitHubProvider) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0":
		return nil, fmt.Errorf("%w: github api: %s", types.ErrRateLimited, strings.TrimSpace(string(body)))
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: github api %d: %s", types.ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: github api %d: %s", types.ErrRepositoryInaccessible, resp.StatusCode, strings.TrimSpace(string(body)))
	default:
		return nil, fmt.Errorf("github api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

// escapePath escapes each path segment while preserving separators.
func escapePath(p string) string {
	if p == "" {
		return ""
	}
	segments := strings.Split(p, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}
