package fetcher

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskdeck/codeindex/pkg/types"
)

func ghKey() types.RepositoryKey {
	return types.RepositoryKey{Owner: "acme", Name: "widgets", Branch: "main"}
}

// newGitHubStub serves a two-level tree: root contains main.go and internal/,
// internal/ contains server.go.
func newGitHubStub(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	writeJSON := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(v))
	}

	mux.HandleFunc("/repos/acme/widgets/contents/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "main", r.URL.Query().Get("ref"))
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		path := strings.TrimPrefix(r.URL.Path, "/repos/acme/widgets/contents/")
		switch path {
		case "":
			writeJSON(w, []map[string]any{
				{"name": "main.go", "path": "main.go", "sha": "aaa", "size": 20, "type": "file"},
				{"name": "internal", "path": "internal", "sha": "bbb", "size": 0, "type": "dir"},
				{"name": "link", "path": "link", "sha": "ccc", "size": 0, "type": "symlink"},
			})
		case "internal":
			writeJSON(w, []map[string]any{
				{"name": "server.go", "path": "internal/server.go", "sha": "ddd", "size": 30, "type": "file"},
			})
		case "main.go":
			writeJSON(w, map[string]any{
				"name": "main.go", "path": "main.go", "sha": "aaa", "size": 20,
				"type": "file", "encoding": "base64",
				// GitHub wraps base64 payloads with newlines
				"content": insertNewlines(base64.StdEncoding.EncodeToString([]byte("package main\n"))),
			})
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"message":"Not Found"}`)
		}
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func insertNewlines(s string) string {
	var b strings.Builder
	for i, r := range s {
		if i > 0 && i%8 == 0 {
			b.WriteByte('\n')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func TestGitHubListFilesWalksTree(t *testing.T) {
	srv := newGitHubStub(t)
	p := NewGitHubProvider("test-token", WithBaseURL(srv.URL))

	page, err := p.ListFiles(context.Background(), ghKey(), "")
	require.NoError(t, err)
	require.Len(t, page.Files, 1)
	assert.Equal(t, "main.go", page.Files[0].Path)
	assert.Equal(t, int64(20), page.Files[0].Size)
	require.NotEmpty(t, page.NextCursor, "pending subdirectory must produce a cursor")

	page, err = p.ListFiles(context.Background(), ghKey(), page.NextCursor)
	require.NoError(t, err)
	require.Len(t, page.Files, 1)
	assert.Equal(t, "internal/server.go", page.Files[0].Path)
	assert.Empty(t, page.NextCursor, "listing must terminate")
}

func TestGitHubGetFileContent(t *testing.T) {
	srv := newGitHubStub(t)
	p := NewGitHubProvider("test-token", WithBaseURL(srv.URL))

	content, contentType, err := p.GetFileContent(context.Background(), ghKey(), "main.go")
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(content))
	assert.Contains(t, contentType, "text/plain")
}

func TestGitHubGetFileContentNotFound(t *testing.T) {
	srv := newGitHubStub(t)
	p := NewGitHubProvider("test-token", WithBaseURL(srv.URL))

	_, _, err := p.GetFileContent(context.Background(), ghKey(), "missing.go")
	assert.ErrorIs(t, err, types.ErrRepositoryInaccessible)
}

func TestGitHubErrorClassification(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		headers map[string]string
		want    error
	}{
		{"rate limited", http.StatusTooManyRequests, nil, types.ErrRateLimited},
		{"secondary rate limit", http.StatusForbidden, map[string]string{"X-RateLimit-Remaining": "0"}, types.ErrRateLimited},
		{"forbidden", http.StatusForbidden, map[string]string{"X-RateLimit-Remaining": "42"}, types.ErrRepositoryInaccessible},
		{"unauthorized", http.StatusUnauthorized, nil, types.ErrRepositoryInaccessible},
		{"not found", http.StatusNotFound, nil, types.ErrRepositoryInaccessible},
		{"server error", http.StatusBadGateway, nil, types.ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				for k, v := range tt.headers {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			p := NewGitHubProvider("", WithBaseURL(srv.URL))
			_, err := p.ListFiles(context.Background(), ghKey(), "")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestGitHubRejectsMalformedCursor(t *testing.T) {
	p := NewGitHubProvider("")
	_, err := p.ListFiles(context.Background(), ghKey(), "not-base64!!!")
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}

func TestGitHubRejectsInvalidKey(t *testing.T) {
	p := NewGitHubProvider("")
	_, err := p.ListFiles(context.Background(), types.RepositoryKey{Owner: "acme"}, "")
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}

func TestCursorRoundtrip(t *testing.T) {
	c := listCursor{Pending: []string{"internal", "cmd/api"}}
	encoded, err := encodeCursor(c)
	require.NoError(t, err)

	decoded, err := decodeCursor(encoded)
	require.NoError(t, err)
	assert.Equal(t, c, decoded)
}

func TestEscapePath(t *testing.T) {
	assert.Equal(t, "", escapePath(""))
	assert.Equal(t, "a/b.go", escapePath("a/b.go"))
	assert.Equal(t, "dir%20name/file%231.go", escapePath("dir name/file#1.go"))
}
