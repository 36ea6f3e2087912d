package fetcher

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/taskdeck/codeindex/pkg/types"
)

// FileMeta is the listing-level view of a repository file, before content
// fetch.
type FileMeta struct {
	Path string
	Size int64
	SHA  string
}

// Page is one page of a repository file listing. An empty NextCursor means
// the listing is complete.
type Page struct {
	Files      []FileMeta
	NextCursor string
}

// ContentProvider lists and fetches repository content. Implementations
// receive an already-authenticated client; token handling is the caller's
// responsibility.
type ContentProvider interface {
	// ListFiles returns one page of file metadata. Pass the previous page's
	// NextCursor to continue; pass "" to start.
	ListFiles(ctx context.Context, key types.RepositoryKey, cursor string) (Page, error)

	// GetFileContent returns the raw bytes and content type for a file.
	GetFileContent(ctx context.Context, key types.RepositoryKey, filePath string) ([]byte, string, error)
}

// Filters restricts which listed files are fetched. A nil Extensions map
// admits every extension; MaxFileSize <= 0 disables the size ceiling.
type Filters struct {
	Extensions  map[string]bool
	MaxFileSize int64
}

// NewFilters builds Filters from an extension list and size ceiling.
func NewFilters(extensions []string, maxFileSize int64) Filters {
	var exts map[string]bool
	if len(extensions) > 0 {
		exts = make(map[string]bool, len(extensions))
		for _, e := range extensions {
			exts[strings.ToLower(strings.TrimPrefix(e, "."))] = true
		}
	}
	return Filters{Extensions: exts, MaxFileSize: maxFileSize}
}

func (f Filters) admits(meta FileMeta) bool {
	if f.Extensions != nil {
		ext := strings.ToLower(strings.TrimPrefix(path.Ext(meta.Path), "."))
		if !f.Extensions[ext] {
			return false
		}
	}
	return true
}

// Stats counts files the fetcher skipped rather than yielded. Counters are
// atomic; the orchestrator reads them after the stream closes.
type Stats struct {
	Listed      atomic.Int64
	SizeSkipped atomic.Int64
	Binary      atomic.Int64
	FetchFailed atomic.Int64
}

// Fetcher streams repository files from a content provider, applying
// extension and size filters.
type Fetcher struct {
	provider ContentProvider
	log      zerolog.Logger
}

// New creates a Fetcher over the given provider.
func New(provider ContentProvider, log zerolog.Logger) *Fetcher {
	return &Fetcher{provider: provider, log: log.With().Str("component", "fetcher").Logger()}
}

// FetchFiles yields the repository's files as a lazy, finite, non-restartable
// sequence. Chunking can begin before the full listing completes. A single
// file-fetch failure is logged and skipped; a listing-level failure is fatal
// and delivered on the error channel before both channels close.
func (f *Fetcher) FetchFiles(ctx context.Context, key types.RepositoryKey, filters Filters, stats *Stats) (<-chan types.SourceFile, <-chan error) {
	files := make(chan types.SourceFile, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(files)
		defer close(errs)

		cursor := ""
		for {
			page, err := f.provider.ListFiles(ctx, key, cursor)
			if err != nil {
				errs <- fmt.Errorf("%w: list %s: %v", types.ErrRepositoryInaccessible, key, err)
				return
			}

			for _, meta := range page.Files {
				if ctx.Err() != nil {
					errs <- ctx.Err()
					return
				}
				stats.Listed.Add(1)
				if !filters.admits(meta) {
					continue
				}
				if filters.MaxFileSize > 0 && meta.Size > filters.MaxFileSize {
					stats.SizeSkipped.Add(1)
					f.log.Debug().Str("path", meta.Path).Int64("size", meta.Size).Msg("file exceeds size ceiling, skipped")
					continue
				}

				content, _, err := f.provider.GetFileContent(ctx, key, meta.Path)
				if err != nil {
					if ctx.Err() != nil {
						errs <- ctx.Err()
						return
					}
					stats.FetchFailed.Add(1)
					f.log.Warn().Err(err).Str("path", meta.Path).Msg("file fetch failed, skipped")
					continue
				}

				file := types.SourceFile{
					Path:     meta.Path,
					Language: types.DetectLanguage(meta.Path),
					Content:  content,
				}
				if file.IsBinary() {
					stats.Binary.Add(1)
					f.log.Debug().Str("path", meta.Path).Msg("binary file skipped")
					continue
				}

				select {
				case files <- file:
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			}

			if page.NextCursor == "" {
				return
			}
			cursor = page.NextCursor
		}
	}()

	return files, errs
}
