package types

import (
	"bytes"
	"crypto/sha256"
	"path"
	"strings"
)

// SourceFile is the transient unit handed from the fetcher to the chunker.
// It is never persisted; only the chunks derived from it are.
type SourceFile struct {
	Path     string
	Language string
	Content  []byte
}

// Hash returns the SHA-256 of the raw content, used to skip re-embedding
// unchanged files across indexing runs.
func (f *SourceFile) Hash() [32]byte {
	return sha256.Sum256(f.Content)
}

// IsBinary reports whether the content looks like binary data. Files with a
// NUL byte in the first 8000 bytes are treated as binary and skipped.
func (f *SourceFile) IsBinary() bool {
	sample := f.Content
	if len(sample) > 8000 {
		sample = sample[:8000]
	}
	return bytes.IndexByte(sample, 0) >= 0
}

// languageByExtension maps file extensions (without dot) to language names.
var languageByExtension = map[string]string{
	"go":    "go",
	"py":    "python",
	"pyi":   "python",
	"js":    "javascript",
	"jsx":   "javascript",
	"mjs":   "javascript",
	"ts":    "typescript",
	"tsx":   "typescript",
	"java":  "java",
	"rb":    "ruby",
	"rs":    "rust",
	"c":     "c",
	"h":     "c",
	"cpp":   "cpp",
	"cc":    "cpp",
	"hpp":   "cpp",
	"cs":    "csharp",
	"php":   "php",
	"kt":    "kotlin",
	"swift": "swift",
	"scala": "scala",
	"sh":    "shell",
	"sql":   "sql",
	"md":    "markdown",
	"yaml":  "yaml",
	"yml":   "yaml",
	"json":  "json",
	"toml":  "toml",
}

// DetectLanguage returns the language name for a file path, or "" when the
// extension is not recognized.
func DetectLanguage(filePath string) string {
	ext := strings.TrimPrefix(path.Ext(filePath), ".")
	return languageByExtension[strings.ToLower(ext)]
}
