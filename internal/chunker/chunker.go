package chunker

import (
	"context"
	"sort"
	"strings"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/taskdeck/codeindex/pkg/types"
)

const (
	// DefaultMaxTokens is the chunk token ceiling when none is configured.
	DefaultMaxTokens = 1000

	// overlapLines is the window overlap for fallback and oversize splits.
	overlapLines = 10
)

// Chunker splits source files into semantically bounded chunks. Languages
// with a registered grammar are split along syntactic boundaries; everything
// else takes a fixed-size sliding window. Chunking is a pure function of
// (content, maxTokens): same input, same chunks.
type Chunker struct {
	registry  *Registry
	maxTokens int
}

// New creates a Chunker with the default language registry.
func New(maxTokens int) *Chunker {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Chunker{registry: DefaultRegistry(), maxTokens: maxTokens}
}

// NewWithRegistry creates a Chunker with a custom registry.
func NewWithRegistry(registry *Registry, maxTokens int) *Chunker {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Chunker{registry: registry, maxTokens: maxTokens}
}

// Chunk splits the file. An empty file yields zero chunks. Structured parse
// failures fall back to window chunking silently; they are never an error.
func (c *Chunker) Chunk(file types.SourceFile) ([]*types.CodeChunk, error) {
	if len(strings.TrimSpace(string(file.Content))) == 0 {
		return nil, nil
	}

	var chunks []*types.CodeChunk
	if spec := c.registry.Lookup(file.Language); spec != nil {
		structured, err := c.chunkStructured(file, spec)
		if err == nil && len(structured) > 0 {
			chunks = structured
		}
	}
	if chunks == nil {
		chunks = c.chunkWindowed(file)
	}

	for i, chunk := range chunks {
		chunk.ChunkIndex = i
		chunk.TotalChunks = len(chunks)
	}
	return chunks, nil
}

// capture is one syntactic definition found by the tree-sitter query.
type capture struct {
	name      string
	nodeType  string
	startLine int
	endLine   int
	startByte uint32
	endByte   uint32
}

func (c *Chunker) chunkStructured(file types.SourceFile, spec *LanguageSpec) ([]*types.CodeChunk, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(spec.Language)
	tree, err := parser.ParseCtx(context.Background(), nil, file.Content)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	q, err := sitter.NewQuery([]byte(spec.Query), spec.Language)
	if err != nil {
		return nil, err
	}
	defer q.Close()

	qc := sitter.NewQueryCursor()
	defer qc.Close()
	qc.Exec(q, tree.RootNode())

	var captures []capture
	for {
		m, ok := qc.NextMatch()
		if !ok {
			break
		}
		var chunkNode *sitter.Node
		var name string
		for _, cap := range m.Captures {
			switch q.CaptureNameForId(cap.Index) {
			case "chunk":
				chunkNode = cap.Node
			case "name":
				name = cap.Node.Content(file.Content)
			}
		}
		if chunkNode == nil {
			continue
		}
		captures = append(captures, capture{
			name:      name,
			nodeType:  chunkNode.Type(),
			startLine: int(chunkNode.StartPoint().Row) + 1,
			endLine:   int(chunkNode.EndPoint().Row) + 1,
			startByte: chunkNode.StartByte(),
			endByte:   chunkNode.EndByte(),
		})
	}
	captures = dedupCaptures(captures)
	if len(captures) == 0 {
		return nil, nil
	}

	lines := strings.Split(string(file.Content), "\n")
	var chunks []*types.CodeChunk
	for _, cap := range captures {
		content := extractLines(lines, cap.startLine, cap.endLine)
		kind := types.ChunkBlock
		if mapped, ok := spec.KindMap[cap.nodeType]; ok {
			switch mapped {
			case "function":
				kind = types.ChunkFunction
			case "class":
				kind = types.ChunkClass
			}
		}

		if types.EstimateTokens(content) > c.maxTokens {
			chunks = append(chunks, c.splitOversized(file, content, cap.name, kind, cap.startLine)...)
			continue
		}
		chunks = append(chunks, &types.CodeChunk{
			FilePath:   file.Path,
			Language:   file.Language,
			ChunkType:  kind,
			ChunkName:  cap.name,
			StartLine:  cap.startLine,
			EndLine:    cap.endLine,
			TokenCount: types.EstimateTokens(content),
			Content:    content,
		})
	}
	return chunks, nil
}

// dedupCaptures removes captures fully contained within a larger capture,
// keeping the outer node.
func dedupCaptures(caps []capture) []capture {
	if len(caps) <= 1 {
		return caps
	}
	sort.Slice(caps, func(i, j int) bool {
		if caps[i].startByte != caps[j].startByte {
			return caps[i].startByte < caps[j].startByte
		}
		return (caps[i].endByte - caps[i].startByte) > (caps[j].endByte - caps[j].startByte)
	})

	var result []capture
	var lastEnd uint32
	for _, c := range caps {
		if len(result) == 0 || c.startByte >= lastEnd {
			result = append(result, c)
			if c.endByte > lastEnd {
				lastEnd = c.endByte
			}
		}
	}
	return result
}

// chunkWindowed is the fallback: fixed-size sliding windows by token count
// with slight line overlap. A file that fits one window becomes a single
// file-level chunk.
func (c *Chunker) chunkWindowed(file types.SourceFile) []*types.CodeChunk {
	lines := strings.Split(string(file.Content), "\n")

	if types.EstimateTokens(string(file.Content)) <= c.maxTokens {
		return []*types.CodeChunk{{
			FilePath:   file.Path,
			Language:   file.Language,
			ChunkType:  types.ChunkFile,
			StartLine:  1,
			EndLine:    len(lines),
			TokenCount: types.EstimateTokens(string(file.Content)),
			Content:    string(file.Content),
		}}
	}
	return c.windowLines(file, lines, "", types.ChunkBlock, 1)
}

// splitOversized further splits a single structural chunk that exceeds the
// token ceiling, even mid-block.
func (c *Chunker) splitOversized(file types.SourceFile, content, name string, kind types.ChunkType, baseStartLine int) []*types.CodeChunk {
	return c.windowLines(file, strings.Split(content, "\n"), name, kind, baseStartLine)
}

func (c *Chunker) windowLines(file types.SourceFile, lines []string, name string, kind types.ChunkType, baseStartLine int) []*types.CodeChunk {
	var chunks []*types.CodeChunk
	start := 0
	for start < len(lines) {
		// A single line above the ceiling cannot be bounded by line breaks;
		// split it into character windows instead
		if types.EstimateTokens(lines[start]) > c.maxTokens {
			chunks = append(chunks, c.splitLine(file, lines[start], name, kind, baseStartLine+start)...)
			start++
			continue
		}

		end := start
		tokens := 0
		for end < len(lines) {
			lineTokens := types.EstimateTokens(lines[end]) + 1
			if end > start && tokens+lineTokens > c.maxTokens {
				break
			}
			tokens += lineTokens
			end++
		}

		content := strings.Join(lines[start:end], "\n")
		if strings.TrimSpace(content) != "" {
			chunks = append(chunks, &types.CodeChunk{
				FilePath:   file.Path,
				Language:   file.Language,
				ChunkType:  kind,
				ChunkName:  name,
				StartLine:  baseStartLine + start,
				EndLine:    baseStartLine + end - 1,
				TokenCount: types.EstimateTokens(content),
				Content:    content,
			})
		}
		if end >= len(lines) {
			break
		}
		next := end - overlapLines
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

// splitLine cuts one oversized line into rune-aligned character windows, each
// within the token ceiling. Every resulting chunk reports the same line.
func (c *Chunker) splitLine(file types.SourceFile, line, name string, kind types.ChunkType, lineNo int) []*types.CodeChunk {
	limit := c.maxTokens * types.TokensPerChar
	var chunks []*types.CodeChunk
	for len(line) > 0 {
		cut := len(line)
		if cut > limit {
			cut = limit
			for cut > 0 && !utf8.RuneStart(line[cut]) {
				cut--
			}
			if cut == 0 {
				cut = limit
			}
		}
		content := line[:cut]
		line = line[cut:]
		if strings.TrimSpace(content) == "" {
			continue
		}
		chunks = append(chunks, &types.CodeChunk{
			FilePath:   file.Path,
			Language:   file.Language,
			ChunkType:  kind,
			ChunkName:  name,
			StartLine:  lineNo,
			EndLine:    lineNo,
			TokenCount: types.EstimateTokens(content),
			Content:    content,
		})
	}
	return chunks
}

func extractLines(lines []string, startLine, endLine int) string {
	start := startLine - 1
	end := endLine
	if start < 0 {
		start = 0
	}
	if end > len(lines) {
		end = len(lines)
	}
	return strings.Join(lines[start:end], "\n")
}
