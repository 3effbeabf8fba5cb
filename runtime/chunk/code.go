package chunk

import (
	"go/parser"
	"go/token"
	"path/filepath"
	"strings"
)

// SplitCode splits source code into chunks. Go files are split on top-level
// declaration boundaries via the AST so functions and types stay whole; other
// languages fall back to blank-line blocks with the same token-boundary
// safety net as prose. Language detection is by file extension.
func (s *Splitter) SplitCode(filename, code string) ([]Chunk, error) {
	if strings.TrimSpace(code) == "" {
		return s.SplitText(code) // reuse the empty-input critical error
	}
	var units []string
	if strings.EqualFold(filepath.Ext(filename), ".go") {
		units = splitGoDecls(filename, code)
	}
	if units == nil {
		units = splitCodeBlocks(code)
	}
	return s.finish(s.pack(units))
}

// splitGoDecls parses the file and cuts on top-level declaration boundaries,
// keeping each decl (with its doc comment) intact. Returns nil when the file
// does not parse so the caller falls back to block splitting.
func splitGoDecls(filename, code string) []string {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, filename, code, parser.ParseComments)
	if err != nil || len(file.Decls) == 0 {
		return nil
	}
	lines := strings.Split(code, "\n")
	var cuts []int // starting line (1-based) of each decl, doc comment included
	for _, d := range file.Decls {
		cuts = append(cuts, fset.Position(d.Pos()).Line)
	}
	if len(cuts) == 0 {
		return nil
	}
	var units []string
	prev := 0
	for i, cut := range cuts {
		if i == 0 {
			// Package clause and imports travel with the first decl.
			continue
		}
		unit := strings.Join(lines[prev:cut-1], "\n")
		if strings.TrimSpace(unit) != "" {
			units = append(units, unit)
		}
		prev = cut - 1
	}
	tail := strings.Join(lines[prev:], "\n")
	if strings.TrimSpace(tail) != "" {
		units = append(units, tail)
	}
	return units
}

// splitCodeBlocks cuts on blank-line boundaries, the cheap structural signal
// available for any language.
func splitCodeBlocks(code string) []string {
	raw := strings.Split(strings.ReplaceAll(code, "\r\n", "\n"), "\n\n")
	out := make([]string, 0, len(raw))
	for _, b := range raw {
		if strings.TrimSpace(b) != "" {
			out = append(out, b)
		}
	}
	return out
}
