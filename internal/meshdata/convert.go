package meshdata

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/text/encoding/charmap"
)

// ConvertOptions tune Convert.
type ConvertOptions struct {
	// MaxArticles stops after this many articles. Zero means all.
	MaxArticles int
}

// Convert rewrites the allMeSH JSON dump as UTF-8 JSON lines.
//
// The dump is latin-1 encoded. Its first line opens the article array and
// every following line holds one article followed by a comma; the last one
// closes the array instead. Each article is re-encoded compactly on its own
// line. Convert returns the number of articles written.
func Convert(ctx context.Context, r io.Reader, w io.Writer, opts ConvertOptions) (int, error) {
	br := bufio.NewReaderSize(charmap.ISO8859_1.NewDecoder().Reader(r), 1<<20)
	bw := bufio.NewWriterSize(w, 1<<20)

	var n int
	var compact bytes.Buffer
	for lineNo := 1; ; lineNo++ {
		if lineNo%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return n, err
			}
		}
		line, err := br.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return n, fmt.Errorf("line %d: %w", lineNo, err)
		}
		eof := err != nil
		if lineNo > 1 {
			if body := articleBody(line); len(body) > 0 {
				compact.Reset()
				if err := json.Compact(&compact, body); err != nil {
					return n, fmt.Errorf("line %d: %w", lineNo, err)
				}
				if compact.Len() == 0 || compact.Bytes()[0] != '{' {
					return n, fmt.Errorf("line %d: expected a JSON object", lineNo)
				}
				compact.WriteByte('\n')
				if _, err := bw.Write(compact.Bytes()); err != nil {
					return n, err
				}
				n++
				if opts.MaxArticles > 0 && n >= opts.MaxArticles {
					break
				}
			}
		}
		if eof {
			break
		}
	}
	return n, bw.Flush()
}

// articleBody strips the array punctuation around one article line.
func articleBody(line []byte) []byte {
	b := bytes.TrimSuffix(bytes.TrimSpace(line), []byte(","))
	if json.Valid(b) {
		return b
	}
	for _, closer := range []string{"]}", "]"} {
		if trimmed, ok := bytes.CutSuffix(b, []byte(closer)); ok {
			trimmed = bytes.TrimSuffix(bytes.TrimSpace(trimmed), []byte(","))
			if len(trimmed) == 0 || json.Valid(trimmed) {
				return trimmed
			}
		}
	}
	return b
}
