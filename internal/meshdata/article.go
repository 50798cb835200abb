package meshdata

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// Article is one allMeSH record.
type Article struct {
	Journal      string   `json:"journal"`
	MeshMajor    []string `json:"meshMajor"`
	Year         Year     `json:"year"`
	AbstractText string   `json:"abstractText"`
	PMID         string   `json:"pmid"`
	Title        string   `json:"title"`
}

// Year is a publication year as it appears in the data. The dump stores it
// as a string; generated records may use a number.
type Year string

func (y *Year) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*y = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*y = Year(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("year: %s is neither a string nor a number", b)
	}
	*y = Year(n.String())
	return nil
}

// Int returns the numeric year.
func (y Year) Int() (int, bool) {
	n, err := strconv.Atoi(string(y))
	return n, err == nil
}

// maxLine bounds a single JSON line; abstracts can be long.
const maxLine = 64 << 20

// ErrStop may be returned by a Scan callback to end the scan early.
var ErrStop = errors.New("stop scan")

// Scan calls fn for every article in a JSON lines stream. Blank lines are
// skipped. Errors name the 1-based line number.
func Scan(r io.Reader, fn func(Article) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 1<<20), maxLine)
	line := 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		var a Article
		if err := json.Unmarshal(b, &a); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if err := fn(a); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("line %d: %w", line+1, err)
	}
	return nil
}
