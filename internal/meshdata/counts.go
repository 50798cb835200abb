package meshdata

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strconv"

	"golang.org/x/sync/errgroup"

	"meshpipe/internal/tagger"
)

// DefaultMinExamples is the count under which a tag needs augmentation.
const DefaultMinExamples = 15

// YearFilter selects articles by year. Train keeps only its years when set;
// Test drops its years when set.
type YearFilter struct {
	Train tagger.Years
	Test  tagger.Years
}

// Keep reports whether an article of year y passes the filter.
func (f YearFilter) Keep(y Year) bool {
	if len(f.Train) > 0 && !containsYear(f.Train, y) {
		return false
	}
	if len(f.Test) > 0 && containsYear(f.Test, y) {
		return false
	}
	return true
}

func containsYear(years tagger.Years, y Year) bool {
	for _, v := range years {
		if strconv.Itoa(v) == string(y) {
			return true
		}
	}
	return false
}

// Counts maps a MeSH tag to the number of articles carrying it.
type Counts map[string]int

// LabelCount is one entry of Counts.
type LabelCount struct {
	Label string
	Count int
}

// Sorted returns the counts by descending count, then label.
func (c Counts) Sorted() []LabelCount {
	out := make([]LabelCount, 0, len(c))
	for l, n := range c {
		out = append(out, LabelCount{Label: l, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Label < out[j].Label
	})
	return out
}

// Below returns the tags with fewer than min examples, in Sorted order.
func (c Counts) Below(min int) []LabelCount {
	var out []LabelCount
	for _, lc := range c.Sorted() {
		if lc.Count < min {
			out = append(out, lc)
		}
	}
	return out
}

func (c Counts) add(other Counts) {
	for l, n := range other {
		c[l] += n
	}
}

// WriteCounts writes c as an indented JSON object in Sorted order.
func WriteCounts(w io.Writer, c Counts) error {
	sorted := c.Sorted()
	if len(sorted) == 0 {
		_, err := io.WriteString(w, "{}")
		return err
	}
	bw := bufio.NewWriter(w)
	bw.WriteString("{\n")
	for i, lc := range sorted {
		key, err := json.Marshal(lc.Label)
		if err != nil {
			return err
		}
		bw.WriteString("  ")
		bw.Write(key)
		bw.WriteString(": ")
		bw.WriteString(strconv.Itoa(lc.Count))
		if i < len(sorted)-1 {
			bw.WriteByte(',')
		}
		bw.WriteByte('\n')
	}
	bw.WriteString("}")
	return bw.Flush()
}

// ReadCounts reads a file written by WriteCounts.
func ReadCounts(r io.Reader) (Counts, error) {
	var c Counts
	if err := json.NewDecoder(r).Decode(&c); err != nil {
		return nil, fmt.Errorf("decode counts: %w", err)
	}
	if c == nil {
		c = Counts{}
	}
	return c, nil
}

const batchLines = 512

// CountLabels counts MeSH tags over the articles of a JSON lines file that
// pass filter. Lines are decoded by workers goroutines (GOMAXPROCS when
// workers <= 0).
func CountLabels(ctx context.Context, path string, filter YearFilter, workers int) (Counts, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return CountLabelsReader(ctx, f, filter, workers)
}

// CountLabelsReader is CountLabels over an open stream.
func CountLabelsReader(ctx context.Context, r io.Reader, filter YearFilter, workers int) (Counts, error) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	type batch struct {
		first int
		lines [][]byte
	}

	g, ctx := errgroup.WithContext(ctx)
	batches := make(chan batch, workers)
	g.Go(func() error {
		defer close(batches)
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 1<<20), maxLine)
		cur := batch{first: 1}
		line := 0
		for sc.Scan() {
			line++
			cur.lines = append(cur.lines, bytes.Clone(sc.Bytes()))
			if len(cur.lines) == batchLines {
				if err := ctx.Err(); err != nil {
					return err
				}
				select {
				case batches <- cur:
				case <-ctx.Done():
					return ctx.Err()
				}
				cur = batch{first: line + 1}
			}
		}
		if err := sc.Err(); err != nil {
			return fmt.Errorf("line %d: %w", line+1, err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(cur.lines) > 0 {
			select {
			case batches <- cur:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	partial := make([]Counts, workers)
	for i := 0; i < workers; i++ {
		local := Counts{}
		partial[i] = local
		g.Go(func() error {
			var a struct {
				MeshMajor []string `json:"meshMajor"`
				Year      Year     `json:"year"`
			}
			for b := range batches {
				for j, raw := range b.lines {
					raw = bytes.TrimSpace(raw)
					if len(raw) == 0 {
						continue
					}
					a.MeshMajor, a.Year = nil, ""
					if err := json.Unmarshal(raw, &a); err != nil {
						return fmt.Errorf("line %d: %w", b.first+j, err)
					}
					if !filter.Keep(a.Year) {
						continue
					}
					for _, tag := range a.MeshMajor {
						local[tag]++
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	total := Counts{}
	for _, c := range partial {
		total.add(c)
	}
	return total, nil
}
