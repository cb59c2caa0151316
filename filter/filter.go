// Package filter applies finalized duplicate flags to the original
// content streams, emitting only the documents still flagged Active.
//
// The flag file carries no document boundaries of its own; alignment
// with the content is purely positional. The pipeline therefore verifies
// both ends of the contract: every source must yield exactly the line
// count its manifest record declares, and the flag cursor must land
// exactly on the store length when the last source is drained. Any
// disagreement aborts before further output, naming the offending
// source.
package filter

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/hupe1980/shardedup"
	"github.com/hupe1980/shardedup/flagstore"
	"github.com/hupe1980/shardedup/manifest"
)

// Pipeline streams the non-duplicate documents of one shard.
type Pipeline struct {
	Manifest *manifest.Manifest
	Flags    *flagstore.View
	// Rewrites translate manifest source identifiers into content
	// locations before opening them.
	Rewrites []Rewrite
	// Open overrides how content sources are opened; defaults to
	// OpenSource. Used by tests.
	Open func(path string) (io.ReadCloser, error)
	// Logger defaults to a no-op logger.
	Logger *shardedup.Logger
}

// Stats summarizes one pipeline run.
type Stats struct {
	LinesRead    uint64
	LinesEmitted uint64
	Sources      int
}

func (p *Pipeline) logger() *shardedup.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return shardedup.NoopLogger()
}

func (p *Pipeline) open(path string) (io.ReadCloser, error) {
	if p.Open != nil {
		return p.Open(path)
	}
	return OpenSource(path)
}

// checkTotals verifies the manifest and flag store agree before any
// content is read.
func (p *Pipeline) checkTotals() error {
	if p.Flags.Len() != p.Manifest.TotalLines() {
		return &shardedup.ConsistencyError{
			Source:   p.Flags.Path(),
			What:     "flags",
			Expected: p.Manifest.TotalLines(),
			Actual:   p.Flags.Len(),
		}
	}
	return nil
}

// Run streams every source of the manifest in order, writing Active
// lines to w. Each manifest record is independently streamable, but the
// flag cursor is strictly sequential, so sources are consumed in
// manifest order.
func (p *Pipeline) Run(ctx context.Context, w io.Writer) (*Stats, error) {
	if err := p.checkTotals(); err != nil {
		return nil, err
	}

	log := p.logger()
	stats := &Stats{}
	bw := bufio.NewWriter(w)
	cursor := uint64(0)

	for _, rec := range p.Manifest.Records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resolved := ResolveSource(p.Rewrites, rec.Source)
		log.Debug("filtering source", "source", rec.Source, "resolved", resolved, "lines", rec.Lines)

		rc, err := p.open(resolved)
		if err != nil {
			return nil, err
		}

		var lines uint64
		err = forEachLine(rc, func(line []byte) error {
			if lines == rec.Lines {
				return &shardedup.ConsistencyError{
					Source:   rec.Source,
					What:     "lines",
					Expected: rec.Lines,
					Actual:   lines + 1,
				}
			}
			if !p.Flags.IsDuplicate(cursor) {
				if _, werr := bw.Write(line); werr != nil {
					return werr
				}
				if werr := bw.WriteByte('\n'); werr != nil {
					return werr
				}
				stats.LinesEmitted++
			}
			cursor++
			lines++
			return nil
		})
		rc.Close()
		if err != nil {
			return nil, err
		}
		if lines != rec.Lines {
			return nil, &shardedup.ConsistencyError{
				Source:   rec.Source,
				What:     "lines",
				Expected: rec.Lines,
				Actual:   lines,
			}
		}
		stats.LinesRead += lines
		stats.Sources++
	}

	// Global post-condition: every flag was consumed exactly once.
	if cursor != p.Flags.Len() {
		return nil, &shardedup.ConsistencyError{
			Source:   p.Flags.Path(),
			What:     "flags consumed",
			Expected: p.Flags.Len(),
			Actual:   cursor,
		}
	}

	return stats, bw.Flush()
}

// Test resolves every source and reports the missing ones without
// consuming any flags. All sources are probed; failures aggregate into a
// single MissingResourceError.
func (p *Pipeline) Test(ctx context.Context) error {
	log := p.logger()
	var missing []string

	for _, rec := range p.Manifest.Records {
		if err := ctx.Err(); err != nil {
			return err
		}
		resolved := ResolveSource(p.Rewrites, rec.Source)
		if _, err := os.Stat(resolved); err != nil {
			log.Warn("FAIL", "source", resolved)
			missing = append(missing, resolved)
		} else {
			log.Info("OK", "source", resolved)
		}
	}

	if len(missing) > 0 {
		return &shardedup.MissingResourceError{Missing: missing}
	}
	return nil
}

// ApplyWhole filters a whole shard's content from a single stream: r
// must yield exactly v.Len() lines. Too few or too many lines is a
// ConsistencyError.
func ApplyWhole(v *flagstore.View, r io.Reader, w io.Writer) (*Stats, error) {
	return ApplyRange(v, 0, v.Len(), r, w)
}

// ApplyRange filters the window [start, start+n) of the flag store
// against a stream holding exactly those n lines. This backs
// single-target filtering, where one content file of a shard is piped
// through while the flag window for it comes from the manifest offsets.
func ApplyRange(v *flagstore.View, start, n uint64, r io.Reader, w io.Writer) (*Stats, error) {
	stats := &Stats{Sources: 1}
	bw := bufio.NewWriter(w)

	var lines uint64
	err := forEachLine(io.NopCloser(r), func(line []byte) error {
		if lines == n {
			return &shardedup.ConsistencyError{
				Source:   "input",
				What:     "lines",
				Expected: n,
				Actual:   lines + 1,
			}
		}
		if !v.IsDuplicate(start + lines) {
			if _, werr := bw.Write(line); werr != nil {
				return werr
			}
			if werr := bw.WriteByte('\n'); werr != nil {
				return werr
			}
			stats.LinesEmitted++
		}
		lines++
		return nil
	})
	if err != nil {
		return nil, err
	}
	if lines != n {
		return nil, &shardedup.ConsistencyError{
			Source:   "input",
			What:     "lines",
			Expected: n,
			Actual:   lines,
		}
	}
	stats.LinesRead = lines
	return stats, bw.Flush()
}

// Window locates the flag window of one content file within a shard:
// the record for target is looked up in the manifest (optionally
// comparing basenames only) and its [start, lines) window returned,
// after verifying the manifest and flag store agree in total length.
func Window(m *manifest.Manifest, v *flagstore.View, target string, strip bool) (start, n uint64, err error) {
	if v.Len() != m.TotalLines() {
		return 0, 0, &shardedup.ConsistencyError{
			Source:   v.Path(),
			What:     "flags",
			Expected: m.TotalLines(),
			Actual:   v.Len(),
		}
	}
	rec, err := m.Find(target, strip)
	if err != nil {
		return 0, 0, err
	}
	return rec.Start, rec.Lines, nil
}

// OpenSource opens a content file, transparently decompressing by
// extension: ".gz" (gzip) and ".zst" (zstandard); anything else is read
// as-is.
func OpenSource(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	switch {
	case strings.HasSuffix(path, ".gz"):
		zr, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		return &decompressed{r: zr, close: func() error {
			zerr := zr.Close()
			ferr := f.Close()
			if zerr != nil {
				return zerr
			}
			return ferr
		}}, nil
	case strings.HasSuffix(path, ".zst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		return &decompressed{r: zr, close: func() error {
			zr.Close()
			return f.Close()
		}}, nil
	default:
		return f, nil
	}
}

type decompressed struct {
	r     io.Reader
	close func() error
}

func (d *decompressed) Read(p []byte) (int, error) { return d.r.Read(p) }
func (d *decompressed) Close() error               { return d.close() }

// forEachLine calls fn for every newline-terminated line, newline
// stripped. A trailing line without a newline still counts.
func forEachLine(r io.ReadCloser, fn func(line []byte) error) error {
	br := bufio.NewReaderSize(r, 1<<20)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			if e := fn(bytes.TrimSuffix(line, []byte{'\n'})); e != nil {
				return e
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
