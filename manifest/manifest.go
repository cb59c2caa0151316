// Package manifest reads shard manifests produced by the external
// detector: one record per line, "line_count\tsource_id", optionally
// preceded by a "#G <group>" header declaring the shard's group order.
//
// The manifest is immutable once written. Its only binding invariant is
// that the sum of line counts equals the length of the shard's flag
// store; flagstore.LoadValidated enforces it.
package manifest

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/hupe1980/shardedup"
	"github.com/hupe1980/shardedup/model"
)

// Record is one manifest entry: a content source and its document count.
type Record struct {
	// Source identifies where the documents came from, usually a path to
	// a compressed JSONL file.
	Source string
	// Lines is the number of documents the source contributed.
	Lines uint64
	// Start is the global index of the source's first document within the
	// shard, i.e. the cumulative sum of all preceding line counts.
	Start uint64
}

// Manifest is the ordered description of one shard.
type Manifest struct {
	// Group is the shard's group order as declared by the "#G" header.
	Group model.GroupID
	// HasGroup reports whether a "#G" header was present.
	HasGroup bool
	// Records lists the shard's sources in document order.
	Records []Record

	path  string
	total uint64
}

// Load reads a manifest from path.
func Load(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f, path)
}

// Parse reads a manifest from r. The name is used in error messages only.
func Parse(r io.Reader, name string) (*Manifest, error) {
	m := &Manifest{path: name}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)

	lineno := 0
	for sc.Scan() {
		lineno++
		line := sc.Text()
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "#") {
			if strings.HasPrefix(line, "#G ") {
				g, err := strconv.ParseUint(strings.TrimSpace(line[3:]), 10, 16)
				if err != nil {
					return nil, shardedup.NewFormatError(name, "line %d: bad group order: %v", lineno, err)
				}
				m.Group = model.GroupID(g)
				m.HasGroup = true
			}
			continue
		}

		count, source, ok := strings.Cut(line, "\t")
		if !ok {
			return nil, shardedup.NewFormatError(name, "line %d: no TAB separator: %q", lineno, line)
		}
		n, err := strconv.ParseUint(count, 10, 64)
		if err != nil {
			return nil, shardedup.NewFormatError(name, "line %d: bad line count: %v", lineno, err)
		}

		m.Records = append(m.Records, Record{
			Source: source,
			Lines:  n,
			Start:  m.total,
		})
		m.total += n
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}

	return m, nil
}

// TotalLines returns the shard's total document count, the required
// length of its flag store.
func (m *Manifest) TotalLines() uint64 {
	return m.total
}

// Path returns where the manifest was loaded from, or the name given to
// Parse.
func (m *Manifest) Path() string {
	return m.path
}

// Find locates the unique record whose source matches target. When strip
// is set, directory components of the recorded sources are ignored before
// comparing. A missing target or a target matched by more than one record
// is a FormatError: either way the flag window for it is ill-defined.
func (m *Manifest) Find(target string, strip bool) (Record, error) {
	var found Record
	ok := false
	for _, rec := range m.Records {
		source := rec.Source
		if strip {
			source = path.Base(source)
		}
		if source != target {
			continue
		}
		if ok {
			return Record{}, shardedup.NewFormatError(m.path, "duplicated source: %s", target)
		}
		found, ok = rec, true
	}
	if !ok {
		return Record{}, shardedup.NewFormatError(m.path, "target not in manifest: %s", target)
	}
	return found, nil
}
