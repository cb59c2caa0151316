// Package bucketindex reads and writes the per-(shard, bucket) candidate
// index files produced by the external detector and consumed by the merge
// engine.
//
// File layout: an 8-byte magic, a fixed header, then items of
// digest||id, where digest is the bucket's LSH band digest and id is the
// big-endian packed global document id. Items are strictly ascending in
// (digest, id) order so readers can stream and mergers can sweep equal
// digests without sorting. Adjacent items with equal digests are the
// candidate pairs of the merge protocol.
//
// Index files are ephemeral: the merge engine deletes them once their
// bucket round commits. They may be stored lz4-compressed with an ".lz4"
// suffix; readers resolve that transparently.
package bucketindex

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/shardedup"
	"github.com/hupe1980/shardedup/internal/fs"
	"github.com/hupe1980/shardedup/internal/mmap"
	"github.com/hupe1980/shardedup/model"
)

const (
	// Magic identifies a bucket index file.
	Magic = "ShrdIdx1"
	// HeaderSize is the fixed byte length of magic plus header fields.
	HeaderSize = 32
	// CompressedExt marks an lz4-framed index file.
	CompressedExt = ".lz4"

	idSize = 8
)

// Header describes one bucket index file.
type Header struct {
	// Bucket is the bucket (band) number this index covers.
	Bucket uint32
	// DigestSize is the byte length of each band digest.
	DigestSize uint32
	// TotalItems is the shard's total document count, duplicates included.
	TotalItems uint64
	// ActiveItems is the number of items actually listed, i.e. documents
	// still active when the index was written.
	ActiveItems uint64
}

// Item is one index entry.
type Item struct {
	Digest []byte
	ID     model.GlobalID
}

// Path returns the index file location for a shard basename and bucket.
func Path(base string, bucket int) string {
	return fmt.Sprintf("%s.idx.%05d", base, bucket)
}

// Remove deletes the index file for base and bucket, compressed or not.
// Missing files are ignored: a re-run of a committed round must not fail
// on inputs the previous run already consumed.
func Remove(fsys fs.FileSystem, base string, bucket int) error {
	path := Path(base, bucket)
	for _, p := range []string{path, path + CompressedExt} {
		if err := fsys.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// Reader streams items from one index file.
type Reader struct {
	hdr  Header
	path string
	data []byte // item region
	off  int
	prev []byte // previous digest||id, for order enforcement
	m    *mmap.File
}

// Open opens the index file at path, falling back to path+".lz4". The
// uncompressed form is mmap-backed; the compressed form is decompressed
// into memory.
func Open(path string) (*Reader, error) {
	m, err := mmap.Open(path)
	if err == nil {
		return newReader(path, m.Data, m)
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	f, err := os.Open(path + CompressedExt)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(lz4.NewReader(f))
	if err != nil {
		return nil, shardedup.NewFormatError(path+CompressedExt, "lz4 decompress: %v", err)
	}
	return newReader(path+CompressedExt, data, nil)
}

func newReader(path string, data []byte, m *mmap.File) (*Reader, error) {
	if len(data) < HeaderSize {
		closeMapping(m)
		return nil, shardedup.NewFormatError(path, "truncated header: %d bytes", len(data))
	}
	if string(data[:8]) != Magic {
		// Format the message before unmapping: data may alias the mapping.
		err := shardedup.NewFormatError(path, "bad magic %q", data[:8])
		closeMapping(m)
		return nil, err
	}

	hdr := Header{
		Bucket:      binary.LittleEndian.Uint32(data[8:12]),
		DigestSize:  binary.LittleEndian.Uint32(data[12:16]),
		TotalItems:  binary.LittleEndian.Uint64(data[16:24]),
		ActiveItems: binary.LittleEndian.Uint64(data[24:32]),
	}
	if hdr.DigestSize == 0 {
		closeMapping(m)
		return nil, shardedup.NewFormatError(path, "zero digest size")
	}

	items := data[HeaderSize:]
	itemSize := int(hdr.DigestSize) + idSize
	if len(items)%itemSize != 0 {
		closeMapping(m)
		return nil, shardedup.NewFormatError(path,
			"item region of %d bytes is not a multiple of item size %d", len(items), itemSize)
	}

	return &Reader{hdr: hdr, path: path, data: items, m: m}, nil
}

func closeMapping(m *mmap.File) {
	if m != nil {
		m.Close()
	}
}

// Header returns the file header.
func (r *Reader) Header() Header {
	return r.hdr
}

// Path returns the resolved file location.
func (r *Reader) Path() string {
	return r.path
}

// Len returns the number of items in the file.
func (r *Reader) Len() int {
	return len(r.data) / (int(r.hdr.DigestSize) + idSize)
}

// Next returns the next item, or io.EOF after the last one. The returned
// digest aliases the underlying buffer and is valid until Close. Items
// out of (digest, id) order are a FormatError: the merge sweep depends on
// the ordering the detector guarantees.
func (r *Reader) Next() (Item, error) {
	itemSize := int(r.hdr.DigestSize) + idSize
	if r.off >= len(r.data) {
		return Item{}, io.EOF
	}

	raw := r.data[r.off : r.off+itemSize]
	if r.prev != nil && bytes.Compare(r.prev, raw) >= 0 {
		return Item{}, shardedup.NewFormatError(r.path,
			"items out of order at offset %d", HeaderSize+r.off)
	}
	r.prev = raw
	r.off += itemSize

	digest := raw[:r.hdr.DigestSize]
	id := model.GlobalID(binary.BigEndian.Uint64(raw[r.hdr.DigestSize:]))
	return Item{Digest: digest, ID: id}, nil
}

// ReadAll drains the reader.
func (r *Reader) ReadAll() ([]Item, error) {
	items := make([]Item, 0, r.Len())
	for {
		it, err := r.Next()
		if err == io.EOF {
			return items, nil
		}
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
}

// Close releases the underlying mapping, if any.
func (r *Reader) Close() error {
	if r.m != nil {
		return r.m.Close()
	}
	return nil
}

// Writer builds an index file. Items must be appended in strictly
// ascending (digest, id) order. Counts may be set any time before Close;
// the header is patched when the file is finalized, mirroring the
// in-place count updates of the detector's writer.
type Writer struct {
	fsys     fs.FileSystem
	path     string
	tmp      string
	f        fs.File
	hdr      Header
	compress bool
	prev     []byte
	closed   bool
}

// NewWriter creates an index file writer for the given destination path.
// With compress set, the finalized file is lz4-framed at path+".lz4".
func NewWriter(fsys fs.FileSystem, path string, bucket int, digestSize uint32, compress bool) (*Writer, error) {
	if digestSize == 0 {
		return nil, shardedup.NewFormatError(path, "zero digest size")
	}

	tmp := path + ".tmp"
	f, err := fsys.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}

	w := &Writer{
		fsys:     fsys,
		path:     path,
		tmp:      tmp,
		f:        f,
		hdr:      Header{Bucket: uint32(bucket), DigestSize: digestSize},
		compress: compress,
	}
	if err := w.writeHeader(); err != nil {
		f.Close()
		fsys.Remove(tmp)
		return nil, err
	}
	return w, nil
}

func (w *Writer) writeHeader() error {
	var buf [HeaderSize]byte
	copy(buf[:8], Magic)
	binary.LittleEndian.PutUint32(buf[8:12], w.hdr.Bucket)
	binary.LittleEndian.PutUint32(buf[12:16], w.hdr.DigestSize)
	binary.LittleEndian.PutUint64(buf[16:24], w.hdr.TotalItems)
	binary.LittleEndian.PutUint64(buf[24:32], w.hdr.ActiveItems)
	_, err := w.f.Write(buf[:])
	return err
}

// Append writes one item.
func (w *Writer) Append(digest []byte, id model.GlobalID) error {
	if uint32(len(digest)) != w.hdr.DigestSize {
		return shardedup.NewFormatError(w.path,
			"digest of %d bytes, want %d", len(digest), w.hdr.DigestSize)
	}

	raw := make([]byte, len(digest)+idSize)
	copy(raw, digest)
	binary.BigEndian.PutUint64(raw[len(digest):], uint64(id))

	if w.prev != nil && bytes.Compare(w.prev, raw) >= 0 {
		return shardedup.NewFormatError(w.path, "appending item out of order")
	}
	w.prev = raw

	_, err := w.f.Write(raw)
	return err
}

// SetCounts records the total and active item counts for the header.
func (w *Writer) SetCounts(total, active uint64) {
	w.hdr.TotalItems = total
	w.hdr.ActiveItems = active
}

// Abort discards the partially written file.
func (w *Writer) Abort() {
	if w.closed {
		return
	}
	w.closed = true
	w.f.Close()
	w.fsys.Remove(w.tmp)
}

// Close patches the header counts and moves the file into place,
// compressing it if requested. The destination appears atomically.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		w.f.Close()
		return err
	}
	if err := w.writeHeader(); err != nil {
		w.f.Close()
		return err
	}
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return err
	}

	if !w.compress {
		if err := w.f.Close(); err != nil {
			return err
		}
		if err := w.fsys.Rename(w.tmp, w.path); err != nil {
			return err
		}
		return fs.SyncDir(w.fsys, filepath.Dir(w.path))
	}

	// Stream the finished raw file through lz4 into its final name.
	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		w.f.Close()
		return err
	}
	dst := w.path + CompressedExt
	out, err := w.fsys.OpenFile(dst+".tmp", os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		w.f.Close()
		return err
	}
	zw := lz4.NewWriter(out)
	if _, err := io.Copy(zw, w.f); err != nil {
		out.Close()
		w.f.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		out.Close()
		w.f.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		w.f.Close()
		return err
	}
	if err := out.Close(); err != nil {
		w.f.Close()
		return err
	}
	if err := w.f.Close(); err != nil {
		return err
	}
	if err := w.fsys.Remove(w.tmp); err != nil {
		return err
	}
	if err := w.fsys.Rename(dst+".tmp", dst); err != nil {
		return err
	}
	return fs.SyncDir(w.fsys, filepath.Dir(dst))
}
