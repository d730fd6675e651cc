package dataset

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"io"
	"io/ioutil"
	"os"
	"syscall"

	goerrors "github.com/go-errors/errors"
	"github.com/polyglot-mt/polyglot/errors"
)

// indexedExt is the on-disk extension of indexed corpora: gzipped JSON lines,
// one row per example.
const indexedExt = ".json.gz"

type indexedRow struct {
	Tokens []int32 `json:"tokens"`
}

// Indexed is an in-memory indexed corpus of token sequences with
// per-example sizes.
type Indexed struct {
	rows  [][]int32
	sizes []int
}

// Exists reports whether an indexed corpus exists at path (path is the file
// prefix, without extension).
func Exists(path string) bool {
	_, err := os.Stat(path + indexedExt)
	return err == nil
}

// LoadIndexed reads the corpus at path (file prefix, without extension).
func LoadIndexed(path string) (*Indexed, error) {
	f, err := os.Open(path + indexedExt)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open indexed dataset %s", path+indexedExt)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read %s", path+indexedExt)
	}
	defer gz.Close()

	var idx Indexed
	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 0, 1<<16), 1<<24)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var row indexedRow
		if err := json.Unmarshal(line, &row); err != nil {
			return nil, errors.Wrapf(err, "malformed row %d in %s", len(idx.rows), path+indexedExt)
		}
		idx.rows = append(idx.rows, row.Tokens)
		idx.sizes = append(idx.sizes, len(row.Tokens))
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "error scanning %s", path+indexedExt)
	}
	return &idx, nil
}

// Len ...
func (x *Indexed) Len() int { return len(x.rows) }

// Row returns the token sequence at i.
func (x *Indexed) Row(i int) []int32 { return x.rows[i] }

// Sizes returns the per-example lengths.
func (x *Indexed) Sizes() []int { return x.sizes }

// Writer writes an indexed corpus, buffering rows and flushing them through a
// temp file so readers never observe a partially written corpus.
type Writer struct {
	path string
	rows []indexedRow
}

// NewWriter returns a Writer for path (file prefix, without extension).
func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

// Write appends one example.
func (w *Writer) Write(tokens []int32) {
	w.rows = append(w.rows, indexedRow{Tokens: tokens})
}

// Flush writes all buffered rows and atomically moves the file into place.
func (w *Writer) Flush() error {
	tmpfile, err := ioutil.TempFile("", "indexedwriter")
	if err != nil {
		return err
	}

	gz := gzip.NewWriter(tmpfile)
	for _, row := range w.rows {
		buf, err := json.Marshal(row)
		if err != nil {
			return err
		}
		buf = append(buf, byte('\n'))
		if _, err := gz.Write(buf); err != nil {
			return err
		}
	}

	if err := gz.Close(); err != nil {
		return err
	}
	if err := tmpfile.Close(); err != nil {
		return err
	}

	fn := w.path + indexedExt
	err = os.Rename(tmpfile.Name(), fn)
	if err != nil {
		// You need to copy if source and destination are not in the same partition
		if terr, ok := err.(*os.LinkError); ok && terr.Err == syscall.EXDEV {
			err = copyFile(tmpfile.Name(), fn)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func copyFile(source, target string) error {
	sourceFileStat, err := os.Stat(source)
	if err != nil {
		return err
	}

	if !sourceFileStat.Mode().IsRegular() {
		return goerrors.Errorf("%s is not a regular file", source)
	}

	src, err := os.Open(source)
	if err != nil {
		return err
	}
	defer src.Close()

	destination, err := os.Create(target)
	if err != nil {
		return err
	}
	defer destination.Close()
	_, err = io.Copy(destination, src)
	return err
}
