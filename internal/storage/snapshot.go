package storage

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/coffersTech/hotlog/internal/engine"
)

// MagicHeader starts every cache snapshot file.
var MagicHeader = []byte("HOTSNAP1")

var ErrInvalidHeader = errors.New("invalid snapshot header")

// WriteSnapshot stores entries as zstd-compressed JSON lines. The file is
// written beside path and renamed into place.
func WriteSnapshot(path string, entries []engine.CacheEntry) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := writeEntries(f, entries); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func writeEntries(f *os.File, entries []engine.CacheEntry) error {
	if _, err := f.Write(MagicHeader); err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		return err
	}
	je := json.NewEncoder(enc)
	for i := range entries {
		if err := je.Encode(&entries[i]); err != nil {
			enc.Close()
			return fmt.Errorf("encode entry %d: %w", i, err)
		}
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return f.Sync()
}

// ReadSnapshot loads entries written by WriteSnapshot. A missing file is
// not an error and yields no entries.
func ReadSnapshot(path string) ([]engine.CacheEntry, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	header := make([]byte, len(MagicHeader))
	if _, err := io.ReadFull(br, header); err != nil || !bytes.Equal(header, MagicHeader) {
		return nil, ErrInvalidHeader
	}

	dec, err := zstd.NewReader(br)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var entries []engine.CacheEntry
	jd := json.NewDecoder(dec)
	for {
		var e engine.CacheEntry
		err := jd.Decode(&e)
		if errors.Is(err, io.EOF) {
			return entries, nil
		}
		if err != nil {
			return entries, fmt.Errorf("decode snapshot entry %d: %w", len(entries), err)
		}
		entries = append(entries, e)
	}
}
