// Package domaincfg reads, patches and writes the JSON configuration documents
// consumed by the watershed pipeline: the domain document and the basin list.
//
// Two APIs are provided. Patch and PatchSet address values by string key and
// rewrite the file in place; they back the CLI and user-supplied overrides.
// Domain and Basin are typed, immutable views used when staging a run.
package domaincfg

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// BasinsKey is the key holding the basin array inside a domain document.
const BasinsKey = "aBasin"

// Document is a decoded JSON configuration document. The root is either an
// object (domain document) or an array of objects (basin list).
type Document struct {
	root any
}

// ParseDocument decodes a document. Numbers are kept as json.Number so that
// integers round-trip without float formatting.
func ParseDocument(data []byte) (*Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var root any
	if err := dec.Decode(&root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	switch root.(type) {
	case map[string]any, []any:
	default:
		return nil, fmt.Errorf("%w: root must be an object or array", ErrInvalidDocument)
	}
	return &Document{root: root}, nil
}

// ReadDocument loads and decodes the document at path.
func ReadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	doc, err := ParseDocument(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// Bytes encodes the document with two-space indentation.
func (d *Document) Bytes() ([]byte, error) {
	data, err := json.MarshalIndent(d.root, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	return append(data, '\n'), nil
}

// WriteFile encodes the document and replaces path with it.
func (d *Document) WriteFile(path string) error {
	data, err := d.Bytes()
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

// Get returns the value stored under key, at the root or inside the basin at
// basin when basin is non-nil.
func (d *Document) Get(key string, basin *int) (any, error) {
	scope, err := d.scope(basin)
	if err != nil {
		return nil, err
	}
	v, ok := scope[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, describe(key, basin))
	}
	return v, nil
}

// Set replaces the value stored under key. The key must already exist and the
// new value must have the same JSON kind as the old one, unless the old value
// is null.
func (d *Document) Set(key string, value any, basin *int) error {
	scope, err := d.scope(basin)
	if err != nil {
		return err
	}
	old, ok := scope[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, describe(key, basin))
	}

	normalized, err := normalize(value)
	if err != nil {
		return err
	}
	if old != nil && kindOf(old) != kindOf(normalized) {
		return fmt.Errorf("%w: %s is %s, got %s", ErrTypeMismatch, describe(key, basin), kindOf(old), kindOf(normalized))
	}

	scope[key] = normalized
	return nil
}

func (d *Document) scope(basin *int) (map[string]any, error) {
	if basin == nil {
		obj, ok := d.root.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: root is not an object", ErrInvalidDocument)
		}
		return obj, nil
	}

	basins, err := d.basins()
	if err != nil {
		return nil, err
	}
	i := *basin
	if i < 0 || i >= len(basins) {
		return nil, fmt.Errorf("%w: index %d, %d basins", ErrIndexOutOfRange, i, len(basins))
	}
	obj, ok := basins[i].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: basin %d is not an object", ErrInvalidDocument, i)
	}
	return obj, nil
}

func (d *Document) basins() ([]any, error) {
	switch root := d.root.(type) {
	case []any:
		return root, nil
	case map[string]any:
		if arr, ok := root[BasinsKey].([]any); ok {
			return arr, nil
		}
	}
	return nil, ErrNotBasinCollection
}

func describe(key string, basin *int) string {
	if basin == nil {
		return fmt.Sprintf("%q", key)
	}
	return fmt.Sprintf("%q in basin %d", key, *basin)
}

// normalize converts a Go value into the representation produced by
// ParseDocument so kinds compare consistently.
func normalize(value any) (any, error) {
	switch v := value.(type) {
	case nil, string, bool, json.Number:
		return v, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return out, nil
}

func kindOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "bool"
	case json.Number:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// ParseValue interprets s as a JSON literal, falling back to a plain string.
// "12" becomes a number, "true" a bool and "/data/dem.tif" a string.
func ParseValue(s string) any {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return s
	}
	return v
}

// writeFileAtomic writes data to a temp file next to path and renames it over
// path, keeping the original mode when the file already exists. An existing
// file must be writable; the rename would otherwise replace a read-only
// document.
func writeFileAtomic(path string, data []byte) error {
	mode := os.FileMode(0644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
		if err := checkWritable(path, mode); err != nil {
			return err
		}
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

func checkWritable(path string, mode os.FileMode) error {
	if mode&0222 == 0 {
		return &fs.PathError{Op: "write", Path: path, Err: fs.ErrPermission}
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	return f.Close()
}
