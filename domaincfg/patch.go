package domaincfg

import "fmt"

type options struct {
	basin *int
}

// Option scopes a Patch or Get call.
type Option func(*options)

// InBasin scopes the key to the basin at index i instead of the document root.
func InBasin(i int) Option {
	return func(o *options) {
		o.basin = &i
	}
}

// Override is one key/value replacement, optionally scoped to a basin.
type Override struct {
	Key   string
	Value any
	Basin *int
}

func (o Override) String() string {
	if o.Basin == nil {
		return fmt.Sprintf("%s=%v", o.Key, o.Value)
	}
	return fmt.Sprintf("basin[%d].%s=%v", *o.Basin, o.Key, o.Value)
}

// Patch replaces the value of an existing key in the document at path and
// writes the document back. On error the file is left untouched.
func Patch(path, key string, value any, opts ...Option) error {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return PatchSet(path, []Override{{Key: key, Value: value, Basin: o.basin}})
}

// PatchSet applies overrides in order and writes the document once. Either
// every override is applied or the file is left untouched.
func PatchSet(path string, overrides []Override) error {
	doc, err := ReadDocument(path)
	if err != nil {
		return err
	}
	for _, ov := range overrides {
		if err := doc.Set(ov.Key, ov.Value, ov.Basin); err != nil {
			return fmt.Errorf("patch %s: %w", path, err)
		}
	}
	if err := doc.WriteFile(path); err != nil {
		return fmt.Errorf("patch %s: %w", path, err)
	}
	return nil
}

// Get reads the value stored under key in the document at path.
func Get(path, key string, opts ...Option) (any, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	doc, err := ReadDocument(path)
	if err != nil {
		return nil, err
	}
	return doc.Get(key, o.basin)
}
