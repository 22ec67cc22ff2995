// Package schema loads, resolves, and validates the JSON Schema documents
// that constrain a replicant's value. It wraps
// github.com/google/jsonschema-go rather than rolling a bespoke validator:
// Load reads a schema file, ResolveRefs inlines every $ref against sibling
// files in the schema's bundle directory, and Digest produces the
// canonical-JSON SHA-256 (schemaSum) two replicants compare to decide
// whether they agree on shape before trusting each other's revisions.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/google/jsonschema-go/jsonschema"
)

// ErrSchemaLoadFailed wraps any failure reading, parsing, or resolving a
// schema file. Callers log it via zap and continue treating the replicant as
// unvalidated rather than failing the declare outright.
var ErrSchemaLoadFailed = errors.New("schema: load failed")

// Load reads the schema file at path and unmarshals it into a
// *jsonschema.Schema. It does not resolve $ref — call ResolveRefs for that.
func Load(path string) (*jsonschema.Schema, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrSchemaLoadFailed, path, err)
	}
	var s jsonschema.Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrSchemaLoadFailed, path, err)
	}
	return &s, nil
}

// ResolveRefs inlines every $ref in base against sibling files in dir,
// producing a *jsonschema.Resolved with no remaining external references.
// dir is the schema's bundle directory — the same directory Load read base
// from — so a $ref like "./common/layout.json#/definitions/Point" resolves
// relative to it.
func ResolveRefs(base *jsonschema.Schema, dir string) (*jsonschema.Resolved, error) {
	resolved, err := base.Resolve(&jsonschema.ResolveOptions{
		Loader: dirLoader(dir),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: resolving refs under %s: %v", ErrSchemaLoadFailed, dir, err)
	}
	return resolved, nil
}

// dirLoader returns a jsonschema.Loader that reads $ref targets relative to
// dir from the local filesystem, the shape the bundle layout used for
// replicant schemas expects: a schema file alongside whatever it $refs.
func dirLoader(dir string) func(uri string) (*jsonschema.Schema, error) {
	return func(uri string) (*jsonschema.Schema, error) {
		path := filepath.Join(dir, filepath.FromSlash(uri))
		return Load(path)
	}
}

// Digest canonicalizes resolved (sorted object keys, numbers re-encoded
// through strconv.FormatFloat with 'g'/-1 precision so 1.0 and 1 hash
// identically) and returns the hex-encoded SHA-256 over the canonical bytes.
// Two replicants with equal Digest output agree on schema shape even if the
// bytes of their source files differ — whitespace, key order, trailing
// zeros.
func Digest(resolved *jsonschema.Schema) (string, error) {
	raw, err := json.Marshal(resolved)
	if err != nil {
		return "", fmt.Errorf("schema: marshaling for digest: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("schema: decoding for canonicalization: %w", err)
	}
	canonical := canonicalize(generic)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:]), nil
}

// canonicalize renders v as JSON text with object keys sorted at every
// level and numbers normalized, independent of encoding/json's own
// (already-sorted, but not number-normalized) map output.
func canonicalize(v any) string {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := "{"
		for i, k := range keys {
			if i > 0 {
				out += ","
			}
			kb, _ := json.Marshal(k)
			out += string(kb) + ":" + canonicalize(val[k])
		}
		return out + "}"
	case []any:
		out := "["
		for i, item := range val {
			if i > 0 {
				out += ","
			}
			out += canonicalize(item)
		}
		return out + "]"
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case string:
		b, _ := json.Marshal(val)
		return string(b)
	case bool:
		if val {
			return "true"
		}
		return "false"
	case nil:
		return "null"
	default:
		b, _ := json.Marshal(val)
		return string(b)
	}
}
