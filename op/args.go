package op

import (
	"encoding/json"
	"fmt"
)

// coerce converts o.Args — which may already be the concrete Args* struct
// (the common case for locally-originated operations) or a
// map[string]any/json.RawMessage (the common case after unmarshaling an
// inbound wire message) — into the requested shape via a JSON round trip.
func coerce[T any](args any) (T, error) {
	var zero T
	if typed, ok := args.(T); ok {
		return typed, nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return zero, fmt.Errorf("op: marshaling args: %w", err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, fmt.Errorf("op: decoding args into %T: %w", zero, err)
	}
	return out, nil
}

func toOverwriteArgs(a any) (ArgsOverwrite, error)  { return coerce[ArgsOverwrite](a) }
func toAddArgs(a any) (ArgsAdd, error)              { return coerce[ArgsAdd](a) }
func toUpdateArgs(a any) (ArgsUpdate, error)        { return coerce[ArgsUpdate](a) }
func toDeleteArgs(a any) (ArgsDelete, error)        { return coerce[ArgsDelete](a) }
func toSpliceArgs(a any) (ArgsSplice, error)        { return coerce[ArgsSplice](a) }
func toPushArgs(a any) (ArgsPush, error)            { return coerce[ArgsPush](a) }
func toCopyWithinArgs(a any) (ArgsCopyWithin, error) { return coerce[ArgsCopyWithin](a) }
func toFillArgs(a any) (ArgsFill, error)            { return coerce[ArgsFill](a) }
