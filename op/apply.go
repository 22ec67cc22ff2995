package op

import (
	"errors"
	"fmt"
)

// ErrUnknownOperation is returned by Apply when an Operation carries a
// Method this package does not recognize. The caller must abort the whole
// batch containing it without partially applying any of it.
var ErrUnknownOperation = errors.New("op: unknown operation method")

// Apply applies a single Operation to value and returns the resulting tree.
// Apply never mutates value's descendants in place for map/slice containers
// it touches directly — it returns a new container at each level on the
// path from root to the edited node, so a caller that still holds a
// reference to the pre-Apply value sees the unmodified original. Apply is
// pure: given the same (value, operation) it always produces the same
// result or the same error.
func Apply(value any, o Operation) (any, error) {
	if !o.Method.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, o.Method)
	}

	segments, err := PathSegments(o.Path)
	if err != nil {
		return nil, err
	}

	if o.Method == Overwrite {
		args, err := toOverwriteArgs(o.Args)
		if err != nil {
			return nil, err
		}
		if len(segments) == 0 {
			return args.NewValue, nil
		}
		return setAtPath(value, segments, args.NewValue)
	}

	container, err := navigate(value, segments)
	if err != nil {
		return nil, err
	}

	newContainer, err := applyToContainer(container, o)
	if err != nil {
		return nil, err
	}

	if len(segments) == 0 {
		return newContainer, nil
	}
	return setAtPath(value, segments, newContainer)
}

// Navigate walks value down to the node addressed by path, which must be a
// slash-delimited path as produced by JoinPath/accepted by PathSegments.
// It is exported so mutate.Tracker can resolve a container before deciding
// whether a Set targets a new or existing key.
func Navigate(value any, path string) (any, error) {
	segments, err := PathSegments(path)
	if err != nil {
		return nil, err
	}
	return navigate(value, segments)
}

// navigate walks value down to the container addressed by segments.
func navigate(value any, segments []string) (any, error) {
	cur := value
	for _, seg := range segments {
		switch c := cur.(type) {
		case map[string]any:
			next, ok := c[seg]
			if !ok {
				return nil, fmt.Errorf("op: path segment %q not found", seg)
			}
			cur = next
		case []any:
			idx, err := parseIndex(seg, len(c))
			if err != nil {
				return nil, err
			}
			cur = c[idx]
		default:
			return nil, fmt.Errorf("op: cannot descend into %T at segment %q", cur, seg)
		}
	}
	return cur, nil
}

// setAtPath returns a copy of value with the container addressed by
// segments replaced by newChild. Intermediate maps/slices on the path are
// shallow-copied so the original tree is left untouched.
func setAtPath(value any, segments []string, newChild any) (any, error) {
	if len(segments) == 0 {
		return newChild, nil
	}
	head, rest := segments[0], segments[1:]

	switch c := value.(type) {
	case map[string]any:
		cp := make(map[string]any, len(c))
		for k, v := range c {
			cp[k] = v
		}
		if len(rest) == 0 {
			cp[head] = newChild
			return cp, nil
		}
		child, ok := cp[head]
		if !ok {
			return nil, fmt.Errorf("op: path segment %q not found", head)
		}
		updated, err := setAtPath(child, rest, newChild)
		if err != nil {
			return nil, err
		}
		cp[head] = updated
		return cp, nil
	case []any:
		idx, err := parseIndex(head, len(c))
		if err != nil {
			return nil, err
		}
		cp := make([]any, len(c))
		copy(cp, c)
		if len(rest) == 0 {
			cp[idx] = newChild
			return cp, nil
		}
		updated, err := setAtPath(cp[idx], rest, newChild)
		if err != nil {
			return nil, err
		}
		cp[idx] = updated
		return cp, nil
	default:
		return nil, fmt.Errorf("op: cannot descend into %T at segment %q", value, head)
	}
}

func parseIndex(seg string, length int) (int, error) {
	var idx int
	if _, err := fmt.Sscanf(seg, "%d", &idx); err != nil {
		return 0, fmt.Errorf("op: array index segment %q is not numeric", seg)
	}
	if idx < 0 || idx >= length {
		return 0, fmt.Errorf("op: array index %d out of range [0,%d)", idx, length)
	}
	return idx, nil
}

// applyToContainer applies the method-specific mutation to the container the
// operation's path resolved to, returning the new container value.
func applyToContainer(container any, o Operation) (any, error) {
	switch o.Method {
	case Add:
		args, err := toAddArgs(o.Args)
		if err != nil {
			return nil, err
		}
		m, ok := container.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("op: add target is %T, want object", container)
		}
		if _, exists := m[args.Prop]; exists {
			return nil, fmt.Errorf("op: add target already has property %q", args.Prop)
		}
		cp := make(map[string]any, len(m)+1)
		for k, v := range m {
			cp[k] = v
		}
		cp[args.Prop] = args.NewValue
		return cp, nil

	case Update:
		args, err := toUpdateArgs(o.Args)
		if err != nil {
			return nil, err
		}
		m, ok := container.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("op: update target is %T, want object", container)
		}
		if _, exists := m[args.Prop]; !exists {
			return nil, fmt.Errorf("op: update target missing property %q", args.Prop)
		}
		cp := make(map[string]any, len(m))
		for k, v := range m {
			cp[k] = v
		}
		cp[args.Prop] = args.NewValue
		return cp, nil

	case Delete:
		args, err := toDeleteArgs(o.Args)
		if err != nil {
			return nil, err
		}
		m, ok := container.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("op: delete target is %T, want object", container)
		}
		if _, exists := m[args.Prop]; !exists {
			return nil, fmt.Errorf("op: delete target missing property %q", args.Prop)
		}
		cp := make(map[string]any, len(m))
		for k, v := range m {
			if k != args.Prop {
				cp[k] = v
			}
		}
		return cp, nil

	case ArraySplice:
		args, err := toSpliceArgs(o.Args)
		if err != nil {
			return nil, err
		}
		arr, ok := container.([]any)
		if !ok {
			return nil, fmt.Errorf("op: array:splice target is %T, want array", container)
		}
		return spliceArray(arr, args.Start, args.DeleteCount, args.Items), nil

	case ArrayPush:
		args, err := toPushArgs(o.Args)
		if err != nil {
			return nil, err
		}
		arr, ok := container.([]any)
		if !ok {
			return nil, fmt.Errorf("op: array:push target is %T, want array", container)
		}
		out := make([]any, 0, len(arr)+len(args.Items))
		out = append(out, arr...)
		out = append(out, args.Items...)
		return out, nil

	case ArrayUnshift:
		args, err := toPushArgs(o.Args)
		if err != nil {
			return nil, err
		}
		arr, ok := container.([]any)
		if !ok {
			return nil, fmt.Errorf("op: array:unshift target is %T, want array", container)
		}
		out := make([]any, 0, len(arr)+len(args.Items))
		out = append(out, args.Items...)
		out = append(out, arr...)
		return out, nil

	case ArrayPop:
		arr, ok := container.([]any)
		if !ok {
			return nil, fmt.Errorf("op: array:pop target is %T, want array", container)
		}
		if len(arr) == 0 {
			return arr, nil
		}
		out := make([]any, len(arr)-1)
		copy(out, arr[:len(arr)-1])
		return out, nil

	case ArrayShift:
		arr, ok := container.([]any)
		if !ok {
			return nil, fmt.Errorf("op: array:shift target is %T, want array", container)
		}
		if len(arr) == 0 {
			return arr, nil
		}
		out := make([]any, len(arr)-1)
		copy(out, arr[1:])
		return out, nil

	case ArrayReverse:
		arr, ok := container.([]any)
		if !ok {
			return nil, fmt.Errorf("op: array:reverse target is %T, want array", container)
		}
		out := make([]any, len(arr))
		for i, v := range arr {
			out[len(arr)-1-i] = v
		}
		return out, nil

	case ArraySort:
		arr, ok := container.([]any)
		if !ok {
			return nil, fmt.Errorf("op: array:sort target is %T, want array", container)
		}
		return sortArray(arr), nil

	case ArrayCopyWithin:
		args, err := toCopyWithinArgs(o.Args)
		if err != nil {
			return nil, err
		}
		arr, ok := container.([]any)
		if !ok {
			return nil, fmt.Errorf("op: array:copyWithin target is %T, want array", container)
		}
		return copyWithin(arr, args.Target, args.Start, args.End), nil

	case ArrayFill:
		args, err := toFillArgs(o.Args)
		if err != nil {
			return nil, err
		}
		arr, ok := container.([]any)
		if !ok {
			return nil, fmt.Errorf("op: array:fill target is %T, want array", container)
		}
		return fillArray(arr, args.Value, args.Start, args.End), nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, o.Method)
}
