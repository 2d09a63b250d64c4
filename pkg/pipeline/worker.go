package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
)

// Payload is the JSON-shaped context that flows between stages
type Payload = map[string]any

// StageWorker performs one stage invocation. Workers read and write blobs by
// reference and return only the scalar fields later stages need. They must
// not mutate input.
type StageWorker interface {
	Invoke(ctx context.Context, worker string, input Payload) (Payload, error)
}

// WorkerFunc adapts a function to StageWorker
type WorkerFunc func(ctx context.Context, worker string, input Payload) (Payload, error)

func (f WorkerFunc) Invoke(ctx context.Context, worker string, input Payload) (Payload, error) {
	return f(ctx, worker, input)
}

// NamedError is implemented by worker errors that carry an error type name,
// e.g. "Lambda.ServiceException". It becomes the Error field of history events.
type NamedError interface {
	error
	ErrorName() string
}

// mergePayload copies src into dst. Nested objects present on both sides are
// merged key by key so later stages can extend earlier configuration.
func mergePayload(dst, src Payload) {
	for k, v := range src {
		if sub, ok := v.(map[string]any); ok {
			if existing, ok := dst[k].(map[string]any); ok {
				merged := maps.Clone(existing)
				mergePayload(merged, sub)
				dst[k] = merged
				continue
			}
		}
		dst[k] = v
	}
}

// listItems reads a fan-out work list from the context
func listItems(pc Payload, key string) ([]any, error) {
	v, ok := pc[key]
	if !ok || v == nil {
		return nil, fmt.Errorf("context has no %q list", key)
	}
	switch list := v.(type) {
	case []any:
		return list, nil
	case []map[string]any:
		out := make([]any, len(list))
		for i, item := range list {
			out[i] = item
		}
		return out, nil
	}

	// Typed slices from in-process workers
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %q: %w", key, err)
	}
	var out []any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%q is not a list: %w", key, err)
	}
	return out, nil
}

func encodePayload(p Payload) (json.RawMessage, error) {
	if p == nil {
		p = Payload{}
	}
	return json.Marshal(p)
}

func decodePayload(raw []byte) (Payload, error) {
	p := Payload{}
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return p, nil
}
