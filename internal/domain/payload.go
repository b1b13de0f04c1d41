package domain

import (
	"encoding/json"
	"fmt"
)

// Payload carries ordered arguments and named options for a handler.
// The scheduler never looks inside.
type Payload struct {
	Args    []json.RawMessage          `json:"args,omitempty"`
	Options map[string]json.RawMessage `json:"options,omitempty"`
}

func NewPayload(args []any, opts map[string]any) (Payload, error) {
	var p Payload
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return Payload{}, fmt.Errorf("encode arg %d: %w", i, err)
		}
		p.Args = append(p.Args, b)
	}
	for name, v := range opts {
		if v == nil {
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			return Payload{}, fmt.Errorf("encode option %s: %w", name, err)
		}
		if p.Options == nil {
			p.Options = make(map[string]json.RawMessage)
		}
		p.Options[name] = b
	}
	return p, nil
}

// MustPayload is NewPayload for values known to encode.
func MustPayload(args []any, opts map[string]any) Payload {
	p, err := NewPayload(args, opts)
	if err != nil {
		panic(err)
	}
	return p
}

// Arg decodes the i-th argument into v.
func (p Payload) Arg(i int, v any) error {
	if i < 0 || i >= len(p.Args) {
		return fmt.Errorf("missing argument %d", i)
	}
	if err := json.Unmarshal(p.Args[i], v); err != nil {
		return fmt.Errorf("argument %d: %w", i, err)
	}
	return nil
}

// Option decodes a named option into v. It reports false when the option is absent.
func (p Payload) Option(name string, v any) (bool, error) {
	raw, ok := p.Options[name]
	if !ok || string(raw) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("option %s: %w", name, err)
	}
	return true, nil
}
