package jobfn

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// EncodeArgs converts call arguments to JSON. Raw JSON passes through.
func EncodeArgs(args any) (json.RawMessage, error) {
	switch a := args.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if len(a) == 0 {
			return json.RawMessage("null"), nil
		}
		return a, nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode args: %w", err)
	}
	return data, nil
}

// Key derives the result key for one invocation. Equal identity, equal
// effective arguments and equal partition values always give the same key.
// Fields named in ignore are dropped from a top-level argument object first.
func Key(identity string, args json.RawMessage, ignore []string, partition []string) (string, error) {
	canonical, err := canonicalArgs(args, ignore)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	writeField := func(b []byte) {
		fmt.Fprintf(h, "%d:", len(b))
		h.Write(b)
	}
	writeField([]byte(identity))
	writeField(canonical)
	fmt.Fprintf(h, "%d;", len(partition))
	for _, p := range partition {
		writeField([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// canonicalArgs re-encodes args with sorted object keys and exact numbers.
func canonicalArgs(args json.RawMessage, ignore []string) ([]byte, error) {
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage("null")
	}
	dec := json.NewDecoder(bytes.NewReader(args))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}
	if obj, ok := v.(map[string]any); ok {
		for _, field := range ignore {
			delete(obj, field)
		}
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize args: %w", err)
	}
	return out, nil
}
