// Package cursor encodes and decodes Relay-style connection cursors.
// Cursors are opaque base64-encoded JSON objects holding the row offset and
// the ordering context the offset is valid for.
package cursor

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

type payload struct {
	Version    int    `json:"v"`
	TypeName   string `json:"t"`
	OrderByKey string `json:"k"`
	Offset     int    `json:"o"`
}

// Encode builds an opaque cursor for the row at offset.
func Encode(typeName, orderByKey string, offset int) string {
	data, err := json.Marshal(payload{Version: 1, TypeName: typeName, OrderByKey: orderByKey, Offset: offset})
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(data)
}

// Decode parses a cursor and validates it against the expected query context.
func Decode(raw, typeName, orderByKey string) (int, error) {
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor: %w", err)
	}
	var p payload
	if err := json.Unmarshal(data, &p); err != nil || p.Version != 1 {
		return 0, fmt.Errorf("invalid cursor format")
	}
	if p.TypeName != typeName {
		return 0, fmt.Errorf("cursor type mismatch: expected %s, got %s", typeName, p.TypeName)
	}
	if p.OrderByKey != orderByKey {
		return 0, fmt.Errorf("cursor orderBy mismatch")
	}
	if p.Offset < 0 {
		return 0, fmt.Errorf("invalid cursor: negative offset")
	}
	return p.Offset, nil
}
