// Package nodeid encodes and decodes Relay-style global node IDs and coerces
// loosely typed input values to the Go type a column expects.
package nodeid

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"

	"entityql/internal/schema"
)

const (
	dateLayout = "2006-01-02"
)

// Encode marshals the type name and primary key value into a base64-encoded JSON array.
func Encode(typeName string, pk interface{}) string {
	if u, ok := pk.(uuid.UUID); ok {
		pk = u.String()
	}
	data, err := json.Marshal([]interface{}{typeName, pk})
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(data)
}

// Decode parses a node ID and returns the type name and raw primary key value.
// Integers decode as json.Number so large keys keep their precision.
func Decode(nodeID string) (string, interface{}, error) {
	raw, err := base64.StdEncoding.DecodeString(nodeID)
	if err != nil {
		return "", nil, fmt.Errorf("invalid id: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var payload []interface{}
	if err := dec.Decode(&payload); err != nil {
		return "", nil, fmt.Errorf("invalid id: %w", err)
	}
	if len(payload) != 2 {
		return "", nil, errors.New("invalid id: expected type name and primary key value")
	}
	typeName, ok := payload[0].(string)
	if !ok || typeName == "" {
		return "", nil, errors.New("invalid id: missing type name")
	}
	return typeName, payload[1], nil
}

// ParseValue converts a decoded JSON or GraphQL input value into the Go type
// expected by col.
func ParseValue(col schema.Column, raw interface{}) (interface{}, error) {
	if raw == nil {
		return nil, fmt.Errorf("missing value for %s", col.Name)
	}

	switch col.Type {
	case schema.TypeInt:
		switch v := raw.(type) {
		case json.Number:
			parsed, err := v.Int64()
			if err != nil {
				return nil, fmt.Errorf("invalid integer value for %s", col.Name)
			}
			return parsed, nil
		case float64:
			if v != math.Trunc(v) {
				return nil, fmt.Errorf("invalid integer value for %s", col.Name)
			}
			return int64(v), nil
		case int:
			return int64(v), nil
		case int32:
			return int64(v), nil
		case int64:
			return v, nil
		case string:
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid integer value for %s", col.Name)
			}
			return parsed, nil
		default:
			return nil, fmt.Errorf("invalid integer value for %s", col.Name)
		}
	case schema.TypeFloat:
		switch v := raw.(type) {
		case json.Number:
			return v.Float64()
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case string:
			parsed, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid float value for %s", col.Name)
			}
			return parsed, nil
		default:
			return nil, fmt.Errorf("invalid float value for %s", col.Name)
		}
	case schema.TypeBool:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			parsed, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("invalid boolean value for %s", col.Name)
			}
			return parsed, nil
		default:
			return nil, fmt.Errorf("invalid boolean value for %s", col.Name)
		}
	case schema.TypeUUID:
		switch v := raw.(type) {
		case uuid.UUID:
			return v.String(), nil
		case string:
			parsed, err := uuid.Parse(v)
			if err != nil {
				return nil, fmt.Errorf("invalid uuid value for %s", col.Name)
			}
			return parsed.String(), nil
		case []byte:
			parsed, err := uuid.ParseBytes(v)
			if err != nil {
				return nil, fmt.Errorf("invalid uuid value for %s", col.Name)
			}
			return parsed.String(), nil
		default:
			return nil, fmt.Errorf("invalid uuid value for %s", col.Name)
		}
	case schema.TypeDate:
		switch v := raw.(type) {
		case time.Time:
			return v, nil
		case string:
			if parsed, err := time.Parse(dateLayout, v); err == nil {
				return parsed, nil
			}
			if parsed, err := time.Parse(time.RFC3339Nano, v); err == nil {
				return time.Date(parsed.Year(), parsed.Month(), parsed.Day(), 0, 0, 0, 0, time.UTC), nil
			}
			return nil, fmt.Errorf("invalid date value for %s", col.Name)
		default:
			return nil, fmt.Errorf("invalid date value for %s", col.Name)
		}
	case schema.TypeDateTime:
		switch v := raw.(type) {
		case time.Time:
			return v, nil
		case string:
			if parsed, err := time.Parse(time.RFC3339Nano, v); err == nil {
				return parsed, nil
			}
			return nil, fmt.Errorf("invalid datetime value for %s", col.Name)
		default:
			return nil, fmt.Errorf("invalid datetime value for %s", col.Name)
		}
	default:
		switch v := raw.(type) {
		case string:
			return v, nil
		case []byte:
			return string(v), nil
		case json.Number:
			return v.String(), nil
		default:
			return nil, fmt.Errorf("invalid value for %s", col.Name)
		}
	}
}
