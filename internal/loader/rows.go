package loader

import (
	"fmt"
	"strconv"
	"time"

	"entityql/internal/dbexec"
	"entityql/internal/schema"
)

// ScanRows reads every row into a map keyed by output column name. Values of
// columns known to e are normalized to their logical type; drivers hand back
// []byte for many types in text mode.
func ScanRows(rows dbexec.Rows, e *schema.Entity) ([]map[string]interface{}, error) {
	names, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var results []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(names))
		ptrs := make([]interface{}, len(names))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(names))
		for i, name := range names {
			var col *schema.Column
			if e != nil {
				if c, ok := e.Column(name); ok {
					col = &c
				}
			}
			row[name] = normalizeValue(col, values[i])
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

func normalizeValue(col *schema.Column, v interface{}) interface{} {
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	s := string(b)
	if col == nil {
		return s
	}
	switch col.Type {
	case schema.TypeInt:
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
	case schema.TypeFloat:
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	case schema.TypeBool:
		if bv, err := strconv.ParseBool(s); err == nil {
			return bv
		}
	}
	return s
}

// KeyString renders a key value so that equal keys of different Go types,
// such as int64(7) and []byte("7"), map to the same string.
func KeyString(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "\x00nil"
	case []byte:
		return string(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'g', -1, 64)
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}

func chunkValues(values []interface{}, max int) [][]interface{} {
	if len(values) == 0 {
		return nil
	}
	if max <= 0 || len(values) <= max {
		return [][]interface{}{values}
	}
	chunks := make([][]interface{}, 0, (len(values)+max-1)/max)
	for start := 0; start < len(values); start += max {
		end := start + max
		if end > len(values) {
			end = len(values)
		}
		chunks = append(chunks, values[start:end])
	}
	return chunks
}
