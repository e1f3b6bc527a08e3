// Package gqlrequest decodes GraphQL HTTP payloads and derives the metadata
// middleware needs before execution: the selected operation, its shape and a
// stable hash of its canonical text.
package gqlrequest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
)

// Payload is the normalized body of a GraphQL HTTP request.
type Payload struct {
	Query         string
	OperationName string
	Variables     json.RawMessage
}

// Decode extracts the GraphQL payload from GET query parameters or a POST body
// and rewinds the body so the GraphQL handler can read it again.
func Decode(r *http.Request) (Payload, error) {
	if r == nil {
		return Payload{}, fmt.Errorf("request is nil")
	}

	if r.Method == http.MethodGet {
		q := r.URL.Query()
		p := Payload{Query: q.Get("query"), OperationName: q.Get("operationName")}
		if vars := q.Get("variables"); vars != "" {
			p.Variables = json.RawMessage(vars)
		}
		return p, nil
	}
	if r.Method != http.MethodPost || r.Body == nil {
		return Payload{}, nil
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return Payload{}, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	contentType := r.Header.Get("Content-Type")
	mediaType, _, parseErr := mime.ParseMediaType(contentType)
	if parseErr != nil {
		mediaType = strings.TrimSpace(contentType)
	}
	if mediaType == "application/graphql" {
		return Payload{Query: string(body)}, nil
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return Payload{}, nil
	}
	var raw struct {
		Query         string          `json:"query"`
		OperationName string          `json:"operationName"`
		Variables     json.RawMessage `json:"variables"`
	}
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return Payload{}, err
	}
	p := Payload{Query: raw.Query, OperationName: raw.OperationName}
	if len(raw.Variables) > 0 && !bytes.Equal(bytes.TrimSpace(raw.Variables), []byte("null")) {
		p.Variables = append(json.RawMessage(nil), raw.Variables...)
	}
	return p, nil
}
