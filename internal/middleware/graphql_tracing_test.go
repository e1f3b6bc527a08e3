package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"entityql/internal/logging"
)

func setupTracing(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	old := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(old) })
	return recorder
}

func spanAttr(span sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestGraphQLTracingMiddleware_RecordsOperation(t *testing.T) {
	recorder := setupTracing(t)

	var traceLogged bool
	handler := GraphQLTracingMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceLogged = logging.FromContext(r.Context()) != nil
		w.WriteHeader(http.StatusAccepted)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), graphqlPost("query ListSchools { schools { id } }"))

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected one span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name() != "graphql.execute" {
		t.Fatalf("span name = %q", span.Name())
	}
	if v, ok := spanAttr(span, "graphql.operation.name"); !ok || v.AsString() != "ListSchools" {
		t.Fatalf("graphql.operation.name = %v", v.AsString())
	}
	if v, ok := spanAttr(span, "graphql.operation.type"); !ok || v.AsString() != "query" {
		t.Fatalf("graphql.operation.type = %v", v.AsString())
	}
	if v, ok := spanAttr(span, "http.response.status_code"); !ok || v.AsInt64() != http.StatusAccepted {
		t.Fatalf("http.response.status_code = %v", v.AsInt64())
	}
	if !traceLogged {
		t.Fatal("expected request logger in context")
	}
}

func TestGraphQLTracingMiddleware_SkipsEmptyQuery(t *testing.T) {
	recorder := setupTracing(t)

	handler := GraphQLTracingMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/graphql", nil))

	if n := len(recorder.Ended()); n != 0 {
		t.Fatalf("expected no spans, got %d", n)
	}
}

func TestGraphQLTracingMiddleware_MarksParseErrors(t *testing.T) {
	recorder := setupTracing(t)

	handler := GraphQLTracingMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	handler.ServeHTTP(httptest.NewRecorder(), graphqlPost("query {"))

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected one span, got %d", len(spans))
	}
	if spans[0].Status().Description == "" {
		t.Fatal("expected error status on unparsable operation")
	}
}
