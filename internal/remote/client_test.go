package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"
)

func newTestClient(t *testing.T) (*Client, *MockServer) {
	t.Helper()
	srv := NewMockServer()
	t.Cleanup(srv.Close)
	return New(srv.URL, "test-token"), srv
}

func TestInsert(t *testing.T) {
	client, srv := newTestClient(t)

	created, err := client.Insert(context.Background(), "expenses", json.RawMessage(`{"amount":42,"category":"food"}`))
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	id, err := RecordID(created)
	if err != nil {
		t.Fatalf("RecordID failed: %v", err)
	}
	if id == "" {
		t.Fatal("created record has no server id")
	}

	fields := srv.Get("expenses", id)
	if fields == nil {
		t.Fatalf("record %s not stored on server", id)
	}
	if fields["amount"] != float64(42) {
		t.Errorf("stored amount = %v, want 42", fields["amount"])
	}
}

func TestUpdate(t *testing.T) {
	client, srv := newTestClient(t)
	srv.Seed("expenses", "srv-1", map[string]interface{}{"amount": float64(10), "category": "food"}, time.Now())

	updated, err := client.Update(context.Background(), "expenses", "srv-1", json.RawMessage(`{"amount":15}`))
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(updated, &fields); err != nil {
		t.Fatalf("failed to decode update response: %v", err)
	}
	if fields["amount"] != float64(15) {
		t.Errorf("updated amount = %v, want 15", fields["amount"])
	}
	if fields["category"] != "food" {
		t.Errorf("category = %v, want untouched %q", fields["category"], "food")
	}
}

func TestUpdateNotFound(t *testing.T) {
	client, _ := newTestClient(t)

	_, err := client.Update(context.Background(), "expenses", "missing", json.RawMessage(`{"amount":1}`))
	if err == nil {
		t.Fatal("Update of missing record expected error, got nil")
	}
	if !IsNotFound(err) {
		t.Errorf("error not classified as NotFound: %v", err)
	}
	if IsRetryable(err) {
		t.Errorf("NotFound must not be retryable: %v", err)
	}
}

func TestDelete(t *testing.T) {
	client, srv := newTestClient(t)
	srv.Seed("expenses", "srv-1", map[string]interface{}{"amount": float64(1)}, time.Now())

	if err := client.Delete(context.Background(), "expenses", "srv-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if srv.Get("expenses", "srv-1") != nil {
		t.Error("record still on server after delete")
	}

	err := client.Delete(context.Background(), "expenses", "srv-1")
	if err == nil {
		t.Fatal("second delete expected NotFound error, got nil")
	}
	if !IsNotFound(err) {
		t.Errorf("second delete error not NotFound: %v", err)
	}
}

func TestListSince(t *testing.T) {
	client, srv := newTestClient(t)
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	srv.Seed("expenses", "srv-1", map[string]interface{}{"amount": float64(1)}, base.Add(-time.Hour))
	srv.Seed("expenses", "srv-2", map[string]interface{}{"amount": float64(2)}, base)
	srv.Seed("expenses", "srv-3", map[string]interface{}{"amount": float64(3)}, base.Add(time.Hour))

	tests := []struct {
		name  string
		since string
		limit int
		want  int
	}{
		{name: "unbounded", since: "", limit: 100, want: 3},
		{name: "inclusive boundary", since: base.Format(time.RFC3339Nano), limit: 100, want: 2},
		{name: "after newest", since: base.Add(2 * time.Hour).Format(time.RFC3339Nano), limit: 100, want: 0},
		{name: "limited", since: "", limit: 1, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, err := client.ListSince(context.Background(), "expenses", tt.since, tt.limit)
			if err != nil {
				t.Fatalf("ListSince failed: %v", err)
			}
			if len(records) != tt.want {
				t.Errorf("got %d records, want %d", len(records), tt.want)
			}
		})
	}
}

func TestPing(t *testing.T) {
	client, srv := newTestClient(t)

	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	srv.FailNext(1, http.StatusServiceUnavailable)
	if err := client.Ping(context.Background()); err == nil {
		t.Error("Ping expected error while remote failing, got nil")
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
		notFound  bool
	}{
		{
			name:      "server error",
			err:       &APIError{StatusCode: http.StatusInternalServerError},
			retryable: true,
		},
		{
			name:      "service unavailable",
			err:       &APIError{StatusCode: http.StatusServiceUnavailable},
			retryable: true,
		},
		{
			name: "validation rejection",
			err:  &APIError{StatusCode: http.StatusUnprocessableEntity},
		},
		{
			name: "permission rejection",
			err:  &APIError{StatusCode: http.StatusForbidden},
		},
		{
			name:     "not found",
			err:      &APIError{StatusCode: http.StatusNotFound},
			notFound: true,
		},
		{
			name:      "transport error",
			err:       errors.New("dial tcp: connection refused"),
			retryable: true,
		},
		{
			name:      "wrapped server error",
			err:       &wrapErr{&APIError{StatusCode: http.StatusBadGateway}},
			retryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable = %v, want %v", got, tt.retryable)
			}
			if got := IsNotFound(tt.err); got != tt.notFound {
				t.Errorf("IsNotFound = %v, want %v", got, tt.notFound)
			}
		})
	}
}

type wrapErr struct{ inner error }

func (w *wrapErr) Error() string { return "wrapped: " + w.inner.Error() }
func (w *wrapErr) Unwrap() error { return w.inner }

func TestRecordID(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "valid", raw: `{"id":"srv-1","amount":2}`, want: "srv-1"},
		{name: "missing id", raw: `{"amount":2}`, wantErr: true},
		{name: "empty id", raw: `{"id":""}`, wantErr: true},
		{name: "malformed", raw: `not json`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RecordID(json.RawMessage(tt.raw))
			if tt.wantErr {
				if err == nil {
					t.Errorf("RecordID(%q) expected error, got %q", tt.raw, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("RecordID(%q) unexpected error: %v", tt.raw, err)
			}
			if got != tt.want {
				t.Errorf("RecordID(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}
