package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/toolbridge/toolbridge/pkg/contracts"
	"github.com/toolbridge/toolbridge/pkg/models"
)

func TestDo_RequestHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Write([]byte(`{"session_id":"sess-1"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "key-123")
	if _, err := c.CreateSession(context.Background(), contracts.SessionRequest{Scope: "user-1"}); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	if got.Get("X-API-Key") != "key-123" {
		t.Errorf("X-API-Key = %q", got.Get("X-API-Key"))
	}
	if got.Get("X-Request-Id") == "" {
		t.Error("X-Request-Id should carry a generated request id")
	}
	if got.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q", got.Get("Content-Type"))
	}
}

func TestCreateSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v3/sessions" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var req contracts.SessionRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Scope != "user-1" {
			t.Errorf("request scope = %q", req.Scope)
		}
		w.Write([]byte(`{"session_id":"sess-9","user_id":"user-1"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k")
	session, err := c.CreateSession(context.Background(), contracts.SessionRequest{
		Scope:       "user-1",
		AccountPins: map[string]string{"gmail": "acc-1"},
	})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if session.ID != "sess-9" || session.Scope != "user-1" {
		t.Errorf("session = %+v", session)
	}
	if session.AccountPins["gmail"] != "acc-1" {
		t.Errorf("pins = %v", session.AccountPins)
	}
}

func TestListSessionToolkits_MapsConnectionState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v3/sessions/sess-1/toolkits" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("cursor") != "p2" {
			t.Errorf("cursor = %q", r.URL.Query().Get("cursor"))
		}
		w.Write([]byte(`{
			"items": [
				{"slug": "GMail", "connection": {"is_active": true}},
				{"slug": "slack", "connection": {"is_active": false}}
			],
			"next_cursor": "p3"
		}`))
	}))
	defer srv.Close()

	page, err := NewClient(srv.URL, "k").ListSessionToolkits(context.Background(), "sess-1", "p2")
	if err != nil {
		t.Fatalf("ListSessionToolkits() error = %v", err)
	}
	if page.NextCursor != "p3" {
		t.Errorf("NextCursor = %q", page.NextCursor)
	}
	if len(page.Items) != 2 || page.Items[0].Slug != "gmail" || !page.Items[0].IsActive || page.Items[1].IsActive {
		t.Errorf("items = %+v", page.Items)
	}
}

func TestSearchConnectedAccounts_MapsAccounts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v3/connected_accounts/search" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["user_id"] != "user-1" {
			t.Errorf("user_id = %v", body["user_id"])
		}
		w.Write([]byte(`{
			"items": [
				{"id": "acc-1", "toolkit": "GMail", "user_id": "user-1", "status": "active"}
			]
		}`))
	}))
	defer srv.Close()

	page, err := NewClient(srv.URL, "k").SearchConnectedAccounts(context.Background(), contracts.AccountFilter{
		Scope:    "user-1",
		Toolkits: []string{"gmail"},
		Statuses: []models.AccountStatus{models.AccountStatusActive},
	})
	if err != nil {
		t.Fatalf("SearchConnectedAccounts() error = %v", err)
	}
	if len(page.Items) != 1 {
		t.Fatalf("items = %+v", page.Items)
	}
	a := page.Items[0]
	if a.Toolkit != "gmail" || a.Scope != "user-1" || a.Status != models.AccountStatusActive {
		t.Errorf("account = %+v, want normalized toolkit and uppercased status", a)
	}
}

func TestDecodeAPIError(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "nested envelope",
			body: `{"error": {"message": "No connected account found for entity ID default", "code": "NOT_FOUND"}}`,
			want: "No connected account found for entity ID default",
		},
		{
			name: "flat envelope",
			body: `{"message": "only allowed to access ` + "`@me`" + `"}`,
			want: "only allowed to access `@me`",
		},
		{
			name: "unparseable body",
			body: `upstream timeout`,
			want: "broker returned HTTP 502: upstream timeout",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := decodeAPIError(502, []byte(tt.body))
			if err.Error() != tt.want {
				t.Errorf("decodeAPIError() = %q, want %q", err.Error(), tt.want)
			}
		})
	}
}

func TestDo_SurfacesBrokerMessageVerbatim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": {"message": "Following fields are missing: {'owner'}"}}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "k").ExecuteMetaTool(context.Background(), "sess-1", "TOOLROUTER_MULTI_EXECUTE_TOOL", nil)
	if err == nil {
		t.Fatal("expected an error from the 400 response")
	}
	// Recovery heuristics upstream match on the exact broker text.
	if err.Error() != "Following fields are missing: {'owner'}" {
		t.Errorf("error = %q, want the broker message verbatim", err.Error())
	}
}

func TestDeleteConnectedAccount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/v3/connected_accounts/acc-1" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := NewClient(srv.URL, "k").DeleteConnectedAccount(context.Background(), "acc-1"); err != nil {
		t.Fatalf("DeleteConnectedAccount() error = %v", err)
	}
}
