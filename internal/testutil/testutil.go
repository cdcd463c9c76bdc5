// Package testutil provides common test utilities and fixtures for WaffleCafe tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/BTreeMap/WaffleCafe/internal/models"
	"github.com/BTreeMap/WaffleCafe/internal/store"
)

// TB is the subset of testing.TB the helpers need, so they can be exercised
// with a recording fake.
type TB interface {
	Helper()
	Errorf(format string, args ...any)
	Fatalf(format string, args ...any)
}

// Monday is 2026-03-02 00:00 UTC, the reference week used by fixtures.
var Monday = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

// FixedClock returns a clock that always reports t.
func FixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes the envelope and validates its status field.
func AssertJSONResponse(t TB, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
		return nil
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Errorf("response missing or invalid 'status' field")
	}

	return response
}

// DecodeResult decodes the result field of an envelope into target.
func DecodeResult(t TB, rr *httptest.ResponseRecorder, target interface{}) models.APIResponse {
	t.Helper()
	var raw struct {
		Status  string          `json:"status"`
		Message string          `json:"message"`
		Result  json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &raw); err != nil {
		t.Fatalf("failed to decode JSON response %q: %v", rr.Body.String(), err)
		return models.APIResponse{}
	}
	if target != nil && len(raw.Result) > 0 {
		if err := json.Unmarshal(raw.Result, target); err != nil {
			t.Fatalf("failed to decode result %s: %v", raw.Result, err)
		}
	}
	return models.APIResponse{Status: raw.Status, Message: raw.Message}
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t TB, method, url string, body interface{}) *http.Request {
	t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		reqBody = bytes.NewBuffer(MustMarshalJSON(t, body))
	}
	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
		return nil
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// AssertReceiptCount validates the number of receipts in the store.
func AssertReceiptCount(t TB, st store.Store, expected int, context string) {
	t.Helper()
	receipts, err := st.GetReceipts()
	if err != nil {
		t.Fatalf("%s: failed to get receipts: %v", context, err)
		return
	}
	if len(receipts) != expected {
		t.Errorf("%s: expected %d receipts, got %d", context, expected, len(receipts))
	}
}

// SeedUsers stores a user with the default preference for every id.
func SeedUsers(t TB, st store.Store, ids ...string) {
	t.Helper()
	for _, id := range ids {
		u := models.User{ID: id, Name: id, Preference: models.DefaultPreference()}
		if err := st.SaveUser(u); err != nil {
			t.Fatalf("failed to seed user %s: %v", id, err)
		}
	}
}

// SeedFriends stores an accepted relation in both directions.
func SeedFriends(t TB, st store.Store, a, b string) {
	t.Helper()
	for _, pair := range [][2]string{{a, b}, {b, a}} {
		f := models.Friend{UserID: pair[0], FriendID: pair[1], Status: models.FriendAccepted, CreatedAt: Monday, UpdatedAt: Monday}
		if err := st.SaveFriend(f); err != nil {
			t.Fatalf("failed to seed friends %s/%s: %v", pair[0], pair[1], err)
		}
	}
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t TB, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t TB, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}

// MustReadAll reads and closes the body of req.
func MustReadAll(t TB, req *http.Request) []byte {
	t.Helper()
	if req.Body == nil {
		return nil
	}
	defer req.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(req.Body); err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	return buf.Bytes()
}
