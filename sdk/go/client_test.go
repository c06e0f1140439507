package rotasdk_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rotasdk "rotaguard/sdk/go"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestAcceptSendsBearerAndDecodesShift(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		writeJSON(w, http.StatusOK, map[string]any{
			"shift": map[string]any{"id": "sh-1", "staff_id": "staff-01", "shift_date": "2024-03-05", "status": "SCHEDULED"},
		})
	}))
	defer srv.Close()

	c := rotasdk.New(srv.URL + "/v1/")
	c.BearerToken = "tok"
	shift, err := c.Accept(context.Background(), "resp-1")
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "/v1/responses/resp-1/accept", gotPath)
	assert.Equal(t, "sh-1", shift.ID)
	assert.Equal(t, "2024-03-05", shift.ShiftDate)
}

func TestErrorEnvelopeBecomesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error": map[string]any{"code": "already_filled", "message": "alert is already filled", "details": map[string]any{"alert_id": "a-1", "secondary_code": "capacity_exceeded"}},
		})
	}))
	defer srv.Close()

	c := rotasdk.New(srv.URL)
	c.APIKey = "rk_test"
	_, err := c.Accept(context.Background(), "resp-2")
	require.Error(t, err)
	var apiErr *rotasdk.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "already_filled", apiErr.Code)
	assert.Equal(t, "a-1", apiErr.Details["alert_id"])
	assert.True(t, rotasdk.IsCode(err, "already_filled"))
	assert.True(t, rotasdk.IsCode(err, "capacity_exceeded"))
	assert.False(t, rotasdk.IsCode(err, "cancelled"))
}

func TestMyResponsesAndEventsQuery(t *testing.T) {
	var queries []string
	var apiKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries = append(queries, r.URL.Path+"?"+r.URL.RawQuery)
		apiKey = r.Header.Get("X-Api-Key")
		switch r.URL.Path {
		case "/me/responses":
			writeJSON(w, http.StatusOK, map[string]any{"items": []map[string]any{{"id": "r1", "alert_id": "a1", "response": "PENDING"}}})
		case "/events":
			writeJSON(w, http.StatusOK, map[string]any{"items": []map[string]any{{"id": 9, "type": "alert.created", "payload": map[string]any{"shortage": 1}}}, "next_cursor": "9"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := rotasdk.New(srv.URL)
	c.APIKey = "rk_test"
	items, err := c.MyResponses(context.Background(), "PENDING")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "a1", items[0].AlertID)
	assert.Equal(t, "rk_test", apiKey)

	page, err := c.EventsPage(context.Background(), 1, "12")
	require.NoError(t, err)
	assert.Equal(t, "9", page.NextCursor)
	require.Len(t, page.Items, 1)
	assert.Equal(t, float64(1), page.Items[0].Payload["shortage"])

	assert.Equal(t, []string{"/me/responses?response=PENDING", "/events?cursor=12&limit=1"}, queries)
}
