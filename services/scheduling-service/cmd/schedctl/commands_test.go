package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestScheduleSetSendsOnlyChangedFlags(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/v1/providers/dr-amin/schedule", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"provider_id":"dr-amin","slot_duration_minutes":20}`))
	}))
	defer srv.Close()

	out, err := runCmd(t, "--base-url", srv.URL, "schedule", "set", "dr-amin", "--slot-minutes", "20", "--breaks")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"slot_duration_minutes": float64(20), "wants_breaks": true}, got)
	assert.Contains(t, out, `"provider_id": "dr-amin"`)
}

func TestSlotsPrintsTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2026-03-02", r.URL.Query().Get("date"))
		_, _ = w.Write([]byte(`{"slots":[{"token":"dr-amin_0900","display_time":"09:00 AM"}]}`))
	}))
	defer srv.Close()

	out, err := runCmd(t, "--base-url", srv.URL, "slots", "dr-amin", "--date", "2026-03-02")
	require.NoError(t, err)
	assert.Equal(t, "09:00 AM\tdr-amin_0900\n", out)
}

func TestBookSurfacesServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "retry-1", r.Header.Get("Idempotency-Key"))
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"slot_taken","message":"slot is already booked"}`))
	}))
	defer srv.Close()

	_, err := runCmd(t, "--base-url", srv.URL, "book", "dr-amin_0900", "--subject", "p-1", "--idempotency-key", "retry-1")
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "slot_taken", apiErr.Kind)
}

func TestMigrateRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	_, err := runCmd(t, "migrate", "up", "--database-url", "")
	require.Error(t, err)

	_, err = runCmd(t, "migrate", "sideways", "--database-url", "postgres://x")
	require.Error(t, err)
}
