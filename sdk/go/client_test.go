package teamlinesdk

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaimConflictParsesEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v0/items/010/claim", r.URL.Path)
		assert.Equal(t, "ba", r.Header.Get("X-Agent"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		io.WriteString(w, `{"error":{"code":"ALREADY_CLAIMED","message":"already claimed by murdock"}}`)
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.Agent = "ba"
	_, err := c.Claim(context.Background(), "010", "ba")
	require.Error(t, err)
	assert.Equal(t, "ALREADY_CLAIMED", ErrorCode(err))
	var ae *APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusConflict, ae.StatusCode)
	assert.Equal(t, "already claimed by murdock", ae.Message)
}

func TestMoveAndMissionActive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v0/items/A/move":
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			json.NewEncoder(w).Encode(MoveResult{Success: true, ItemID: "A", From: "testing", To: body["to"]})
		case "/v0/missions/active":
			io.WriteString(w, `{"active":true}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	c.BearerToken = "tok"
	res, err := c.Move(context.Background(), "A", "implementing")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "implementing", res.To)

	active, err := c.MissionActive(context.Background())
	require.NoError(t, err)
	assert.True(t, active)
}

func TestDecideSendsRawPayload(t *testing.T) {
	payload := []byte(`{"tool_name":"Write","tool_input":{"file_path":"src/a.go"},"agent_type":"ai-team:hannibal"}`)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, string(payload), string(got))
		io.WriteString(w, `{"allow":false,"reason":"implementation must be delegated to ba","correlation_id":"c-1"}`)
	}))
	defer srv.Close()

	dec, err := New(srv.URL).Decide(context.Background(), payload)
	require.NoError(t, err)
	assert.False(t, dec.Allow)
	assert.Equal(t, "implementation must be delegated to ba", dec.Reason)
	assert.Equal(t, "c-1", dec.CorrelationID)
}
