package homeassistant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bakeable/ha-add-on-whatsapp-api/internal/rules"
)

func TestCallService(t *testing.T) {
	var gotPath, gotAuth string
	var gotPayload map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
		w.Write([]byte("[]"))
	}))
	defer srv.Close()

	c := New(srv.URL, "token123", 5*time.Second)

	err := c.CallService(context.Background(), "light.turn_on",
		&rules.ServiceTarget{EntityID: "light.bedroom"},
		map[string]any{"brightness": float64(40)},
	)
	require.NoError(t, err)

	assert.Equal(t, "/api/services/light/turn_on", gotPath)
	assert.Equal(t, "Bearer token123", gotAuth)
	assert.Equal(t, map[string]any{
		"entity_id":  "light.bedroom",
		"brightness": float64(40),
	}, gotPayload)
}

func TestCallService_NoTarget(t *testing.T) {
	var gotPayload map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
		w.Write([]byte("[]"))
	}))
	defer srv.Close()

	c := New(srv.URL, "token123", 5*time.Second)

	err := c.CallService(context.Background(), "script.goodnight", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, gotPayload)
}

func TestCallService_InvalidServiceIdentifier(t *testing.T) {
	c := New("http://unused", "token123", time.Second)

	for _, service := range []string{"goodnight", ".turn_on", "light.", ""} {
		err := c.CallService(context.Background(), service, nil, nil)
		require.Error(t, err, "service %q", service)
		assert.Contains(t, err.Error(), "invalid service identifier")
	}
}

func TestCallService_ErrorStatusIncludesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message": "Service not found."}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(srv.URL, "token123", 5*time.Second)

	err := c.CallService(context.Background(), "light.no_such_service", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Contains(t, err.Error(), "Service not found")
}
