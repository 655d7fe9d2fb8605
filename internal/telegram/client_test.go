package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"alpha_rebalancer/internal/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DisabledWithoutCredentials(t *testing.T) {
	n := New("", "123", logger.Discard())
	assert.IsType(t, Disabled{}, n)
	assert.NoError(t, n.Notify(context.Background(), "hello"))
}

func TestClient_Notify(t *testing.T) {
	var got map[string]string
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New("TOKEN", "42", logger.Discard()).(*Client)
	c.baseURL = srv.URL

	require.NoError(t, c.Notify(context.Background(), "*UNCERTAIN* XAR"))
	assert.Equal(t, "/botTOKEN/sendMessage", path)
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*UNCERTAIN* XAR", got["text"])
	assert.Equal(t, "Markdown", got["parse_mode"])
}

func TestClient_NotifyAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"chat not found"}`))
	}))
	defer srv.Close()

	c := New("TOKEN", "42", logger.Discard()).(*Client)
	c.baseURL = srv.URL

	err := c.Notify(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
}
