package lnproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/spec", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "lntb100u1original", body["invoice"])

		fmt.Fprint(w, `{"proxy_invoice": "lntb100u1wrapped"}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	wrapped, err := c.Wrap(context.Background(), "lntb100u1original")
	require.NoError(t, err)
	assert.Equal(t, "lntb100u1wrapped", wrapped)
}

func TestWrapRefusalIsErrWrapFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invoice expired", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.Wrap(context.Background(), "lntb100u1original")
	assert.True(t, errors.Is(err, ErrWrapFailed))
}

func TestWrapEmptyResponseIsErrWrapFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"proxy_invoice": ""}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.Wrap(context.Background(), "lntb100u1original")
	assert.True(t, errors.Is(err, ErrWrapFailed))
}

func TestWrapTransportFailureIsNotRefusal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	c := NewClient(srv.URL)
	_, err := c.Wrap(context.Background(), "lntb100u1original")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrWrapFailed),
		"an unreachable relay is uncertainty, not a refusal")
}
