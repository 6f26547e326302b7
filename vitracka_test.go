package vitracka

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSendsBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewClient(StaticToken("secret-token"), WithBaseURL(srv.URL))
	_, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret-token", gotAuth)
}

func TestClientMissingTokenFailsBeforeRequest(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewClient(StaticToken(""), WithBaseURL(srv.URL))
	_, err := c.Health(context.Background())

	var authErr *AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, 0, requests)
}

func TestClientMapsUnauthorizedToAuthenticationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(StaticToken("expired"), WithBaseURL(srv.URL))
	_, err := c.Health(context.Background())

	var authErr *AuthenticationError
	assert.ErrorAs(t, err, &authErr)
}

func TestClientCoachDecodesTypedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, EndpointCoaching, r.URL.Path)

		var req CoachRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "logged my weight today", req.Message)
		assert.Equal(t, "gentle", req.UserContext.CoachingStyle)

		w.Write([]byte(`{"ok":true,"data":{"response":"nice work","session_id":"s1"}}`))
	}))
	defer srv.Close()

	c := NewClient(StaticToken("tok"), WithBaseURL(srv.URL))
	resp, err := c.Coach(context.Background(), &CoachRequest{
		Message:     "logged my weight today",
		UserContext: &UserContext{CoachingStyle: "gentle"},
	})
	require.NoError(t, err)
	assert.Equal(t, "nice work", resp.Response)
	assert.Equal(t, "s1", resp.SessionID)
}

func TestClientCoachSurfacesServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":false,"error":{"code":"rate_limited","message":"slow down"}}`))
	}))
	defer srv.Close()

	c := NewClient(StaticToken("tok"), WithBaseURL(srv.URL))
	_, err := c.Coach(context.Background(), &CoachRequest{Message: "hi"})

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "rate_limited", apiErr.Code)
}

func TestClientAnalyzeWeightDecodesTypedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, EndpointWeightAnalysis, r.URL.Path)
		w.Write([]byte(`{"ok":true,"data":{"trend_kg_per_week":-0.4,"summary":"steady loss","safety_flag":false}}`))
	}))
	defer srv.Close()

	c := NewClient(StaticToken("tok"), WithBaseURL(srv.URL))
	resp, err := c.AnalyzeWeight(context.Background(), &WeightAnalysisRequest{
		UserID:  "u1",
		Entries: []WeightEntry{{Date: "2026-08-01", Kg: 82.1}, {Date: "2026-08-08", Kg: 81.7}},
	})
	require.NoError(t, err)
	assert.InDelta(t, -0.4, resp.TrendKgPerWeek, 0.001)
	assert.Equal(t, "steady loss", resp.Summary)
}

func TestWSURLDerivesFromBaseURL(t *testing.T) {
	c := NewClient(StaticToken("tok"), WithBaseURL("https://api.example.com"))
	assert.Equal(t,
		"wss://api.example.com/ws?token=tok&session=s+1",
		c.WSURL("tok", "s 1"))

	c = NewClient(StaticToken("tok"), WithBaseURL("http://127.0.0.1:8080"))
	assert.Equal(t,
		"ws://127.0.0.1:8080/ws?token=abc&session=s1",
		c.WSURL("abc", "s1"))
}

func TestStaticToken(t *testing.T) {
	tok, err := StaticToken("abc").Token()
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	_, err = StaticToken("").Token()
	var authErr *AuthenticationError
	assert.ErrorAs(t, err, &authErr)
}
