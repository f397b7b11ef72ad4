package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmehdipour/newsletter-gateway/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKit(t *testing.T, h http.HandlerFunc, mod ...func(*KitConfig)) (*KitProvider, *atomic.Int64) {
	t.Helper()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		h(w, r)
	}))
	t.Cleanup(srv.Close)

	cfg := KitConfig{
		BaseURL: srv.URL,
		APIKey:  "test-key",
		FormID:  "42",
		Timeout: 2 * time.Second,
	}
	for _, m := range mod {
		m(&cfg)
	}
	return NewKitProvider(cfg), &calls
}

func TestKitProvider_StatusMapping(t *testing.T) {
	cases := []struct {
		status int
		want   model.OutcomeKind
	}{
		{http.StatusOK, model.OutcomeSuccess},
		{http.StatusCreated, model.OutcomeSuccess},
		{http.StatusConflict, model.OutcomeAlreadySubscribed},
		{http.StatusUnprocessableEntity, model.OutcomeInvalidEmail},
		{http.StatusTooManyRequests, model.OutcomeRateLimited},
		{http.StatusInternalServerError, model.OutcomeServerError},
		{http.StatusBadGateway, model.OutcomeServerError},
		{http.StatusServiceUnavailable, model.OutcomeServerError},
		{http.StatusTeapot, model.OutcomeServerError},
	}

	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			kit, _ := newTestKit(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"subscription":{"id":123,"state":"active"}}`))
			})

			out := kit.Subscribe(context.Background(), "valid@example.com")
			assert.Equal(t, tc.want, out.Kind)
			assert.Equal(t, tc.want, ClassifyStatus(tc.status))
		})
	}
}

func TestKitProvider_SendsExpectedRequest(t *testing.T) {
	var got kitSubscribeRequest
	kit, _ := newTestKit(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v4/forms/42/subscribe", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Kit-Api-Key"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"subscription":{"id":123,"state":"active"}}`))
	})
	kit.now = func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }

	out := kit.Subscribe(context.Background(), "valid@example.com")
	require.True(t, out.OK())

	assert.Equal(t, "valid@example.com", got.Email)
	assert.Equal(t, []string{"website_newsletter"}, got.Tags)
	assert.Equal(t, "website", got.Fields["source"])
	assert.Equal(t, "2026-03-01T10:00:00Z", got.Fields["subscribed_at"])
}

func TestKitProvider_ParsesSubscription(t *testing.T) {
	cases := map[string]struct {
		body   string
		wantID string
		state  string
	}{
		"subscriber":     {`{"subscriber":{"id":7,"state":"active"}}`, `7`, "active"},
		"nested numeric": {`{"subscription":{"id":123,"state":"active"}}`, `123`, "active"},
		"flat":           {`{"subscriptionId":123,"state":"active"}`, `123`, "active"},
		"string id":      {`{"id":"sub_abc","state":"inactive"}`, `"sub_abc"`, "inactive"},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			kit, _ := newTestKit(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tc.body))
			})

			out := kit.Subscribe(context.Background(), "valid@example.com")
			require.Equal(t, model.OutcomeSuccess, out.Kind)
			assert.JSONEq(t, tc.wantID, string(out.Subscription.ID))
			assert.Equal(t, tc.state, out.Subscription.State)
			assert.Equal(t, "valid@example.com", out.Subscription.Email)
		})
	}
}

func TestKitProvider_SuccessWithoutReadableBodyStillSucceeds(t *testing.T) {
	cases := map[string]struct {
		status int
		body   string
	}{
		"empty object":  {http.StatusOK, `{}`},
		"not json":      {http.StatusOK, `not json`},
		"null id":       {http.StatusOK, `{"subscription":{"id":null}}`},
		"bool id":       {http.StatusOK, `{"id":true}`},
		"created empty": {http.StatusCreated, ``},
		"no content":    {http.StatusNoContent, ``},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			kit, _ := newTestKit(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})

			out := kit.Subscribe(context.Background(), "a@b.co")
			require.Equal(t, model.OutcomeSuccess, out.Kind)
			assert.Equal(t, "a@b.co", out.Subscription.Email)
			assert.Empty(t, out.Subscription.IDString())
		})
	}
}

func TestKitProvider_ErrorBodyNeverLeaks(t *testing.T) {
	kit, _ := newTestKit(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"errors":["API key sk_live_123 is invalid"]}`))
	})

	out := kit.Subscribe(context.Background(), "valid@example.com")
	assert.Equal(t, model.Failed(model.OutcomeServerError), out)
	assert.Equal(t, model.MsgServerError, out.Kind.Message())
	assert.NotContains(t, out.Kind.Message(), "API key")
}

func TestKitProvider_MissingCredentialsFailClosed(t *testing.T) {
	for name, mod := range map[string]func(*KitConfig){
		"no key":  func(c *KitConfig) { c.APIKey = "" },
		"no form": func(c *KitConfig) { c.FormID = " " },
	} {
		t.Run(name, func(t *testing.T) {
			kit, calls := newTestKit(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}, mod)

			assert.Equal(t, model.OutcomeServerError, kit.Subscribe(context.Background(), "valid@example.com").Kind)
			assert.Zero(t, calls.Load())
		})
	}
}

func TestKitProvider_TimeoutIsServerError(t *testing.T) {
	release := make(chan struct{})
	kit, _ := newTestKit(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, func(c *KitConfig) { c.Timeout = 50 * time.Millisecond })
	defer close(release)

	assert.Equal(t, model.OutcomeServerError, kit.Subscribe(context.Background(), "valid@example.com").Kind)
}

func TestKitProvider_TransportFailureIsServerError(t *testing.T) {
	kit := NewKitProvider(KitConfig{BaseURL: "http://127.0.0.1:1", APIKey: "k", FormID: "1", Timeout: time.Second})
	assert.Equal(t, model.OutcomeServerError, kit.Subscribe(context.Background(), "valid@example.com").Kind)
}

func TestKitProvider_OpenBreakerSkipsCall(t *testing.T) {
	kit, calls := newTestKit(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}, func(c *KitConfig) {
		c.FailThreshold = 2
		c.OpenFor = time.Hour
	})

	kit.Subscribe(context.Background(), "valid@example.com")
	kit.Subscribe(context.Background(), "valid@example.com")
	require.Equal(t, "open", kit.br.State())

	assert.Equal(t, model.OutcomeServerError, kit.Subscribe(context.Background(), "valid@example.com").Kind)
	assert.Equal(t, int64(2), calls.Load())
}

func TestKitProvider_ClientErrorsKeepBreakerClosed(t *testing.T) {
	kit, _ := newTestKit(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}, func(c *KitConfig) { c.FailThreshold = 1 })

	for i := 0; i < 3; i++ {
		assert.Equal(t, model.OutcomeAlreadySubscribed, kit.Subscribe(context.Background(), "valid@example.com").Kind)
	}
	assert.Equal(t, "closed", kit.br.State())
}

func TestKitProvider_ThrottleWaitHonoursContext(t *testing.T) {
	kit, calls := newTestKit(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":1,"state":"active"}`))
	}, func(c *KitConfig) {
		c.RPS = 0.001
		c.Burst = 1
	})

	require.True(t, kit.Subscribe(context.Background(), "a@b.co").OK())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Equal(t, model.OutcomeServerError, kit.Subscribe(ctx, "a@b.co").Kind)
	assert.Equal(t, int64(1), calls.Load())
}
