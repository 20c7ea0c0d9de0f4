package http_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sessionhttp "github.com/aretw0/tessera/pkg/adapters/http"
	"github.com/aretw0/tessera/pkg/adapters/memory"
	"github.com/aretw0/tessera/pkg/domain"
	"github.com/aretw0/tessera/pkg/ports"
	"github.com/aretw0/tessera/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// app is a tiny handler set driven through the cookie middleware.
func app(t *testing.T, store sessionhttp.SessionStore, cfg sessionhttp.CookieConfig) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		sessionhttp.FromContext(r.Context()).Insert("user", r.URL.Query().Get("user"))
		io.WriteString(w, "welcome")
	})
	mux.HandleFunc("/whoami", func(w http.ResponseWriter, r *http.Request) {
		user, _ := sessionhttp.FromContext(r.Context()).Get("user")
		io.WriteString(w, user)
	})
	mux.HandleFunc("/renew", func(w http.ResponseWriter, r *http.Request) {
		sessionhttp.FromContext(r.Context()).Renew()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/logout", func(w http.ResponseWriter, r *http.Request) {
		sessionhttp.FromContext(r.Context()).Purge()
	})
	return sessionhttp.NewMiddleware(store, cfg, nil).Handler(mux)
}

func request(t *testing.T, h http.Handler, path string, cookies ...*http.Cookie) *http.Response {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w.Result()
}

func sessionCookie(resp *http.Response) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == "id" {
			return c
		}
	}
	return nil
}

func body(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestMiddleware_LoginFlow(t *testing.T) {
	store, backend := newStore(t)
	h := app(t, store, sessionhttp.DefaultCookieConfig())

	resp := request(t, h, "/whoami")
	assert.Nil(t, sessionCookie(resp), "an untouched session must not be persisted")
	assert.Equal(t, 0, backend.Len())

	resp = request(t, h, "/login?user=ada")
	assert.Equal(t, "welcome", body(t, resp))
	cookie := sessionCookie(resp)
	require.NotNil(t, cookie)
	assert.Len(t, cookie.Value, 64)
	assert.True(t, cookie.HttpOnly)
	assert.True(t, cookie.Secure)
	assert.Equal(t, 86400, cookie.MaxAge)

	resp = request(t, h, "/whoami", cookie)
	assert.Equal(t, "ada", body(t, resp))
	assert.Nil(t, sessionCookie(resp), "reads must not reissue the cookie")

	resp = request(t, h, "/login?user=grace", cookie)
	again := sessionCookie(resp)
	require.NotNil(t, again)
	assert.Equal(t, cookie.Value, again.Value, "updating a live session keeps its key")

	resp = request(t, h, "/logout", cookie)
	expired := sessionCookie(resp)
	require.NotNil(t, expired)
	assert.Equal(t, -1, expired.MaxAge)
	assert.Equal(t, 0, backend.Len())

	resp = request(t, h, "/whoami", cookie)
	assert.Equal(t, "", body(t, resp))
}

func TestMiddleware_FlushCommitsFirst(t *testing.T) {
	store, backend := newStore(t)
	h := sessionhttp.NewMiddleware(store, sessionhttp.DefaultCookieConfig(), nil).Handler(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionhttp.FromContext(r.Context()).Insert("user", "ada")
			require.NoError(t, http.NewResponseController(w).Flush())
			io.WriteString(w, "streamed")
		}))

	resp := request(t, h, "/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "streamed", body(t, resp))
	require.NotNil(t, sessionCookie(resp), "the cookie must be set before headers are flushed")
	assert.Equal(t, 1, backend.Len())
}

func TestMiddleware_UpdateAfterExpiryIssuesNewKey(t *testing.T) {
	store, _ := newStore(t)
	h := app(t, store, sessionhttp.DefaultCookieConfig())

	cookie := sessionCookie(request(t, h, "/login?user=ada"))
	require.NotNil(t, cookie)
	require.NoError(t, store.Delete(context.Background(), cookie.Value))

	resp := request(t, h, "/login?user=ada", cookie)
	fresh := sessionCookie(resp)
	require.NotNil(t, fresh)
	assert.NotEqual(t, cookie.Value, fresh.Value)
}

func TestMiddleware_Renewal(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	backend := memory.NewStore(memory.WithClock(clock))
	store := session.New(backend, session.Config{}, session.WithClock(clock))
	schema := ports.DefaultSchema()

	cfg := sessionhttp.DefaultCookieConfig()
	cfg.TTL = time.Hour
	h := app(t, store, cfg)

	cookie := sessionCookie(request(t, h, "/login?user=ada"))
	require.NotNil(t, cookie)

	expiry := func() string {
		item, ok, err := backend.Get(context.Background(), cookie.Value)
		require.NoError(t, err)
		require.True(t, ok)
		return item[schema.TTLField]
	}
	before := expiry()

	now = now.Add(30 * time.Minute)
	request(t, h, "/whoami", cookie)
	assert.Equal(t, before, expiry(), "reads do not renew without RenewOnRequest")

	resp := request(t, h, "/renew", cookie)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.NotNil(t, sessionCookie(resp))
	assert.Equal(t, ports.FormatExpiry(now.Add(time.Hour)), expiry())

	cfg.RenewOnRequest = true
	h = app(t, store, cfg)
	now = now.Add(10 * time.Minute)
	request(t, h, "/whoami", cookie)
	assert.Equal(t, ports.FormatExpiry(now.Add(time.Hour)), expiry())
}

func TestMiddleware_UnreadableSessionStartsFresh(t *testing.T) {
	store, backend := newStore(t)
	h := app(t, store, sessionhttp.DefaultCookieConfig())
	schema := ports.DefaultSchema()

	require.NoError(t, backend.PutIfAbsent(context.Background(), "bad", ports.Item{
		schema.KeyField:     "bad",
		schema.PayloadField: "[]",
		schema.TTLField:     ports.FormatExpiry(time.Now().Add(time.Hour)),
	}))

	resp := request(t, h, "/whoami", &http.Cookie{Name: "id", Value: "bad"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "", body(t, resp))
}

type stubStore struct {
	sessionhttp.SessionStore
	loadErr error
	saveErr error
}

func (s stubStore) Load(context.Context, string) (domain.Payload, bool, error) {
	return nil, false, s.loadErr
}

func (s stubStore) Save(context.Context, domain.Payload, time.Duration) (string, error) {
	return "", s.saveErr
}

func TestMiddleware_BackendFailures(t *testing.T) {
	down := &domain.StorageError{Op: "load", Err: errors.New("timeout")}

	resp := request(t, app(t, stubStore{loadErr: down}, sessionhttp.DefaultCookieConfig()),
		"/whoami", &http.Cookie{Name: "id", Value: "k"})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	resp = request(t, app(t, stubStore{saveErr: down}, sessionhttp.DefaultCookieConfig()), "/login?user=ada")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.NotContains(t, body(t, resp), "welcome", "the handler's response is replaced when persisting fails")
	assert.Nil(t, sessionCookie(resp))
}

func TestSession_Mutations(t *testing.T) {
	store, _ := newStore(t)
	var seen domain.Payload
	handler := sessionhttp.NewMiddleware(store, sessionhttp.DefaultCookieConfig(), nil).Handler(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s := sessionhttp.FromContext(r.Context())
			s.Insert("a", "1")
			s.Insert("b", "2")
			s.Remove("a")
			s.Remove("missing")
			seen = s.Entries()
			s.Clear()
			s.Insert("c", "3")
		}))

	resp := request(t, handler, "/")
	assert.Equal(t, domain.Payload{"b": "2"}, seen)

	cookie := sessionCookie(resp)
	require.NotNil(t, cookie)
	payload, ok, err := store.Load(context.Background(), cookie.Value)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.Payload{"c": "3"}, payload)
}

func TestFromContext_Outside(t *testing.T) {
	assert.Nil(t, sessionhttp.FromContext(context.Background()))
}
