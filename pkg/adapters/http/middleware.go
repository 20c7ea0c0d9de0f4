package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/aretw0/tessera/internal/logging"
	"github.com/aretw0/tessera/pkg/domain"
)

// CookieConfig controls the session cookie and the renewal policy.
type CookieConfig struct {
	Name     string        `mapstructure:"name" yaml:"name"`
	Path     string        `mapstructure:"path" yaml:"path"`
	Domain   string        `mapstructure:"domain" yaml:"domain"`
	Secure   bool          `mapstructure:"secure" yaml:"secure"`
	SameSite http.SameSite `mapstructure:"-" yaml:"-"`
	TTL      time.Duration `mapstructure:"ttl" yaml:"ttl"`

	// RenewOnRequest extends the expiry of an unchanged session on every
	// request instead of letting it lapse TTL after the last write.
	RenewOnRequest bool `mapstructure:"renew_on_request" yaml:"renew_on_request"`
}

// DefaultCookieConfig returns a secure, host-only cookie named "id".
func DefaultCookieConfig() CookieConfig {
	return CookieConfig{
		Name:     "id",
		Path:     "/",
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		TTL:      24 * time.Hour,
	}
}

type status int

const (
	unchanged status = iota
	changed
	renewed
	purged
)

// Session is the per-request view of a stored session. Handlers mutate it
// and the middleware persists the result before the response is written.
type Session struct {
	mu     sync.Mutex
	key    string
	values domain.Payload
	status status
}

type sessionKey struct{}

// FromContext returns the request's session, or nil outside the middleware.
func FromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(sessionKey{}).(*Session)
	return s
}

// Get returns the value stored under name.
func (s *Session) Get(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[name]
	return v, ok
}

// Insert sets name to value.
func (s *Session) Insert(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = value
	s.touch()
}

// Remove deletes name.
func (s *Session) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[name]; ok {
		delete(s.values, name)
		s.touch()
	}
}

// Clear removes every value but keeps the session.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = domain.Payload{}
	s.touch()
}

// Purge deletes the session from storage and expires the cookie.
func (s *Session) Purge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = domain.Payload{}
	s.status = purged
}

// Renew extends the session's expiry even if nothing else changed.
func (s *Session) Renew() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == unchanged {
		s.status = renewed
	}
}

// Entries returns a copy of every value.
func (s *Session) Entries() domain.Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values.Clone()
}

func (s *Session) touch() {
	if s.status != purged {
		s.status = changed
	}
}

// Middleware loads the session named by the request cookie and persists it
// once the handler starts writing its response.
type Middleware struct {
	store  SessionStore
	config CookieConfig
	logger *slog.Logger
}

// NewMiddleware creates the cookie session middleware.
func NewMiddleware(store SessionStore, cfg CookieConfig, logger *slog.Logger) *Middleware {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Middleware{store: store, config: cfg, logger: logger}
}

// Handler wraps next.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := m.load(r)
		if err != nil {
			m.logger.Error("Failed to load session", "err", err, "request_id", RequestIDFrom(r.Context()))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		rw := &responseWriter{ResponseWriter: w, commit: func() error {
			err := m.commit(r.Context(), w, sess)
			if err != nil {
				m.logger.Error("Failed to persist session", "err", err, "request_id", RequestIDFrom(r.Context()))
			}
			return err
		}}
		next.ServeHTTP(rw, r.WithContext(context.WithValue(r.Context(), sessionKey{}, sess)))
		rw.finish()
	})
}

// load reads the session cookie. A missing, expired or unreadable session
// starts a fresh one; only backend failures are errors.
func (m *Middleware) load(r *http.Request) (*Session, error) {
	fresh := &Session{values: domain.Payload{}}

	cookie, err := r.Cookie(m.config.Name)
	if err != nil {
		return fresh, nil
	}
	if err := ValidateKey(cookie.Value); err != nil {
		m.logger.Debug("Ignoring malformed session cookie", "err", err)
		return fresh, nil
	}

	payload, ok, err := m.store.Load(r.Context(), cookie.Value)
	switch {
	case errors.Is(err, domain.ErrDeserialization):
		m.logger.Warn("Discarding unreadable session", "err", err)
		return fresh, nil
	case err != nil:
		return nil, err
	case !ok:
		return fresh, nil
	}
	return &Session{key: cookie.Value, values: payload}, nil
}

func (m *Middleware) commit(ctx context.Context, w http.ResponseWriter, sess *Session) error {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	switch sess.status {
	case purged:
		if sess.key == "" {
			return nil
		}
		if err := m.store.Delete(ctx, sess.key); err != nil {
			return err
		}
		m.expireCookie(w)

	case changed:
		var (
			key string
			err error
		)
		if sess.key == "" {
			if len(sess.values) == 0 {
				return nil
			}
			key, err = m.store.Save(ctx, sess.values, m.config.TTL)
		} else {
			key, err = m.store.Update(ctx, sess.key, sess.values, m.config.TTL)
		}
		if err != nil {
			return err
		}
		sess.key = key
		m.setCookie(w, key)

	case renewed, unchanged:
		if sess.key == "" || (sess.status == unchanged && !m.config.RenewOnRequest) {
			return nil
		}
		if err := m.store.Renew(ctx, sess.key, m.config.TTL); err != nil {
			return err
		}
		m.setCookie(w, sess.key)
	}
	return nil
}

func (m *Middleware) setCookie(w http.ResponseWriter, key string) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.config.Name,
		Value:    key,
		Path:     m.config.Path,
		Domain:   m.config.Domain,
		MaxAge:   int(m.config.TTL / time.Second),
		Secure:   m.config.Secure,
		HttpOnly: true,
		SameSite: m.config.SameSite,
	})
}

func (m *Middleware) expireCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.config.Name,
		Value:    "",
		Path:     m.config.Path,
		Domain:   m.config.Domain,
		MaxAge:   -1,
		Secure:   m.config.Secure,
		HttpOnly: true,
		SameSite: m.config.SameSite,
	})
}

// responseWriter persists the session right before the first byte of the
// response goes out, while Set-Cookie can still be added. If persisting
// fails the handler's response is replaced by a 500.
type responseWriter struct {
	http.ResponseWriter
	commit    func() error
	committed bool
	failed    bool
}

func (w *responseWriter) WriteHeader(code int) {
	if !w.committed {
		w.committed = true
		if err := w.commit(); err != nil {
			w.failed = true
			http.Error(w.ResponseWriter, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
	}
	if w.failed {
		return
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.committed {
		w.WriteHeader(http.StatusOK)
	}
	if w.failed {
		return len(b), nil
	}
	return w.ResponseWriter.Write(b)
}

// Flush commits before the headers are pushed out, so a streaming handler
// still gets its Set-Cookie.
func (w *responseWriter) Flush() {
	w.finish()
	if w.failed {
		return
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *responseWriter) finish() {
	if !w.committed {
		w.WriteHeader(http.StatusOK)
	}
}
