package modem

import "context"

// Session pairs an open GPRS bearer with the HTTP client so callers
// can run several requests over one bearer and tear it down once.
type Session struct {
	http       *HTTPClient
	keepBearer bool
}

// SessionOption customizes OpenSession.
type SessionOption func(*Session)

// KeepBearerOpen leaves the bearer active when the session closes,
// saving the reactivation cost for the next session.
func KeepBearerOpen() SessionOption {
	return func(s *Session) { s.keepBearer = true }
}

// OpenSession opens the GPRS bearer and returns a session bound to it.
func (m *Modem) OpenSession(ctx context.Context, opts ...SessionOption) (*Session, error) {
	s := &Session{http: m.HTTP()}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.http.OpenBearer(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Get performs an HTTP GET over the session's bearer.
func (s *Session) Get(ctx context.Context, url string, headers map[string]string) (*HTTPResponse, error) {
	return s.http.Get(ctx, url, headers)
}

// Post performs an HTTP POST over the session's bearer.
func (s *Session) Post(ctx context.Context, url string, body []byte, contentType string, headers map[string]string) (*HTTPResponse, error) {
	return s.http.Post(ctx, url, body, contentType, headers)
}

// Close deactivates the bearer unless KeepBearerOpen was requested.
func (s *Session) Close(ctx context.Context) {
	if s.keepBearer {
		return
	}
	s.http.CloseBearer(ctx)
}
