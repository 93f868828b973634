// Package session owns the broker login lifecycle: it turns static
// credentials plus a time-based one-time password into a usable session and,
// when configured, keeps that session cached until shortly before it expires.
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	"golang.org/x/sync/singleflight"

	apperrors "smartapi-gateway/internal/errors"
	"smartapi-gateway/internal/interfaces"
	"smartapi-gateway/internal/logger"
	"smartapi-gateway/internal/types"
)

// Options controls caching. The zero value logs in on every acquisition.
type Options struct {
	// CacheTTL is how long a session is reused. Zero disables the cache.
	CacheTTL time.Duration
	// RefreshMargin is the remaining lifetime below which a cached session is
	// considered stale.
	RefreshMargin time.Duration
}

// Manager is the only producer of sessions.
type Manager struct {
	creds types.Credentials
	auth  interfaces.Authenticator
	opts  Options

	now      func() time.Time
	generate func(secret string, t time.Time) (string, error)

	mu     sync.Mutex
	cached types.Session
	group  singleflight.Group
}

var (
	_ interfaces.SessionProvider    = (*Manager)(nil)
	_ interfaces.SessionInvalidator = (*Manager)(nil)
)

func NewManager(creds types.Credentials, auth interfaces.Authenticator, opts Options) *Manager {
	return &Manager{
		creds:    creds,
		auth:     auth,
		opts:     opts,
		now:      time.Now,
		generate: totp.GenerateCode,
	}
}

func (m *Manager) caching() bool { return m.opts.CacheTTL > 0 }

// Acquire returns a session ready for upstream calls.
func (m *Manager) Acquire(ctx context.Context) (types.Session, error) {
	if err := m.checkCredentials(); err != nil {
		return types.Session{}, err
	}

	if !m.caching() {
		return m.login(ctx)
	}

	m.mu.Lock()
	cached := m.cached
	m.mu.Unlock()
	if cached.Usable(m.now(), m.opts.RefreshMargin) {
		return cached, nil
	}

	return m.refreshShared(ctx)
}

// Refresh forces a new login and, when caching, stores the result.
func (m *Manager) Refresh(ctx context.Context) (types.Session, error) {
	if err := m.checkCredentials(); err != nil {
		return types.Session{}, err
	}
	if !m.caching() {
		return m.login(ctx)
	}
	return m.refreshShared(ctx)
}

// Invalidate drops the cached session if it is s. A session cached after s
// was handed out stays.
func (m *Manager) Invalidate(s types.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cached.ID == s.ID {
		m.cached = types.Session{}
	}
}

// refreshShared collapses concurrent cold-cache logins into one exchange.
func (m *Manager) refreshShared(ctx context.Context) (types.Session, error) {
	ch := m.group.DoChan("login", func() (any, error) {
		s, err := m.login(context.WithoutCancel(ctx))
		if err != nil {
			return types.Session{}, err
		}
		m.mu.Lock()
		m.cached = s
		m.mu.Unlock()
		return s, nil
	})

	select {
	case <-ctx.Done():
		return types.Session{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return types.Session{}, res.Err
		}
		return res.Val.(types.Session), nil
	}
}

func (m *Manager) checkCredentials() error {
	if missing := m.creds.Missing(); len(missing) > 0 {
		return apperrors.Config("missing credentials: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (m *Manager) login(ctx context.Context) (types.Session, error) {
	now := m.now()
	code, err := m.generate(strings.ToUpper(strings.ReplaceAll(m.creds.TOTPSecret, " ", "")), now)
	if err != nil {
		return types.Session{}, apperrors.Wrap(apperrors.ErrConfig, "TOTP_SECRET is not a valid base32 seed", err)
	}

	tokens, err := m.auth.Login(ctx, m.creds, code)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrAuth) {
			return types.Session{}, err
		}
		return types.Session{}, apperrors.Auth("login failed", err)
	}
	if tokens.JWTToken == "" || tokens.RefreshToken == "" {
		return types.Session{}, apperrors.Auth("login response is missing tokens", nil)
	}

	s := types.Session{
		ID:           uuid.NewString(),
		AccessToken:  tokens.JWTToken,
		RefreshToken: tokens.RefreshToken,
		FeedToken:    tokens.FeedToken,
		IssuedAt:     now,
	}
	if m.caching() {
		s.ExpiresAt = now.Add(m.opts.CacheTTL)
	}

	logger.Info(ctx, "Session established", "session_id", s.ID, "client_id", m.creds.ClientID, "cached", m.caching())
	return s, nil
}

// Static serves a pre-issued access token, for backends whose login happens
// out of band.
type Static struct {
	apiKey      string
	accessToken string
	issuedAt    time.Time
	id          string
}

var _ interfaces.SessionProvider = (*Static)(nil)

func NewStatic(apiKey, accessToken string) *Static {
	return &Static{
		apiKey:      apiKey,
		accessToken: accessToken,
		issuedAt:    time.Now(),
		id:          uuid.NewString(),
	}
}

func (s *Static) Acquire(context.Context) (types.Session, error) {
	var missing []string
	if strings.TrimSpace(s.apiKey) == "" {
		missing = append(missing, "KITE_API_KEY")
	}
	if strings.TrimSpace(s.accessToken) == "" {
		missing = append(missing, "KITE_ACCESS_TOKEN")
	}
	if len(missing) > 0 {
		return types.Session{}, apperrors.Config("missing credentials: %s", strings.Join(missing, ", "))
	}
	return types.Session{ID: s.id, AccessToken: s.accessToken, IssuedAt: s.issuedAt}, nil
}
