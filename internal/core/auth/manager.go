package auth

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultRefreshMargin is how close to expiry a session may get before
// Session() refreshes it.
const DefaultRefreshMargin = 60 * time.Second

// Authenticator runs the login exchange. Implemented by *API; tests swap in
// a fake.
type Authenticator interface {
	Login(ctx context.Context, cred Credential) (Session, error)
}

// TokenManager owns the credential and the cached session. All outbound API
// calls go through Session() so a request never leaves with a token about to
// expire, and through ForceRefresh() after a 401/403 so credential rejection
// triggers exactly one re-authentication.
type TokenManager struct {
	api    Authenticator
	store  Store
	margin time.Duration
	now    func() time.Time
	log    *slog.Logger

	mu       sync.Mutex
	cred     Credential
	sess     Session
	haveSess bool
}

// NewTokenManager creates a manager for the given credential. store may be
// nil when the host platform persists state itself.
func NewTokenManager(api Authenticator, store Store, cred Credential, log *slog.Logger) *TokenManager {
	return &TokenManager{
		api:    api,
		store:  store,
		margin: DefaultRefreshMargin,
		now:    time.Now,
		log:    log,
		cred:   cred,
	}
}

// SetRefreshMargin overrides the expiry safety margin.
func (m *TokenManager) SetRefreshMargin(d time.Duration) {
	m.mu.Lock()
	m.margin = d
	m.mu.Unlock()
}

// Seed installs a previously persisted session so a restart can resume
// without a full login. Expired sessions are ignored.
func (m *TokenManager) Seed(sess Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess.RemainingLifetime(m.now()) > m.margin {
		m.sess = sess
		m.haveSess = true
		m.log.Info("resumed persisted session", "user_id", sess.UserID, "expires", sess.Expiry)
	}
}

// SetCredential replaces the credential (after the host captured a new
// login) and drops the cached session.
func (m *TokenManager) SetCredential(cred Credential) {
	m.mu.Lock()
	m.cred = cred
	m.haveSess = false
	m.mu.Unlock()
}

// Session returns a session whose remaining lifetime exceeds the safety
// margin, refreshing it first when needed. No network call happens while the
// cached session is comfortably valid.
func (m *TokenManager) Session(ctx context.Context) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.haveSess && m.sess.RemainingLifetime(m.now()) > m.margin {
		return m.sess, nil
	}
	return m.loginLocked(ctx)
}

// ForceRefresh discards the cached session and re-authenticates. Callers
// that received an HTTP 401/403 call this exactly once before retrying.
func (m *TokenManager) ForceRefresh(ctx context.Context) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.haveSess = false
	return m.loginLocked(ctx)
}

// Invalidate drops the cached session without re-authenticating.
func (m *TokenManager) Invalidate() {
	m.mu.Lock()
	m.haveSess = false
	m.mu.Unlock()
}

func (m *TokenManager) loginLocked(ctx context.Context) (Session, error) {
	if !m.cred.Valid() {
		return Session{}, reauthErr("login", errNoCredential)
	}

	sess, err := m.api.Login(ctx, m.cred)
	if err != nil {
		if IsReauthRequired(err) {
			m.log.Warn("credential rejected, re-login required")
		}
		return Session{}, err
	}

	m.sess = sess
	m.haveSess = true
	m.log.Info("authenticated", "user_id", sess.UserID, "expires", sess.Expiry)

	if m.store != nil {
		if err := m.store.PutSession(m.cred, &sess); err != nil {
			m.log.Warn("failed to persist session", "error", err)
		}
	}
	return sess, nil
}

var errNoCredential = &noCredentialError{}

type noCredentialError struct{}

func (*noCredentialError) Error() string { return "no credential configured" }
