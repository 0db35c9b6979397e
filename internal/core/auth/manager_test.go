package auth

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAuthenticator struct {
	sess   Session
	err    error
	logins int
}

func (f *fakeAuthenticator) Login(_ context.Context, _ Credential) (Session, error) {
	f.logins++
	if f.err != nil {
		return Session{}, f.err
	}
	return f.sess, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestTokenManagerSession(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cred := Credential{RefreshToken: "rt"}

	t.Run("caches a valid session", func(t *testing.T) {
		fake := &fakeAuthenticator{sess: Session{AccessToken: "a", UserID: "u", Expiry: now.Add(time.Hour)}}
		m := NewTokenManager(fake, nil, cred, testLogger())
		m.now = func() time.Time { return now }

		s1, err := m.Session(context.Background())
		require.NoError(t, err)
		s2, err := m.Session(context.Background())
		require.NoError(t, err)

		assert.Equal(t, s1, s2)
		assert.Equal(t, 1, fake.logins, "second call must come from cache")
	})

	t.Run("refreshes inside the safety margin", func(t *testing.T) {
		fake := &fakeAuthenticator{sess: Session{AccessToken: "a", UserID: "u", Expiry: now.Add(30 * time.Second)}}
		m := NewTokenManager(fake, nil, cred, testLogger())
		m.now = func() time.Time { return now }

		_, err := m.Session(context.Background())
		require.NoError(t, err)
		_, err = m.Session(context.Background())
		require.NoError(t, err)

		assert.Equal(t, 2, fake.logins, "a session expiring within the margin is never handed out")
	})

	t.Run("force refresh always re-authenticates", func(t *testing.T) {
		fake := &fakeAuthenticator{sess: Session{AccessToken: "a", UserID: "u", Expiry: now.Add(time.Hour)}}
		m := NewTokenManager(fake, nil, cred, testLogger())
		m.now = func() time.Time { return now }

		_, err := m.Session(context.Background())
		require.NoError(t, err)
		_, err = m.ForceRefresh(context.Background())
		require.NoError(t, err)

		assert.Equal(t, 2, fake.logins)
	})

	t.Run("missing credential is reauth-required", func(t *testing.T) {
		fake := &fakeAuthenticator{}
		m := NewTokenManager(fake, nil, Credential{}, testLogger())

		_, err := m.Session(context.Background())
		require.Error(t, err)
		assert.True(t, IsReauthRequired(err))
		assert.Equal(t, 0, fake.logins)
	})

	t.Run("set credential drops the cache", func(t *testing.T) {
		fake := &fakeAuthenticator{sess: Session{AccessToken: "a", UserID: "u", Expiry: now.Add(time.Hour)}}
		m := NewTokenManager(fake, nil, cred, testLogger())
		m.now = func() time.Time { return now }

		_, err := m.Session(context.Background())
		require.NoError(t, err)

		m.SetCredential(Credential{RefreshToken: "rt2"})
		_, err = m.Session(context.Background())
		require.NoError(t, err)

		assert.Equal(t, 2, fake.logins)
	})

	t.Run("login errors propagate", func(t *testing.T) {
		boom := errors.New("boom")
		fake := &fakeAuthenticator{err: transientErr("login", boom)}
		m := NewTokenManager(fake, nil, cred, testLogger())

		_, err := m.Session(context.Background())
		require.Error(t, err)
		assert.True(t, IsTransient(err))
		assert.ErrorIs(t, err, boom)
	})
}

func TestTokenManagerSeed(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fake := &fakeAuthenticator{sess: Session{AccessToken: "fresh", UserID: "u", Expiry: now.Add(time.Hour)}}

	t.Run("resumes a live session", func(t *testing.T) {
		m := NewTokenManager(fake, nil, Credential{RefreshToken: "rt"}, testLogger())
		m.now = func() time.Time { return now }
		m.Seed(Session{AccessToken: "persisted", UserID: "u", Expiry: now.Add(30 * time.Minute)})

		s, err := m.Session(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "persisted", s.AccessToken)
		assert.Equal(t, 0, fake.logins)
	})

	t.Run("ignores an expired session", func(t *testing.T) {
		fake.logins = 0
		m := NewTokenManager(fake, nil, Credential{RefreshToken: "rt"}, testLogger())
		m.now = func() time.Time { return now }
		m.Seed(Session{AccessToken: "persisted", UserID: "u", Expiry: now.Add(-time.Minute)})

		s, err := m.Session(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "fresh", s.AccessToken)
		assert.Equal(t, 1, fake.logins)
	})
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := t.TempDir() + "/session.json"

	s, err := NewFileStore(path)
	require.NoError(t, err)

	cred := Credential{RefreshToken: "rt"}
	sess := Session{AccessToken: "a", UserID: "u", Expiry: time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)}
	require.NoError(t, s.PutSession(cred, &sess))
	require.NoError(t, s.PutCursors(map[string]int64{"quartz.abc": 7}))

	reopened, err := NewFileStore(path)
	require.NoError(t, err)
	st, err := reopened.Load()
	require.NoError(t, err)

	assert.Equal(t, cred, st.Credential)
	require.NotNil(t, st.Session)
	assert.Equal(t, "a", st.Session.AccessToken)
	assert.True(t, sess.Expiry.Equal(st.Session.Expiry))
	assert.Equal(t, int64(7), st.Cursors["quartz.abc"])
}
