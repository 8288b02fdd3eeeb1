package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"bookcal/backend/internal/domain"
	"bookcal/backend/internal/store/memory"
)

type tokenServer struct {
	*httptest.Server
	calls      atomic.Int32
	delay      time.Duration
	mu         sync.Mutex
	status     int
	body       map[string]any
	lastParams url.Values
}

func newTokenServer(t *testing.T) *tokenServer {
	t.Helper()
	ts := &tokenServer{
		status: http.StatusOK,
		body: map[string]any{
			"access_token":  "at-2",
			"refresh_token": "rt-2",
			"token_type":    "Bearer",
			"expires_in":    3600,
		},
	}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.calls.Add(1)
		if ts.delay > 0 {
			time.Sleep(ts.delay)
		}
		_ = r.ParseForm()
		ts.mu.Lock()
		ts.lastParams = r.PostForm
		status, body := ts.status, ts.body
		ts.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *tokenServer) respond(status int, body map[string]any) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.status = status
	ts.body = body
}

func (ts *tokenServer) config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURL:  "https://bookcal.example/oauth/callback",
		Endpoint: oauth2.Endpoint{
			AuthURL:   ts.URL + "/auth",
			TokenURL:  ts.URL + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

type fixture struct {
	store  *memory.Store
	cipher *Cipher
	mgr    *Manager
	ts     *tokenServer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ts := newTokenServer(t)
	c, err := NewCipher([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	s := memory.New()
	mgr := NewManager(s, c, ProviderConfigs{domain.ProviderGoogle: ts.config()}, NewStateSigner([]byte("state-secret"), time.Minute), Options{
		HTTPClient: ts.Client(),
	})
	return &fixture{store: s, cipher: c, mgr: mgr, ts: ts}
}

func (f *fixture) connect(t *testing.T, hostID string, expiry time.Time) {
	t.Helper()
	at, err := f.cipher.Encrypt("at-1")
	require.NoError(t, err)
	rt, err := f.cipher.Encrypt("rt-1")
	require.NoError(t, err)
	_, err = f.store.UpsertConnection(context.Background(), domain.CalendarConnection{
		HostID:          hostID,
		Provider:        domain.ProviderGoogle,
		CalendarID:      "primary",
		AccessTokenEnc:  at,
		RefreshTokenEnc: rt,
		TokenExpiry:     expiry,
		SyncEnabled:     true,
	})
	require.NoError(t, err)
}

func TestToken_ValidTokenIsNotRefreshed(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "h1", time.Now().Add(time.Hour))

	cred, err := f.mgr.Token(context.Background(), "h1")
	require.NoError(t, err)
	assert.Equal(t, "at-1", cred.Token.AccessToken)
	assert.Equal(t, "primary", cred.CalendarID)
	assert.Equal(t, int32(0), f.ts.calls.Load())
	assert.Equal(t, StateValid, f.mgr.State("h1"))
}

func TestToken_NearExpiryRefreshesAndPersists(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "h1", time.Now().Add(2*time.Minute))

	cred, err := f.mgr.Token(context.Background(), "h1")
	require.NoError(t, err)
	assert.Equal(t, "at-2", cred.Token.AccessToken)
	assert.Equal(t, "rt-2", cred.Token.RefreshToken)
	assert.Equal(t, int32(1), f.ts.calls.Load())
	assert.Equal(t, "refresh_token", f.ts.lastParams.Get("grant_type"))
	assert.Equal(t, "rt-1", f.ts.lastParams.Get("refresh_token"))

	conn, err := f.store.GetConnection(context.Background(), "h1")
	require.NoError(t, err)
	assert.NotEqual(t, "at-2", conn.AccessTokenEnc, "token stored in plaintext")
	access, err := f.cipher.Decrypt(conn.AccessTokenEnc)
	require.NoError(t, err)
	assert.Equal(t, "at-2", access)
	refresh, err := f.cipher.Decrypt(conn.RefreshTokenEnc)
	require.NoError(t, err)
	assert.Equal(t, "rt-2", refresh)
	assert.True(t, conn.TokenExpiry.After(time.Now().Add(50*time.Minute)))
	assert.Equal(t, StateValid, f.mgr.State("h1"))
}

func TestToken_KeepsRefreshTokenWhenProviderOmitsIt(t *testing.T) {
	f := newFixture(t)
	f.ts.respond(http.StatusOK, map[string]any{"access_token": "at-3", "token_type": "Bearer", "expires_in": 3600})
	f.connect(t, "h1", time.Now().Add(-time.Minute))

	cred, err := f.mgr.Token(context.Background(), "h1")
	require.NoError(t, err)
	assert.Equal(t, "at-3", cred.Token.AccessToken)
	assert.Equal(t, "rt-1", cred.Token.RefreshToken)
}

func TestToken_ConcurrentCallersShareOneRefresh(t *testing.T) {
	f := newFixture(t)
	f.ts.delay = 50 * time.Millisecond
	f.connect(t, "h1", time.Now().Add(time.Minute))

	const callers = 20
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	tokens := make(chan string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cred, err := f.mgr.Token(context.Background(), "h1")
			if err != nil {
				errs <- err
				return
			}
			tokens <- cred.Token.AccessToken
		}()
	}
	wg.Wait()
	close(errs)
	close(tokens)

	for err := range errs {
		t.Fatalf("Token error: %v", err)
	}
	for tok := range tokens {
		assert.Equal(t, "at-2", tok)
	}
	assert.Equal(t, int32(1), f.ts.calls.Load())
}

func TestToken_DifferentHostsRefreshIndependently(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "h1", time.Now().Add(time.Minute))
	f.connect(t, "h2", time.Now().Add(time.Minute))

	_, err := f.mgr.Token(context.Background(), "h1")
	require.NoError(t, err)
	_, err = f.mgr.Token(context.Background(), "h2")
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.ts.calls.Load())
}

func TestToken_InvalidGrantRevokesConnection(t *testing.T) {
	f := newFixture(t)
	f.ts.respond(http.StatusBadRequest, map[string]any{"error": "invalid_grant", "error_description": "Token has been expired or revoked."})
	f.connect(t, "h1", time.Now().Add(-time.Minute))

	_, err := f.mgr.Token(context.Background(), "h1")
	require.ErrorIs(t, err, domain.ErrCredentialRevoked)
	assert.Equal(t, StateRevoked, f.mgr.State("h1"))

	conn, err := f.store.GetConnection(context.Background(), "h1")
	require.NoError(t, err)
	assert.False(t, conn.SyncEnabled)

	_, err = f.mgr.Token(context.Background(), "h1")
	require.ErrorIs(t, err, domain.ErrCredentialRevoked)
	assert.Equal(t, int32(1), f.ts.calls.Load())

	status, err := f.mgr.Status(context.Background(), "h1")
	require.NoError(t, err)
	assert.True(t, status.Connected)
	assert.True(t, status.Expired)
	assert.Equal(t, StateRevoked, status.State)
}

func TestToken_TransientFailureKeepsConnection(t *testing.T) {
	f := newFixture(t)
	f.ts.respond(http.StatusServiceUnavailable, map[string]any{"error": "temporarily_unavailable"})
	f.connect(t, "h1", time.Now().Add(time.Minute))

	_, err := f.mgr.Token(context.Background(), "h1")
	require.ErrorIs(t, err, domain.ErrProviderUnavailable)

	conn, err := f.store.GetConnection(context.Background(), "h1")
	require.NoError(t, err)
	assert.True(t, conn.SyncEnabled)
	assert.Equal(t, StateNearExpiry, f.mgr.State("h1"))
}

func TestToken_NoConnection(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Token(context.Background(), "nobody")
	assert.ErrorIs(t, err, domain.ErrNoConnection)
}

func TestForceRefresh_SkipsExchangeWhenTokenAlreadyRotated(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "h1", time.Now().Add(time.Hour))

	cred, err := f.mgr.ForceRefresh(context.Background(), "h1", "some-older-token")
	require.NoError(t, err)
	assert.Equal(t, "at-1", cred.Token.AccessToken)
	assert.Equal(t, int32(0), f.ts.calls.Load())

	cred, err = f.mgr.ForceRefresh(context.Background(), "h1", "at-1")
	require.NoError(t, err)
	assert.Equal(t, "at-2", cred.Token.AccessToken)
	assert.Equal(t, int32(1), f.ts.calls.Load())
}

func TestAuthCodeURLAndExchange(t *testing.T) {
	f := newFixture(t)
	f.ts.respond(http.StatusOK, map[string]any{
		"access_token":  "at-new",
		"refresh_token": "rt-new",
		"token_type":    "Bearer",
		"expires_in":    3600,
	})

	raw, err := f.mgr.AuthCodeURL("h1", domain.ProviderGoogle)
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "offline", u.Query().Get("access_type"))
	state := u.Query().Get("state")
	require.NotEmpty(t, state)

	_, err = f.mgr.AuthCodeURL("h1", domain.ProviderMicrosoft)
	assert.Error(t, err)

	conn, err := f.mgr.Exchange(context.Background(), state, "code-123")
	require.NoError(t, err)
	assert.Equal(t, "h1", conn.HostID)
	assert.Equal(t, domain.ProviderGoogle, conn.Provider)
	assert.Equal(t, "primary", conn.CalendarID)
	assert.True(t, conn.SyncEnabled)
	assert.Equal(t, "authorization_code", f.ts.lastParams.Get("grant_type"))
	assert.Equal(t, "code-123", f.ts.lastParams.Get("code"))

	cred, err := f.mgr.Token(context.Background(), "h1")
	require.NoError(t, err)
	assert.Equal(t, "at-new", cred.Token.AccessToken)

	_, err = f.mgr.Exchange(context.Background(), state+"x", "code-123")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestDisconnectAndStatus(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "h1", time.Now().Add(time.Hour))

	status, err := f.mgr.Status(context.Background(), "h1")
	require.NoError(t, err)
	assert.True(t, status.Connected)
	assert.False(t, status.Expired)
	assert.Equal(t, domain.ProviderGoogle, status.Provider)

	require.NoError(t, f.mgr.Disconnect(context.Background(), "h1"))
	require.NoError(t, f.mgr.Disconnect(context.Background(), "h1"))

	status, err = f.mgr.Status(context.Background(), "h1")
	require.NoError(t, err)
	assert.False(t, status.Connected)
}

func TestIsInvalidGrant(t *testing.T) {
	assert.True(t, isInvalidGrant(&oauth2.RetrieveError{ErrorCode: "invalid_grant"}))
	assert.False(t, isInvalidGrant(&oauth2.RetrieveError{ErrorCode: "invalid_client"}))
	assert.True(t, isInvalidGrant(&oauth2.RetrieveError{
		Response: &http.Response{StatusCode: http.StatusBadRequest},
		Body:     []byte("error=invalid_grant"),
	}))
	assert.False(t, isInvalidGrant(errors.New("invalid_grant")))
}
