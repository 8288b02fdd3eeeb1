package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"bookcal/backend/internal/domain"
	"bookcal/backend/internal/metrics"
	"bookcal/backend/internal/store"
)

// State is the lifecycle of a host's credential as seen by this process.
type State string

const (
	StateUnknown    State = ""
	StateValid      State = "valid"
	StateNearExpiry State = "near_expiry"
	StateRefreshing State = "refreshing"
	StateRevoked    State = "revoked"
)

var ErrProviderNotConfigured = errors.New("calendar provider not configured")

const (
	DefaultRefreshSkew    = 5 * time.Minute
	defaultRefreshTimeout = 10 * time.Second
)

// Credential is a decrypted token ready for a provider call.
type Credential struct {
	HostID     string
	Provider   domain.Provider
	CalendarID string
	Token      *oauth2.Token
}

type ConnectionStatus struct {
	Connected   bool
	Provider    domain.Provider
	Expired     bool
	SyncEnabled bool
	State       State
	TokenExpiry time.Time
}

type Options struct {
	RefreshSkew    time.Duration
	RefreshTimeout time.Duration
	// HTTPClient is used for token endpoint calls when set.
	HTTPClient *http.Client
	Now        func() time.Time
	Metrics    *metrics.Metrics
	Log        *slog.Logger
}

// Manager keeps each host's OAuth2 credential usable. Refreshes are
// single-flight per host; different hosts never wait on each other.
type Manager struct {
	conns   store.ConnectionStore
	cipher  *Cipher
	configs ProviderConfigs
	signer  *StateSigner

	skew           time.Duration
	refreshTimeout time.Duration
	httpClient     *http.Client
	now            func() time.Time
	metrics        *metrics.Metrics
	log            *slog.Logger

	group singleflight.Group

	mu     sync.Mutex
	states map[string]State
}

func NewManager(conns store.ConnectionStore, cipher *Cipher, configs ProviderConfigs, signer *StateSigner, opts Options) *Manager {
	if opts.RefreshSkew <= 0 {
		opts.RefreshSkew = DefaultRefreshSkew
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = defaultRefreshTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if cipher == nil {
		cipher = &Cipher{}
	}
	return &Manager{
		conns:          conns,
		cipher:         cipher,
		configs:        configs,
		signer:         signer,
		skew:           opts.RefreshSkew,
		refreshTimeout: opts.RefreshTimeout,
		httpClient:     opts.HTTPClient,
		now:            opts.Now,
		metrics:        opts.Metrics,
		log:            opts.Log.With(slog.String("component", "oauth.manager")),
		states:         make(map[string]State),
	}
}

// Token returns a credential for hostID, refreshing it first when it expires
// within the refresh skew.
func (m *Manager) Token(ctx context.Context, hostID string) (Credential, error) {
	conn, err := m.load(ctx, hostID)
	if err != nil {
		return Credential{}, err
	}
	cred, err := m.credential(conn)
	if err != nil {
		return Credential{}, err
	}
	if m.fresh(conn.TokenExpiry) {
		m.setState(hostID, StateValid)
		return cred, nil
	}
	m.setState(hostID, StateNearExpiry)
	return m.refresh(ctx, hostID, "")
}

// ForceRefresh replaces an access token the provider rejected. If another
// caller already rotated it, the stored token is returned without a new
// exchange.
func (m *Manager) ForceRefresh(ctx context.Context, hostID, rejectedAccessToken string) (Credential, error) {
	return m.refresh(ctx, hostID, rejectedAccessToken)
}

func (m *Manager) refresh(ctx context.Context, hostID, rejected string) (Credential, error) {
	ch := m.group.DoChan(hostID, func() (any, error) {
		// The exchange outlives any single caller so a cancelled request
		// does not fail the others waiting on it.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.refreshTimeout)
		defer cancel()
		return m.exchangeRefresh(rctx, hostID, rejected)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Credential{}, res.Err
		}
		return res.Val.(Credential), nil
	case <-ctx.Done():
		return Credential{}, ctx.Err()
	}
}

func (m *Manager) exchangeRefresh(ctx context.Context, hostID, rejected string) (Credential, error) {
	conn, err := m.load(ctx, hostID)
	if err != nil {
		return Credential{}, err
	}
	cred, err := m.credential(conn)
	if err != nil {
		return Credential{}, err
	}

	if rejected == "" && m.fresh(conn.TokenExpiry) {
		m.setState(hostID, StateValid)
		return cred, nil
	}
	if rejected != "" && cred.Token.AccessToken != rejected {
		m.setState(hostID, StateValid)
		return cred, nil
	}

	log := m.log.With(slog.String("host_id", hostID), slog.String("provider", string(conn.Provider)))

	cfg, ok := m.configs[conn.Provider]
	if !ok {
		return Credential{}, fmt.Errorf("%w: %w: %s", domain.ErrProviderUnavailable, ErrProviderNotConfigured, conn.Provider)
	}
	if cred.Token.RefreshToken == "" {
		log.Warn("connection has no refresh token")
		return Credential{}, m.revoke(ctx, hostID)
	}

	m.setState(hostID, StateRefreshing)
	started := m.now()
	tok, err := cfg.TokenSource(m.httpContext(ctx), &oauth2.Token{RefreshToken: cred.Token.RefreshToken}).Token()
	if err != nil {
		if isInvalidGrant(err) {
			log.Warn("refresh token rejected by provider", slog.Any("err", err))
			return Credential{}, m.revoke(ctx, hostID)
		}
		m.setState(hostID, StateNearExpiry)
		m.metrics.RecordTokenRefresh("error")
		log.Error("token refresh failed", slog.Any("err", err), slog.Duration("elapsed", m.now().Sub(started)))
		return Credential{}, fmt.Errorf("%w: refresh token: %w", domain.ErrProviderUnavailable, err)
	}

	refreshToken := tok.RefreshToken
	if refreshToken == "" {
		refreshToken = cred.Token.RefreshToken
	}
	accessEnc, err := m.cipher.Encrypt(tok.AccessToken)
	if err != nil {
		return Credential{}, err
	}
	refreshEnc, err := m.cipher.Encrypt(refreshToken)
	if err != nil {
		return Credential{}, err
	}
	if err := m.conns.UpdateTokens(ctx, hostID, domain.TokenUpdate{
		AccessTokenEnc:  accessEnc,
		RefreshTokenEnc: refreshEnc,
		TokenExpiry:     tok.Expiry,
	}); err != nil {
		m.setState(hostID, StateNearExpiry)
		m.metrics.RecordTokenRefresh("store_error")
		return Credential{}, fmt.Errorf("persist refreshed token: %w", err)
	}

	m.setState(hostID, StateValid)
	m.metrics.RecordTokenRefresh("ok")
	log.Info("token refreshed", slog.Time("expiry", tok.Expiry))

	return Credential{
		HostID:     hostID,
		Provider:   conn.Provider,
		CalendarID: conn.CalendarID,
		Token: &oauth2.Token{
			AccessToken:  tok.AccessToken,
			RefreshToken: refreshToken,
			TokenType:    tok.TokenType,
			Expiry:       tok.Expiry,
		},
	}, nil
}

func (m *Manager) revoke(ctx context.Context, hostID string) error {
	m.setState(hostID, StateRevoked)
	m.metrics.RecordTokenRefresh("revoked")
	if err := m.conns.DisableSync(ctx, hostID); err != nil && !errors.Is(err, store.ErrNotFound) {
		m.log.Error("disable sync failed", slog.String("host_id", hostID), slog.Any("err", err))
	}
	return domain.ErrCredentialRevoked
}

func isInvalidGrant(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return false
	}
	if re.ErrorCode == "invalid_grant" {
		return true
	}
	if re.ErrorCode == "" && re.Response != nil &&
		(re.Response.StatusCode == http.StatusBadRequest || re.Response.StatusCode == http.StatusUnauthorized) {
		return strings.Contains(string(re.Body), "invalid_grant")
	}
	return false
}

func (m *Manager) load(ctx context.Context, hostID string) (domain.CalendarConnection, error) {
	conn, err := m.conns.GetConnection(ctx, hostID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.CalendarConnection{}, domain.ErrNoConnection
		}
		return domain.CalendarConnection{}, err
	}
	if !conn.SyncEnabled {
		m.setState(hostID, StateRevoked)
		return domain.CalendarConnection{}, domain.ErrCredentialRevoked
	}
	return conn, nil
}

func (m *Manager) credential(conn domain.CalendarConnection) (Credential, error) {
	access, err := m.cipher.Decrypt(conn.AccessTokenEnc)
	if err != nil {
		return Credential{}, fmt.Errorf("decrypt access token: %w", err)
	}
	refresh, err := m.cipher.Decrypt(conn.RefreshTokenEnc)
	if err != nil {
		return Credential{}, fmt.Errorf("decrypt refresh token: %w", err)
	}
	return Credential{
		HostID:     conn.HostID,
		Provider:   conn.Provider,
		CalendarID: conn.CalendarID,
		Token: &oauth2.Token{
			AccessToken:  access,
			RefreshToken: refresh,
			TokenType:    "Bearer",
			Expiry:       conn.TokenExpiry,
		},
	}, nil
}

func (m *Manager) fresh(expiry time.Time) bool {
	return expiry.Sub(m.now()) >= m.skew
}

func (m *Manager) httpContext(ctx context.Context) context.Context {
	if m.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}

func (m *Manager) setState(hostID string, s State) {
	m.mu.Lock()
	m.states[hostID] = s
	m.mu.Unlock()
}

// State reports the last observed credential state for hostID.
func (m *Manager) State(hostID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[hostID]
}

func (m *Manager) forget(hostID string) {
	m.mu.Lock()
	delete(m.states, hostID)
	m.mu.Unlock()
}

// AuthCodeURL starts the authorization-code flow for hostID.
func (m *Manager) AuthCodeURL(hostID string, provider domain.Provider) (string, error) {
	cfg, ok := m.configs[provider]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrProviderNotConfigured, provider)
	}
	state, err := m.signer.Sign(hostID, provider)
	if err != nil {
		return "", err
	}
	return cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

// Exchange completes the authorization-code flow and stores the connection.
func (m *Manager) Exchange(ctx context.Context, state, code string) (domain.CalendarConnection, error) {
	hostID, provider, err := m.signer.Verify(state)
	if err != nil {
		return domain.CalendarConnection{}, err
	}
	cfg, ok := m.configs[provider]
	if !ok {
		return domain.CalendarConnection{}, fmt.Errorf("%w: %s", ErrProviderNotConfigured, provider)
	}

	tok, err := cfg.Exchange(m.httpContext(ctx), code)
	if err != nil {
		return domain.CalendarConnection{}, fmt.Errorf("%w: exchange code: %w", domain.ErrProviderUnavailable, err)
	}
	if tok.RefreshToken == "" {
		return domain.CalendarConnection{}, errors.New("provider did not return a refresh token")
	}

	accessEnc, err := m.cipher.Encrypt(tok.AccessToken)
	if err != nil {
		return domain.CalendarConnection{}, err
	}
	refreshEnc, err := m.cipher.Encrypt(tok.RefreshToken)
	if err != nil {
		return domain.CalendarConnection{}, err
	}

	email, _ := tok.Extra("email").(string)
	conn, err := m.conns.UpsertConnection(ctx, domain.CalendarConnection{
		HostID:          hostID,
		Provider:        provider,
		CalendarID:      DefaultCalendarID(provider),
		AccountEmail:    email,
		AccessTokenEnc:  accessEnc,
		RefreshTokenEnc: refreshEnc,
		TokenExpiry:     tok.Expiry.UTC(),
		SyncEnabled:     true,
	})
	if err != nil {
		return domain.CalendarConnection{}, err
	}

	m.setState(hostID, StateValid)
	m.log.Info("calendar connected", slog.String("host_id", hostID), slog.String("provider", string(provider)))
	return conn, nil
}

// Disconnect removes the host's connection. It succeeds when none exists.
func (m *Manager) Disconnect(ctx context.Context, hostID string) error {
	if err := m.conns.DeleteConnection(ctx, hostID); err != nil {
		return err
	}
	m.forget(hostID)
	return nil
}

func (m *Manager) Status(ctx context.Context, hostID string) (ConnectionStatus, error) {
	conn, err := m.conns.GetConnection(ctx, hostID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ConnectionStatus{}, nil
		}
		return ConnectionStatus{}, err
	}

	state := m.State(hostID)
	if !conn.SyncEnabled {
		state = StateRevoked
	} else if state == StateUnknown {
		state = StateValid
		if !m.fresh(conn.TokenExpiry) {
			state = StateNearExpiry
		}
	}
	return ConnectionStatus{
		Connected:   true,
		Provider:    conn.Provider,
		Expired:     !conn.SyncEnabled,
		SyncEnabled: conn.SyncEnabled,
		State:       state,
		TokenExpiry: conn.TokenExpiry,
	}, nil
}
