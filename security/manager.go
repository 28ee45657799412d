package security

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/singleflight"
	calendar "google.golang.org/api/calendar/v3"

	"studysync-cloud/store"
)

// AuthError signals a credential problem. ReauthRequired means the refresh
// token is gone or revoked and the user must reconnect the account; callers
// must not retry those.
type AuthError struct {
	ReauthRequired bool
	Err            error
}

func (e *AuthError) Error() string {
	if e.ReauthRequired {
		return fmt.Sprintf("auth error (reconnect required): %v", e.Err)
	}
	return fmt.Sprintf("auth error: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

const (
	// Treat a token as expired when less than this remains, so a call never
	// starts with a token that dies mid-flight.
	expiryBuffer = 5 * time.Minute

	stateTTL         = 10 * time.Minute
	defaultRevokeURL = "https://oauth2.googleapis.com/revoke"
)

// CalendarScopes are the OAuth scopes requested on connect.
var CalendarScopes = []string{
	calendar.CalendarReadonlyScope,
	calendar.CalendarEventsScope,
}

// Config holds the OAuth client settings. Endpoint and RevokeURL default to
// Google's and exist so tests can point at a local server.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	Endpoint     oauth2.Endpoint
	RevokeURL    string
}

// Manager owns OAuth token acquisition, expiry-aware refresh, and revocation
// for calendar accounts. Token fields on CalendarAccount are mutated only
// here.
type Manager struct {
	redisClient *redis.Client
	accounts    *store.AccountRepo
	config      *oauth2.Config
	revokeURL   string
	httpClient  *http.Client

	// Refresh is single-flighted per account: concurrent duplicate
	// refresh-token exchanges can invalidate each other on Google's side.
	refreshGroup singleflight.Group
}

// NewManager creates a token lifecycle manager.
func NewManager(redisClient *redis.Client, accounts *store.AccountRepo, cfg Config) *Manager {
	endpoint := cfg.Endpoint
	if endpoint.TokenURL == "" {
		endpoint = google.Endpoint
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = CalendarScopes
	}
	revokeURL := cfg.RevokeURL
	if revokeURL == "" {
		revokeURL = defaultRevokeURL
	}
	return &Manager{
		redisClient: redisClient,
		accounts:    accounts,
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     endpoint,
		},
		revokeURL:  revokeURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// AuthURL generates the consent URL for a user, stashing a CSRF state in
// Redis with a short TTL.
func (m *Manager) AuthURL(ctx context.Context, userID string) (string, string, error) {
	stateBytes := make([]byte, 32)
	if _, err := rand.Read(stateBytes); err != nil {
		return "", "", fmt.Errorf("generate oauth state: %w", err)
	}
	state := base64.URLEncoding.EncodeToString(stateBytes)

	if err := m.redisClient.Set(ctx, stateKey(state), userID, stateTTL).Err(); err != nil {
		return "", "", fmt.Errorf("store oauth state: %w", err)
	}

	authURL := m.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	return authURL, state, nil
}

// HandleCallback validates the OAuth state, exchanges the authorization code,
// and persists a connected CalendarAccount.
func (m *Manager) HandleCallback(ctx context.Context, state, code string) (*store.CalendarAccount, error) {
	userID, err := m.redisClient.Get(ctx, stateKey(state)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("invalid or expired oauth state")
	}
	if err != nil {
		return nil, fmt.Errorf("resolve oauth state: %w", err)
	}
	defer m.redisClient.Del(ctx, stateKey(state))

	token, err := m.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}

	now := time.Now().UTC()
	acct := &store.CalendarAccount{
		ID:                uuid.New().String(),
		UserID:            userID,
		Provider:          "google",
		AccessToken:       token.AccessToken,
		RefreshToken:      token.RefreshToken,
		TokenExpiry:       token.Expiry,
		Scopes:            m.config.Scopes,
		DefaultCalendarID: "primary",
		Status:            store.AccountConnected,
		CreatedAt:         now,
	}
	if err := m.accounts.Put(ctx, acct); err != nil {
		return nil, fmt.Errorf("persist connected account: %w", err)
	}

	log.Printf("Connected calendar account id=%s user=%s", acct.ID, userID)
	return acct, nil
}

// GetValidToken returns an access token with at least the expiry buffer left,
// refreshing first when needed.
func (m *Manager) GetValidToken(ctx context.Context, accountID string) (string, error) {
	acct, err := m.accounts.Get(ctx, accountID)
	if err != nil {
		return "", err
	}
	switch acct.Status {
	case store.AccountRevoked:
		return "", &AuthError{ReauthRequired: true, Err: errors.New("account disconnected")}
	case store.AccountError:
		return "", &AuthError{ReauthRequired: true, Err: errors.New("account requires reconnection")}
	}
	if time.Until(acct.TokenExpiry) > expiryBuffer {
		return acct.AccessToken, nil
	}

	refreshed, err := m.Refresh(ctx, accountID)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// Refresh exchanges the stored refresh token for a fresh access token.
// Concurrent callers for the same account share one in-flight exchange.
func (m *Manager) Refresh(ctx context.Context, accountID string) (*store.CalendarAccount, error) {
	v, err, _ := m.refreshGroup.Do(accountID, func() (interface{}, error) {
		return m.doRefresh(ctx, accountID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*store.CalendarAccount), nil
}

func (m *Manager) doRefresh(ctx context.Context, accountID string) (*store.CalendarAccount, error) {
	acct, err := m.accounts.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acct.RefreshToken == "" {
		return nil, m.markReauthRequired(ctx, acct, errors.New("no refresh token stored"))
	}

	seed := &oauth2.Token{
		RefreshToken: acct.RefreshToken,
		// Expired on purpose so the token source performs a real exchange.
		Expiry: time.Now().Add(-time.Minute),
	}
	token, err := m.config.TokenSource(ctx, seed).Token()
	if err != nil {
		if isInvalidGrant(err) {
			return nil, m.markReauthRequired(ctx, acct, err)
		}
		return nil, fmt.Errorf("refresh token exchange for account %s: %w", accountID, err)
	}

	acct.AccessToken = token.AccessToken
	acct.TokenExpiry = token.Expiry
	// Providers may omit the refresh token on renewal; keep the old one then.
	if token.RefreshToken != "" {
		acct.RefreshToken = token.RefreshToken
	}
	acct.Status = store.AccountConnected
	if err := m.accounts.Put(ctx, acct); err != nil {
		return nil, fmt.Errorf("persist refreshed token for account %s: %w", accountID, err)
	}

	log.Printf("Refreshed OAuth token account=%s expiry=%s", accountID, acct.TokenExpiry.Format(time.RFC3339))
	return acct, nil
}

// Revoke tells the provider to drop the grant (best effort) and marks the
// account disconnected locally regardless of the remote outcome.
func (m *Manager) Revoke(ctx context.Context, accountID string) error {
	acct, err := m.accounts.Get(ctx, accountID)
	if err != nil {
		return err
	}

	token := acct.RefreshToken
	if token == "" {
		token = acct.AccessToken
	}
	if token != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.revokeURL,
			strings.NewReader(url.Values{"token": {token}}.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			resp, err := m.httpClient.Do(req)
			if err != nil {
				log.Printf("Revoke: provider call failed account=%s: %v", accountID, err)
			} else {
				resp.Body.Close()
			}
		}
	}

	acct.Status = store.AccountRevoked
	acct.AccessToken = ""
	acct.RefreshToken = ""
	if err := m.accounts.Put(ctx, acct); err != nil {
		return fmt.Errorf("persist revoked account %s: %w", accountID, err)
	}
	log.Printf("Disconnected calendar account id=%s user=%s", accountID, acct.UserID)
	return nil
}

func (m *Manager) markReauthRequired(ctx context.Context, acct *store.CalendarAccount, cause error) error {
	acct.Status = store.AccountError
	if err := m.accounts.Put(ctx, acct); err != nil {
		log.Printf("Token refresh: failed to mark account %s as errored: %v", acct.ID, err)
	}
	return &AuthError{ReauthRequired: true, Err: cause}
}

// isInvalidGrant detects a refresh token the provider rejected as revoked or
// expired, which no amount of retrying will fix.
func isInvalidGrant(err error) bool {
	var rErr *oauth2.RetrieveError
	if !errors.As(err, &rErr) {
		return false
	}
	if rErr.ErrorCode == "invalid_grant" {
		return true
	}
	return strings.Contains(string(rErr.Body), "invalid_grant")
}

func stateKey(state string) string {
	return fmt.Sprintf("oauth_state:%s", state)
}
