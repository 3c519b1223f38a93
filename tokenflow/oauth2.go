package tokenflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/ssoforge/idcore/audit"
	"github.com/ssoforge/idcore/corecrypto"
	"github.com/ssoforge/idcore/coreerr"
	"github.com/ssoforge/idcore/keymod"
	"github.com/ssoforge/idcore/storage"
)

// oauth2ExchangeTimeout bounds the provider code-exchange and userinfo calls.
const oauth2ExchangeTimeout = 10 * time.Second

// OAuth2Provider is a provider-agnostic configuration record: GitHub,
// Microsoft, or any other upstream are just distinct instances of this
// record, not distinct code paths.
type OAuth2Provider struct {
	ClientID     string
	ClientSecret string
	AuthorizeURL string
	TokenURL     string
	UserInfoURL  string
	Scopes       []string
	RedirectURL  string

	// UserInfoEmail extracts the account's email from the raw userinfo JSON
	// body. Providers disagree on the field/shape (GitHub nests emails under
	// a separate endpoint; this core expects callers to supply an extractor
	// that returns the primary verified email as a plain string), so this is
	// left pluggable rather than hardcoded per provider.
	UserInfoEmail func(body []byte) (string, error)
}

func (p OAuth2Provider) config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		Endpoint:     oauth2.Endpoint{AuthURL: p.AuthorizeURL, TokenURL: p.TokenURL},
		RedirectURL:  p.RedirectURL,
		Scopes:       p.Scopes,
	}
}

// BrokerURL generates a fresh CSRF-backed state value and returns the
// provider's authorise URL carrying it.
func (f *Flow) BrokerURL(ctx context.Context, meta audit.Meta, serviceID string, provider OAuth2Provider) (string, error) {
	b := audit.NewBuilder(meta, "AuthOauth2Url").SetServiceID(serviceID)

	url, err := f.brokerURL(ctx, serviceID, provider)
	if err != nil {
		b.CommitError(ctx, f.Store, f.Logger, statusFor(err), err)
		return "", err
	}
	if err := b.CommitSuccess(ctx, f.Store, 200, "", nil); err != nil {
		return "", err
	}
	return url, nil
}

func (f *Flow) brokerURL(ctx context.Context, serviceID string, provider OAuth2Provider) (string, error) {
	state, err := newCsrfState(ctx, f, serviceID)
	if err != nil {
		return "", err
	}
	return provider.config().AuthCodeURL(state), nil
}

func newCsrfState(ctx context.Context, f *Flow, serviceID string) (string, error) {
	key, err := corecrypto.NewCsrfKey()
	if err != nil {
		return "", coreerr.Driver
	}
	if _, err := f.Store.CreateCsrf(ctx, storage.Csrf{
		Key:       key,
		Value:     serviceID,
		TTL:       f.now().Add(f.OAuth2StateExpiry),
		ServiceID: serviceID,
		CreatedAt: f.now(),
	}); err != nil {
		return "", coreerr.Driver
	}
	return key, nil
}

// BrokerCallback completes the authorisation-code exchange: the CSRF state
// is read-and-deleted atomically so a replayed callback fails with Oauth2,
// the code is exchanged for a provider access token, the provider's user
// email is fetched, and the local user is resolved or (if
// service.UserAllowRegister) provisioned.
func (f *Flow) BrokerCallback(ctx context.Context, meta audit.Meta, serviceID string, provider OAuth2Provider, code, state string) (string, error) {
	b := audit.NewBuilder(meta, "AuthOauth2Callback").SetServiceID(serviceID)

	redirectURL, userID, err := f.brokerCallback(ctx, serviceID, provider, code, state, b)
	if err != nil {
		b.CommitError(ctx, f.Store, f.Logger, statusFor(err), err)
		return "", err
	}
	if err := b.CommitSuccess(ctx, f.Store, 200, userID, nil); err != nil {
		return "", err
	}
	return redirectURL, nil
}

func (f *Flow) brokerCallback(ctx context.Context, serviceID string, provider OAuth2Provider, code, state string, b *audit.Builder) (string, string, error) {
	csrf, err := f.Store.GetCsrf(ctx, state)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", "", coreerr.Oauth2
		}
		return "", "", coreerr.Driver
	}
	if csrf.ServiceID != serviceID {
		return "", "", coreerr.Oauth2
	}

	exCtx, cancel := context.WithTimeout(ctx, oauth2ExchangeTimeout)
	defer cancel()

	providerToken, err := provider.config().Exchange(exCtx, code)
	if err != nil {
		return "", "", coreerr.Oauth2
	}

	email, err := fetchProviderEmail(exCtx, provider, providerToken)
	if err != nil {
		return "", "", coreerr.Oauth2
	}

	svc, err := f.Store.GetService(ctx, serviceID)
	if err != nil {
		return "", "", coreerr.Driver
	}

	user, tokenKey, err := f.resolveOauth2User(ctx, svc, email)
	if err != nil {
		return "", "", err
	}
	b.SetUserID(user.ID).SetUserKeyID(tokenKey.ID)

	pair, err := f.mintTokenPair(ctx, serviceID, user.ID, tokenKey)
	if err != nil {
		return "", "", err
	}

	redirectURL := fmt.Sprintf("%s?access_token=%s&refresh_token=%s", svc.URL, pair.AccessToken, pair.RefreshToken)
	return redirectURL, user.ID, nil
}

func (f *Flow) resolveOauth2User(ctx context.Context, svc storage.Service, email string) (storage.User, storage.Key, error) {
	user, err := f.Store.GetUserByEmail(ctx, email)
	switch {
	case err == nil:
		key, kerr := f.Store.GetKeyByUserAndService(ctx, user.ID, svc.ID, storage.KeyUserToken)
		if kerr == nil {
			return user, key, nil
		}
		if !errors.Is(kerr, storage.ErrNotFound) {
			return storage.User{}, storage.Key{}, coreerr.Driver
		}
		if !svc.UserAllowRegister {
			return storage.User{}, storage.Key{}, coreerr.BadRequest
		}
		key, err = keymod.Create(ctx, f.Store, storage.Key{
			Type:      storage.KeyUserToken,
			IsEnabled: true,
			ServiceID: svc.ID,
			UserID:    user.ID,
		})
		if err != nil {
			return storage.User{}, storage.Key{}, err
		}
		return user, key, nil

	case errors.Is(err, storage.ErrNotFound):
		if !svc.UserAllowRegister {
			return storage.User{}, storage.Key{}, coreerr.BadRequest
		}
		newUser, cerr := f.Store.CreateUser(ctx, storage.User{
			ID:        storage.NewID(),
			IsEnabled: true,
			Name:      email,
			Email:     email,
			Locale:    "en-US",
			Timezone:  "UTC",
		})
		if cerr != nil {
			return storage.User{}, storage.Key{}, coreerr.Driver
		}
		key, kerr := keymod.Create(ctx, f.Store, storage.Key{
			Type:      storage.KeyUserToken,
			IsEnabled: true,
			ServiceID: svc.ID,
			UserID:    newUser.ID,
		})
		if kerr != nil {
			return storage.User{}, storage.Key{}, kerr
		}
		return newUser, key, nil

	default:
		return storage.User{}, storage.Key{}, coreerr.Driver
	}
}

// fetchProviderEmail calls provider.UserInfoURL with the exchanged token and
// extracts the email via the provider's extractor.
func fetchProviderEmail(ctx context.Context, provider OAuth2Provider, tok *oauth2.Token) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, provider.UserInfoURL, nil)
	if err != nil {
		return "", err
	}
	tok.SetAuthHeader(req)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("tokenflow: userinfo status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	if provider.UserInfoEmail != nil {
		return provider.UserInfoEmail(body)
	}
	var out struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if out.Email == "" {
		return "", errors.New("tokenflow: provider response had no email")
	}
	return out.Email, nil
}
