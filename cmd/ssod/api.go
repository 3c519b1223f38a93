package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ssoforge/idcore/audit"
	"github.com/ssoforge/idcore/authn"
	"github.com/ssoforge/idcore/corecrypto"
	"github.com/ssoforge/idcore/coreerr"
	"github.com/ssoforge/idcore/identity"
	"github.com/ssoforge/idcore/metrics"
	"github.com/ssoforge/idcore/storage"
	"github.com/ssoforge/idcore/tokenflow"
	"github.com/ssoforge/idcore/validate"
)

// newAPIHandler binds the abstract operation surface (ping, auth/local/login,
// auth/token/{verify,refresh,revoke}, auth/key/{verify,revoke},
// auth/reset/password{,/confirm}, auth/totp, auth/email/update{,/revoke},
// auth/password/update/revoke, auth/csrf, auth/provider/{name}/oauth2{,/callback})
// to concrete routes, plus the administrative service/user/key/audit CRUD and
// the authenticated metrics endpoint via registerAdminRoutes. providers maps
// a provider name (as it appears in the auth/provider/{name}/oauth2 path) to
// its configuration; a request against an unconfigured name reports
// BadRequest.
func newAPIHandler(flow *tokenflow.Flow, admin *identity.Admin, reg *metrics.Registry, providers map[string]tokenflow.OAuth2Provider) http.Handler {
	disp := authn.New(flow.Store)
	mux := http.NewServeMux()

	route := func(path, name string, fn func(http.ResponseWriter, *http.Request)) {
		mux.Handle(path, reg.Instrument(name, http.HandlerFunc(fn)))
	}

	registerAdminRoutes(route, disp, admin, reg.Handler())

	route("/ping", "ping", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("pong"))
	})

	route("/auth/local/login", "local_login", serviceHandler(disp, func(w http.ResponseWriter, r *http.Request, serviceID string) {
		var req struct{ Email, Password string }
		if !decodeJSON(w, r, &req) {
			return
		}
		pair, err := flow.LocalLogin(r.Context(), metaFrom(r), serviceID, req.Email, req.Password)
		writeResult(w, pair, err)
	}))

	route("/auth/token/verify", "token_verify", serviceHandler(disp, func(w http.ResponseWriter, r *http.Request, serviceID string) {
		var req struct{ Token string }
		if !decodeJSON(w, r, &req) {
			return
		}
		verified, err := flow.TokenVerify(r.Context(), metaFrom(r), serviceID, req.Token)
		writeResult(w, verified, err)
	}))

	route("/auth/token/refresh", "token_refresh", serviceHandler(disp, func(w http.ResponseWriter, r *http.Request, serviceID string) {
		var req struct{ Token string }
		if !decodeJSON(w, r, &req) {
			return
		}
		pair, err := flow.TokenRefresh(r.Context(), metaFrom(r), serviceID, req.Token)
		writeResult(w, pair, err)
	}))

	route("/auth/token/revoke", "token_revoke", serviceHandler(disp, func(w http.ResponseWriter, r *http.Request, serviceID string) {
		var req struct{ Token string }
		if !decodeJSON(w, r, &req) {
			return
		}
		err := flow.TokenRevoke(r.Context(), metaFrom(r), serviceID, req.Token)
		writeResult(w, struct{}{}, err)
	}))

	route("/auth/key/verify", "key_verify", serviceHandler(disp, func(w http.ResponseWriter, r *http.Request, serviceID string) {
		var req struct{ Key string }
		if !decodeJSON(w, r, &req) {
			return
		}
		key, err := flow.KeyVerify(r.Context(), metaFrom(r), serviceID, req.Key)
		writeResult(w, key, err)
	}))

	route("/auth/key/revoke", "key_revoke", serviceHandler(disp, func(w http.ResponseWriter, r *http.Request, serviceID string) {
		var req struct{ Key string }
		if !decodeJSON(w, r, &req) {
			return
		}
		err := flow.KeyRevoke(r.Context(), metaFrom(r), serviceID, req.Key)
		writeResult(w, struct{}{}, err)
	}))

	route("/auth/reset/password", "reset_password_request", serviceHandler(disp, func(w http.ResponseWriter, r *http.Request, serviceID string) {
		var req struct{ Email string }
		if !decodeJSON(w, r, &req) {
			return
		}
		err := flow.PasswordResetRequest(r.Context(), metaFrom(r), serviceID, req.Email)
		writeResult(w, struct{}{}, err)
	}))

	route("/auth/reset/password/confirm", "reset_password_confirm", serviceHandler(disp, func(w http.ResponseWriter, r *http.Request, serviceID string) {
		var req struct{ Token, Password string }
		if !decodeJSON(w, r, &req) {
			return
		}
		err := flow.PasswordResetConfirm(r.Context(), metaFrom(r), serviceID, req.Token, req.Password)
		writeResult(w, struct{}{}, err)
	}))

	route("/auth/totp", "totp_verify", serviceHandler(disp, func(w http.ResponseWriter, r *http.Request, serviceID string) {
		var req struct{ UserID, Code string }
		if !decodeJSON(w, r, &req) {
			return
		}
		err := flow.TotpVerify(r.Context(), metaFrom(r), serviceID, req.UserID, req.Code)
		writeResult(w, struct{}{}, err)
	}))

	route("/auth/email/update", "email_update", serviceHandler(disp, func(w http.ResponseWriter, r *http.Request, serviceID string) {
		var req struct{ UserID, Email string }
		if !decodeJSON(w, r, &req) {
			return
		}
		err := flow.EmailUpdate(r.Context(), metaFrom(r), serviceID, req.UserID, req.Email)
		writeResult(w, struct{}{}, err)
	}))

	route("/auth/email/update/revoke", "email_update_revoke", serviceHandler(disp, func(w http.ResponseWriter, r *http.Request, serviceID string) {
		var req struct{ Token string }
		if !decodeJSON(w, r, &req) {
			return
		}
		err := flow.EmailUpdateRevoke(r.Context(), metaFrom(r), serviceID, req.Token)
		writeResult(w, struct{}{}, err)
	}))

	route("/auth/password/update", "password_update", serviceHandler(disp, func(w http.ResponseWriter, r *http.Request, serviceID string) {
		var req struct{ UserID, Password string }
		if !decodeJSON(w, r, &req) {
			return
		}
		err := flow.PasswordUpdate(r.Context(), metaFrom(r), serviceID, req.UserID, req.Password)
		writeResult(w, struct{}{}, err)
	}))

	route("/auth/password/update/revoke", "password_update_revoke", serviceHandler(disp, func(w http.ResponseWriter, r *http.Request, serviceID string) {
		var req struct{ Token string }
		if !decodeJSON(w, r, &req) {
			return
		}
		err := flow.PasswordUpdateRevoke(r.Context(), metaFrom(r), serviceID, req.Token)
		writeResult(w, struct{}{}, err)
	}))

	route("/auth/csrf", "csrf", serviceHandler(disp, csrfHandler(flow)))

	route("/auth/provider/", "oauth2_broker", serviceHandler(disp, oauth2Handler(flow, providers)))

	return mux
}

// csrfTTL is the lifetime of a CSRF record minted through the standalone
// auth/csrf endpoint, independent of any token flow's own CSRF-as-state use.
const csrfTTL = 10 * time.Minute

// csrfHandler implements auth/csrf: GET mints a fresh CSRF record scoped to
// the caller's service, POST reads-and-deletes one by key, reporting
// BadRequest if it is absent or already used.
func csrfHandler(flow *tokenflow.Flow) func(http.ResponseWriter, *http.Request, string) {
	return func(w http.ResponseWriter, r *http.Request, serviceID string) {
		switch r.Method {
		case http.MethodGet:
			key, err := corecrypto.NewCsrfKey()
			if err != nil {
				writeResult(w, nil, coreerr.Driver)
				return
			}
			created, err := flow.Store.CreateCsrf(r.Context(), storage.Csrf{
				Key:       key,
				TTL:       time.Now().Add(csrfTTL),
				ServiceID: serviceID,
				CreatedAt: time.Now(),
			})
			if err != nil {
				writeResult(w, nil, coreerr.Driver)
				return
			}
			writeResult(w, created, nil)
		case http.MethodPost:
			var req struct{ Key string }
			if !decodeJSON(w, r, &req) {
				return
			}
			if err := validate.CsrfKey(req.Key, corecrypto.CsrfKeyBytes); err != nil {
				writeResult(w, nil, err)
				return
			}
			csrf, err := flow.Store.GetCsrf(r.Context(), req.Key)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					writeResult(w, nil, coreerr.BadRequest)
					return
				}
				writeResult(w, nil, coreerr.Driver)
				return
			}
			if csrf.ServiceID != serviceID {
				writeResult(w, nil, coreerr.BadRequest)
				return
			}
			writeResult(w, csrf, nil)
		default:
			writeResult(w, nil, coreerr.BadRequest)
		}
	}
}

// oauth2Handler implements auth/provider/{name}/oauth2{,/callback}: GET
// returns the provider's authorise URL carrying a fresh CSRF state, and GET
// .../callback decodes (code, state) from the query string and completes
// the exchange. name is looked up in providers; an unconfigured name is
// BadRequest rather than Oauth2, since it's a caller/config error, not a
// provider-side or CSRF failure.
func oauth2Handler(flow *tokenflow.Flow, providers map[string]tokenflow.OAuth2Provider) func(http.ResponseWriter, *http.Request, string) {
	return func(w http.ResponseWriter, r *http.Request, serviceID string) {
		rest := strings.TrimPrefix(r.URL.Path, "/auth/provider/")
		name, action, ok := strings.Cut(rest, "/oauth2")
		if !ok || name == "" {
			writeResult(w, nil, coreerr.BadRequest)
			return
		}
		provider, ok := providers[name]
		if !ok {
			writeResult(w, nil, coreerr.BadRequest)
			return
		}

		switch action {
		case "":
			url, err := flow.BrokerURL(r.Context(), metaFrom(r), serviceID, provider)
			writeResult(w, map[string]string{"url": url}, err)
		case "/callback":
			code, state := r.URL.Query().Get("code"), r.URL.Query().Get("state")
			redirectURL, err := flow.BrokerCallback(r.Context(), metaFrom(r), serviceID, provider, code, state)
			if err != nil {
				writeResult(w, nil, err)
				return
			}
			http.Redirect(w, r, redirectURL, http.StatusFound)
		default:
			writeResult(w, nil, coreerr.BadRequest)
		}
	}
}

// serviceHandler resolves the request's bearer credential to a service
// actor before calling fn, matching the dispatch step every flow assumes
// has already happened ("transport -> audit_meta, bearer -> dispatcher ->
// service actor").
func serviceHandler(disp *authn.Dispatcher, fn func(http.ResponseWriter, *http.Request, string)) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := disp.Authenticate(r.Context(), r.Header.Get("Authorization"), authn.ServiceAuthenticate)
		if err != nil {
			writeResult(w, nil, err)
			return
		}
		fn(w, r, actor.Service.ID)
	}
}

func metaFrom(r *http.Request) audit.Meta {
	return audit.Meta{
		UserAgent:  r.Header.Get("User-Agent"),
		Forwarded:  r.Header.Get("Forwarded"),
		RemoteAddr: r.RemoteAddr,
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeResult(w, nil, coreerr.BadRequest)
		return false
	}
	return true
}

// writeResult writes err's redacted taxonomy tag as JSON on failure, or
// result as JSON on success. No error ever includes a message or stack
// trace: the caller learns only which of the fixed taxonomy tags applied.
func writeResult(w http.ResponseWriter, result interface{}, err error) {
	if err != nil {
		// Only the sentinel at the root of err's chain is reported, never a
		// reason code wrapped around it.
		root := err
		for errors.Unwrap(root) != nil {
			root = errors.Unwrap(root)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusForHTTP(err))
		_ = json.NewEncoder(w).Encode(map[string]string{"error": coreerr.Tag(root)})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

func statusForHTTP(err error) int {
	switch {
	case errors.Is(err, coreerr.Driver):
		return http.StatusInternalServerError
	case errors.Is(err, coreerr.Unauthorised):
		return http.StatusUnauthorized
	case errors.Is(err, coreerr.Forbidden):
		return http.StatusForbidden
	case errors.Is(err, coreerr.NotFound):
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}
