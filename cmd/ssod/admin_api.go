package main

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/ssoforge/idcore/authn"
	"github.com/ssoforge/idcore/coreerr"
	"github.com/ssoforge/idcore/identity"
	"github.com/ssoforge/idcore/storage"
)

// registerAdminRoutes binds the administrative operation surface — service,
// user, key and audit CRUD+list, plus the authenticated metrics endpoint —
// onto mux. Every route authenticates in KeyAuthenticate mode (root or
// service key); per-operation scope is enforced inside package identity.
func registerAdminRoutes(route func(path, name string, fn func(http.ResponseWriter, *http.Request)), disp *authn.Dispatcher, admin *identity.Admin, metricsHandler http.Handler) {
	route("/service", "service", keyHandler(disp, serviceCollectionHandler(admin)))
	route("/service/", "service", keyHandler(disp, serviceItemHandler(admin)))
	route("/user", "user", keyHandler(disp, userCollectionHandler(admin)))
	route("/user/", "user", keyHandler(disp, userItemHandler(admin)))
	route("/key", "key", keyHandler(disp, keyCollectionHandler(admin)))
	route("/key/", "key", keyHandler(disp, keyItemHandler(admin)))
	route("/audit", "audit", keyHandler(disp, auditCollectionHandler(admin)))
	route("/audit/", "audit", keyHandler(disp, auditItemHandler(admin)))

	route("/metrics", "metrics", keyHandler(disp, func(w http.ResponseWriter, r *http.Request, _ authn.Actor) {
		metricsHandler.ServeHTTP(w, r)
	}))
}

// keyHandler resolves the request's bearer credential in KeyAuthenticate mode
// (root allowed) before calling fn with the full resolved actor.
func keyHandler(disp *authn.Dispatcher, fn func(http.ResponseWriter, *http.Request, authn.Actor)) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := disp.Authenticate(r.Context(), r.Header.Get("Authorization"), authn.KeyAuthenticate)
		if err != nil {
			writeResult(w, nil, err)
			return
		}
		fn(w, r, actor)
	}
}

// pathID extracts the trailing id from an item route like /service/{id}.
func pathID(r *http.Request, prefix string) string {
	return strings.TrimPrefix(r.URL.Path, prefix)
}

// listOptionsFrom reads the keyset pagination params: limit, id_gt, id_lt.
func listOptionsFrom(r *http.Request) storage.ListOptions {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	return storage.ListOptions{
		Limit: limit,
		IDGt:  q.Get("id_gt"),
		IDLt:  q.Get("id_lt"),
	}
}

func serviceCollectionHandler(admin *identity.Admin) func(http.ResponseWriter, *http.Request, authn.Actor) {
	return func(w http.ResponseWriter, r *http.Request, actor authn.Actor) {
		switch r.Method {
		case http.MethodGet:
			services, err := admin.ServiceList(r.Context(), actor, listOptionsFrom(r))
			writeResult(w, services, err)
		case http.MethodPost:
			var req identity.ServiceCreate
			if !decodeJSON(w, r, &req) {
				return
			}
			svc, err := admin.ServiceCreate(r.Context(), metaFrom(r), actor, req)
			writeResult(w, svc, err)
		default:
			writeResult(w, nil, coreerr.BadRequest)
		}
	}
}

func serviceItemHandler(admin *identity.Admin) func(http.ResponseWriter, *http.Request, authn.Actor) {
	return func(w http.ResponseWriter, r *http.Request, actor authn.Actor) {
		id := pathID(r, "/service/")
		switch r.Method {
		case http.MethodGet:
			svc, err := admin.ServiceRead(r.Context(), actor, id)
			writeResult(w, svc, err)
		case http.MethodPatch:
			var patch identity.ServicePatch
			if !decodeJSON(w, r, &patch) {
				return
			}
			svc, err := admin.ServiceUpdate(r.Context(), metaFrom(r), actor, id, patch)
			writeResult(w, svc, err)
		case http.MethodDelete:
			err := admin.ServiceDelete(r.Context(), metaFrom(r), actor, id)
			writeResult(w, struct{}{}, err)
		default:
			writeResult(w, nil, coreerr.BadRequest)
		}
	}
}

func userCollectionHandler(admin *identity.Admin) func(http.ResponseWriter, *http.Request, authn.Actor) {
	return func(w http.ResponseWriter, r *http.Request, actor authn.Actor) {
		switch r.Method {
		case http.MethodGet:
			if email := r.URL.Query().Get("email"); email != "" {
				u, err := admin.UserReadByEmail(r.Context(), actor, email)
				writeResult(w, u, err)
				return
			}
			users, err := admin.UserList(r.Context(), actor, listOptionsFrom(r))
			writeResult(w, users, err)
		case http.MethodPost:
			var req identity.UserCreate
			if !decodeJSON(w, r, &req) {
				return
			}
			u, err := admin.UserCreate(r.Context(), metaFrom(r), actor, req)
			writeResult(w, u, err)
		default:
			writeResult(w, nil, coreerr.BadRequest)
		}
	}
}

func userItemHandler(admin *identity.Admin) func(http.ResponseWriter, *http.Request, authn.Actor) {
	return func(w http.ResponseWriter, r *http.Request, actor authn.Actor) {
		id := pathID(r, "/user/")
		switch r.Method {
		case http.MethodGet:
			u, err := admin.UserRead(r.Context(), actor, id)
			writeResult(w, u, err)
		case http.MethodPatch:
			var patch identity.UserPatch
			if !decodeJSON(w, r, &patch) {
				return
			}
			u, err := admin.UserUpdate(r.Context(), metaFrom(r), actor, id, patch)
			writeResult(w, u, err)
		case http.MethodDelete:
			err := admin.UserDelete(r.Context(), metaFrom(r), actor, id)
			writeResult(w, struct{}{}, err)
		default:
			writeResult(w, nil, coreerr.BadRequest)
		}
	}
}

func keyCollectionHandler(admin *identity.Admin) func(http.ResponseWriter, *http.Request, authn.Actor) {
	return func(w http.ResponseWriter, r *http.Request, actor authn.Actor) {
		switch r.Method {
		case http.MethodGet:
			keys, err := admin.KeyList(r.Context(), actor, r.URL.Query().Get("service_id"), listOptionsFrom(r))
			writeResult(w, keys, err)
		case http.MethodPost:
			var req identity.KeyCreate
			if !decodeJSON(w, r, &req) {
				return
			}
			k, err := admin.KeyCreate(r.Context(), metaFrom(r), actor, req)
			writeResult(w, k, err)
		default:
			writeResult(w, nil, coreerr.BadRequest)
		}
	}
}

func keyItemHandler(admin *identity.Admin) func(http.ResponseWriter, *http.Request, authn.Actor) {
	return func(w http.ResponseWriter, r *http.Request, actor authn.Actor) {
		id := pathID(r, "/key/")
		switch r.Method {
		case http.MethodGet:
			k, err := admin.KeyRead(r.Context(), actor, id)
			writeResult(w, k, err)
		case http.MethodPatch:
			var patch identity.KeyPatch
			if !decodeJSON(w, r, &patch) {
				return
			}
			k, err := admin.KeyUpdate(r.Context(), metaFrom(r), actor, id, patch)
			writeResult(w, k, err)
		case http.MethodDelete:
			err := admin.KeyDelete(r.Context(), metaFrom(r), actor, id)
			writeResult(w, struct{}{}, err)
		default:
			writeResult(w, nil, coreerr.BadRequest)
		}
	}
}

func auditCollectionHandler(admin *identity.Admin) func(http.ResponseWriter, *http.Request, authn.Actor) {
	return func(w http.ResponseWriter, r *http.Request, actor authn.Actor) {
		switch r.Method {
		case http.MethodGet:
			q := r.URL.Query()
			entries, err := admin.AuditList(r.Context(), actor, storage.AuditQuery{
				Types:       q["type"],
				Subjects:    q["subject"],
				ServiceID:   q.Get("service_id"),
				UserID:      q.Get("user_id"),
				ListOptions: listOptionsFrom(r),
			})
			writeResult(w, entries, err)
		case http.MethodPost:
			var req identity.AuditCreateRequest
			if !decodeJSON(w, r, &req) {
				return
			}
			entry, err := admin.AuditCreate(r.Context(), metaFrom(r), actor, req)
			writeResult(w, entry, err)
		default:
			writeResult(w, nil, coreerr.BadRequest)
		}
	}
}

func auditItemHandler(admin *identity.Admin) func(http.ResponseWriter, *http.Request, authn.Actor) {
	return func(w http.ResponseWriter, r *http.Request, actor authn.Actor) {
		id := pathID(r, "/audit/")
		switch r.Method {
		case http.MethodGet:
			entry, err := admin.AuditRead(r.Context(), actor, id)
			writeResult(w, entry, err)
		case http.MethodPatch:
			var req identity.AuditUpdateRequest
			if !decodeJSON(w, r, &req) {
				return
			}
			entry, err := admin.AuditUpdate(r.Context(), actor, id, req)
			writeResult(w, entry, err)
		default:
			writeResult(w, nil, coreerr.BadRequest)
		}
	}
}
