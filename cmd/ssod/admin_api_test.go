package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/ssoforge/idcore/identity"
	"github.com/ssoforge/idcore/keymod"
	"github.com/ssoforge/idcore/metrics"
	"github.com/ssoforge/idcore/storage"
	"github.com/ssoforge/idcore/storage/memory"
	"github.com/ssoforge/idcore/tokenflow"
)

func TestAdmin_RootBootstrapsServiceAndKey(t *testing.T) {
	ctx := context.Background()
	store := memory.New(logrus.StandardLogger())
	defer store.Close()

	rootKey, err := keymod.Create(ctx, store, storage.Key{Type: storage.KeyRoot, IsEnabled: true, Name: "boot"})
	require.NoError(t, err)

	handler := newAPIHandler(tokenflow.New(store, nil, logrus.StandardLogger()), identity.New(store, logrus.StandardLogger()), metrics.NewRegistry(), nil)

	do := func(method, path, bearer string, payload interface{}) *httptest.ResponseRecorder {
		var body bytes.Buffer
		if payload != nil {
			require.NoError(t, json.NewEncoder(&body).Encode(payload))
		}
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(method, path, &body)
		req.Header.Set("Authorization", "Bearer "+bearer)
		handler.ServeHTTP(rec, req)
		return rec
	}

	// Root creates a service.
	rec := do(http.MethodPost, "/service", rootKey.Value, identity.ServiceCreate{
		Name: "acme", URL: "https://acme.example.com",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var svc storage.Service
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &svc))

	// Root mints the service's key.
	rec = do(http.MethodPost, "/key", rootKey.Value, identity.KeyCreate{
		Type: storage.KeyService, Name: "acme key", ServiceID: svc.ID,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var svcKey storage.Key
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &svcKey))
	require.Len(t, svcKey.Value, 32)

	// The service creates a user with its own key.
	rec = do(http.MethodPost, "/user", svcKey.Value, identity.UserCreate{
		Name: "Ada Lovelace", Email: "ada@example.com",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var user storage.User
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &user))

	// But the service cannot list services.
	rec = do(http.MethodGet, "/service", svcKey.Value, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Root sees the whole audit trail of the above.
	rec = do(http.MethodGet, "/audit", rootKey.Value, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []storage.AuditEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 3)
}

func TestMetricsEndpointRequiresBearer(t *testing.T) {
	ctx := context.Background()
	store := memory.New(logrus.StandardLogger())
	defer store.Close()

	rootKey, err := keymod.Create(ctx, store, storage.Key{Type: storage.KeyRoot, IsEnabled: true, Name: "boot"})
	require.NoError(t, err)

	handler := newAPIHandler(tokenflow.New(store, nil, logrus.StandardLogger()), identity.New(store, logrus.StandardLogger()), metrics.NewRegistry(), nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Authorization", "Bearer "+rootKey.Value)
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "idcore_http_requests_total")
}
