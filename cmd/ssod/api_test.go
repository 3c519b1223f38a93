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

	"github.com/ssoforge/idcore/corecrypto"
	"github.com/ssoforge/idcore/identity"
	"github.com/ssoforge/idcore/keymod"
	"github.com/ssoforge/idcore/metrics"
	"github.com/ssoforge/idcore/storage"
	"github.com/ssoforge/idcore/storage/memory"
	"github.com/ssoforge/idcore/tokenflow"
)

func TestPing(t *testing.T) {
	store := memory.New(logrus.StandardLogger())
	defer store.Close()
	handler := newAPIHandler(tokenflow.New(store, nil, logrus.StandardLogger()), identity.New(store, logrus.StandardLogger()), metrics.NewRegistry(), nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.Equal(t, "pong", rec.Body.String())
}

func TestLocalLogin_RequiresServiceBearer(t *testing.T) {
	store := memory.New(logrus.StandardLogger())
	defer store.Close()
	handler := newAPIHandler(tokenflow.New(store, nil, logrus.StandardLogger()), identity.New(store, logrus.StandardLogger()), metrics.NewRegistry(), nil)

	body, _ := json.Marshal(map[string]string{"Email": "ada@example.com", "Password": "hunter2hunter2"})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/auth/local/login", bytes.NewReader(body))
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLocalLogin_SucceedsWithServiceBearer(t *testing.T) {
	ctx := context.Background()
	store := memory.New(logrus.StandardLogger())
	defer store.Close()

	svc, err := store.CreateService(ctx, storage.Service{ID: storage.NewID(), IsEnabled: true, Name: "acme", URL: "https://acme.example.com"})
	require.NoError(t, err)
	serviceKey, err := keymod.Create(ctx, store, storage.Key{IsEnabled: true, Type: storage.KeyService, ServiceID: svc.ID})
	require.NoError(t, err)

	hash, err := corecrypto.HashPassword("hunter2hunter2")
	require.NoError(t, err)
	user, err := store.CreateUser(ctx, storage.User{ID: storage.NewID(), IsEnabled: true, Email: "ada@example.com", PasswordHash: hash})
	require.NoError(t, err)
	_, err = keymod.Create(ctx, store, storage.Key{IsEnabled: true, Type: storage.KeyUserToken, ServiceID: svc.ID, UserID: user.ID})
	require.NoError(t, err)

	handler := newAPIHandler(tokenflow.New(store, nil, logrus.StandardLogger()), identity.New(store, logrus.StandardLogger()), metrics.NewRegistry(), nil)

	body, _ := json.Marshal(map[string]string{"Email": "ada@example.com", "Password": "hunter2hunter2"})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/auth/local/login", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+serviceKey.Value)
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var pair tokenflow.TokenPair
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pair))
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
}

func TestCsrf_CreateThenVerifyIsSingleUse(t *testing.T) {
	ctx := context.Background()
	store := memory.New(logrus.StandardLogger())
	defer store.Close()

	svc, err := store.CreateService(ctx, storage.Service{ID: storage.NewID(), IsEnabled: true, Name: "acme", URL: "https://acme.example.com"})
	require.NoError(t, err)
	serviceKey, err := keymod.Create(ctx, store, storage.Key{IsEnabled: true, Type: storage.KeyService, ServiceID: svc.ID})
	require.NoError(t, err)

	handler := newAPIHandler(tokenflow.New(store, nil, logrus.StandardLogger()), identity.New(store, logrus.StandardLogger()), metrics.NewRegistry(), nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/auth/csrf", nil)
	req.Header.Set("Authorization", "Bearer "+serviceKey.Value)
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var created storage.Csrf
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.Key)

	body, _ := json.Marshal(map[string]string{"Key": created.Key})
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/auth/csrf", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+serviceKey.Value)
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/auth/csrf", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+serviceKey.Value)
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOAuth2Broker_UnknownProviderIsBadRequest(t *testing.T) {
	ctx := context.Background()
	store := memory.New(logrus.StandardLogger())
	defer store.Close()

	svc, err := store.CreateService(ctx, storage.Service{ID: storage.NewID(), IsEnabled: true, Name: "acme", URL: "https://acme.example.com"})
	require.NoError(t, err)
	serviceKey, err := keymod.Create(ctx, store, storage.Key{IsEnabled: true, Type: storage.KeyService, ServiceID: svc.ID})
	require.NoError(t, err)

	handler := newAPIHandler(tokenflow.New(store, nil, logrus.StandardLogger()), identity.New(store, logrus.StandardLogger()), metrics.NewRegistry(), nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/auth/provider/github/oauth2", nil)
	req.Header.Set("Authorization", "Bearer "+serviceKey.Value)
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
