package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"edgeward.io/internal/auth"
	"edgeward.io/internal/events"
	"edgeward.io/internal/identity"
	"edgeward.io/internal/replica"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

func newClient(t *testing.T, h http.Handler) *apiClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &apiClient{baseURL: srv.URL, client: srv.Client(), t: t}
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, r *http.Response, want int) {
	t.Helper()
	if r.StatusCode != want {
		t.Fatalf("%s %s: expected %d, got %d", r.Request.Method, r.Request.URL.Path, want, r.StatusCode)
	}
}

type authorityFixture struct {
	*apiClient
	bus   *events.Bus
	store *identity.InMemoryReplica
}

// newAuthority wires the authority to an in-process bus feeding a replica.
func newAuthority(t *testing.T) *authorityFixture {
	t.Helper()
	codec, err := auth.NewCodec(testSecret)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	bus := events.NewBus(events.WithPartitions(2))
	replicaStore := identity.NewInMemoryReplica()
	if err := replica.NewEngine(replicaStore).Run(context.Background(), bus, events.TopicIdentity); err != nil {
		t.Fatalf("Run: %v", err)
	}
	svc, err := auth.NewService(identity.NewInMemory(), codec, auth.WithPublisher(bus))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	api := NewAuthority(svc, nil, "test")
	return &authorityFixture{apiClient: newClient(t, api.Handler()), bus: bus, store: replicaStore}
}

func TestAuthorityRegisterLoginFlow(t *testing.T) {
	api := newAuthority(t)

	resp := api.do(http.MethodPost, "/auth/register", map[string]any{
		"email": "u@x.com", "password": "correct-horse", "firstName": "U", "lastName": "X",
	}, nil)
	expectStatus(t, resp, http.StatusCreated)
	u := decode[identity.Identity](t, resp)
	if u.ID != 1 || len(u.Roles) != 1 || u.Roles[0] != "USER" || !u.Enabled {
		t.Fatalf("unexpected identity: %+v", u)
	}

	resp = api.do(http.MethodPost, "/auth/register", map[string]any{"email": "u@x.com", "password": "correct-horse"}, nil)
	expectStatus(t, resp, http.StatusConflict)
	apiErr := decode[ApiError](t, resp)
	if apiErr.Path != "/auth/register" || apiErr.Status != http.StatusConflict || apiErr.Message == "" || apiErr.Timestamp.IsZero() {
		t.Fatalf("unexpected error body: %+v", apiErr)
	}

	resp = api.do(http.MethodPost, "/auth/login", map[string]any{"email": "u@x.com", "password": "correct-horse"}, nil)
	expectStatus(t, resp, http.StatusOK)
	login := decode[auth.AuthResponse](t, resp)
	if login.AccessToken == "" || login.RefreshToken == "" || login.Email != "u@x.com" || login.ExpiresInMs != 3_600_000 {
		t.Fatalf("unexpected login: %+v", login)
	}

	resp = api.do(http.MethodGet, "/auth/user", nil, map[string]string{"Authorization": "Bearer " + login.AccessToken})
	expectStatus(t, resp, http.StatusOK)
	if me := decode[identity.Identity](t, resp); me.Email != "u@x.com" {
		t.Fatalf("unexpected current user: %+v", me)
	}

	resp = api.do(http.MethodPost, "/auth/refresh", map[string]any{"refreshToken": login.RefreshToken}, nil)
	expectStatus(t, resp, http.StatusOK)
	if refreshed := decode[auth.AuthResponse](t, resp); refreshed.AccessToken == "" {
		t.Fatal("refresh returned no access token")
	}

	resp = api.do(http.MethodPost, "/auth/validate", map[string]any{"token": login.AccessToken}, nil)
	expectStatus(t, resp, http.StatusOK)
	if valid := decode[bool](t, resp); !valid {
		t.Fatal("expected token to validate")
	}
	resp = api.do(http.MethodPost, "/auth/validate", map[string]any{"token": "nope"}, nil)
	expectStatus(t, resp, http.StatusOK)
	if valid := decode[bool](t, resp); valid {
		t.Fatal("expected garbage to be invalid")
	}

	_ = api.bus.Close()
	if got, err := api.store.Get(context.Background(), 1); err != nil || got.Email != "u@x.com" {
		t.Fatalf("replica not updated: %+v, %v", got, err)
	}
}

func TestAuthorityErrors(t *testing.T) {
	api := newAuthority(t)
	_ = api.do(http.MethodPost, "/auth/register", map[string]any{"email": "u@x.com", "password": "correct-horse"}, nil).Body.Close()

	cases := []struct {
		method string
		path   string
		body   any
		header map[string]string
		status int
	}{
		{http.MethodPost, "/auth/login", map[string]any{"email": "u@x.com", "password": "wrong-pass"}, nil, http.StatusUnauthorized},
		{http.MethodPost, "/auth/refresh", map[string]any{"refreshToken": "expired.or.bad"}, nil, http.StatusUnauthorized},
		{http.MethodGet, "/auth/user", nil, nil, http.StatusUnauthorized},
		{http.MethodGet, "/auth/user", nil, map[string]string{"Authorization": "Bearer junk"}, http.StatusUnauthorized},
		{http.MethodPost, "/auth/register", map[string]any{"email": "bad", "password": "correct-horse"}, nil, http.StatusBadRequest},
		{http.MethodPost, "/auth/login", map[string]any{"email": "u@x.com", "unknown": true}, nil, http.StatusBadRequest},
		{http.MethodGet, "/auth/login", nil, nil, http.StatusMethodNotAllowed},
		{http.MethodGet, "/nowhere", nil, nil, http.StatusNotFound},
	}
	for _, tc := range cases {
		resp := api.do(tc.method, tc.path, tc.body, tc.header)
		expectStatus(t, resp, tc.status)
		body := decode[ApiError](t, resp)
		if body.Status != tc.status || body.Path != tc.path {
			t.Fatalf("%s %s: unexpected body %+v", tc.method, tc.path, body)
		}
	}
}

func TestAuthorityAdminEndpoints(t *testing.T) {
	api := newAuthority(t)
	_ = api.do(http.MethodPost, "/auth/register", map[string]any{"email": "u@x.com", "password": "correct-horse"}, nil).Body.Close()

	admin := map[string]string{auth.HeaderUserEmail: "root@x.com", auth.HeaderUserRoles: "ADMIN"}
	user := map[string]string{auth.HeaderUserEmail: "u@x.com", auth.HeaderUserRoles: "USER"}

	resp := api.do(http.MethodGet, "/auth/admin/users/1", nil, user)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.do(http.MethodGet, "/auth/admin/users/1", nil, admin)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = api.do(http.MethodPatch, "/auth/admin/users/1", map[string]any{"roles": []string{"user", "manager"}}, admin)
	expectStatus(t, resp, http.StatusOK)
	if u := decode[identity.Identity](t, resp); len(u.Roles) != 2 {
		t.Fatalf("roles not updated: %+v", u)
	}

	resp = api.do(http.MethodDelete, "/auth/admin/users/1", nil, admin)
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = api.do(http.MethodGet, "/auth/admin/users/1", nil, admin)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = api.do(http.MethodGet, "/auth/admin/users/abc", nil, admin)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	_ = api.bus.Close()
	if api.store.Len() != 0 {
		t.Fatalf("replica should reflect the delete, has %d records", api.store.Len())
	}
}

func TestDirectoryEndpoints(t *testing.T) {
	ctx := context.Background()
	store := identity.NewInMemoryReplica()
	engine := replica.NewEngine(store)
	for _, u := range []identity.Identity{
		{ID: 1, Email: "u@x.com", Roles: []string{"USER"}, Enabled: true},
		{ID: 2, Email: "off@x.com", Roles: []string{"USER"}},
	} {
		if err := engine.Apply(ctx, identity.NewEvent(identity.EventCreated, u, time.Now())); err != nil {
			t.Fatalf("Apply: %v", err)
		}
	}
	api := newClient(t, NewDirectory(replica.NewDirectory(store), nil, "test").Handler())
	user := map[string]string{auth.HeaderUserEmail: "u@x.com", auth.HeaderUserRoles: "USER"}
	admin := map[string]string{auth.HeaderUserEmail: "root@x.com", auth.HeaderUserRoles: "ADMIN"}

	resp := api.do(http.MethodGet, "/api/users/1", nil, user)
	expectStatus(t, resp, http.StatusOK)
	if u := decode[identity.Identity](t, resp); u.Email != "u@x.com" {
		t.Fatalf("unexpected identity: %+v", u)
	}

	resp = api.do(http.MethodGet, "/api/users/email/U@x.com", nil, user)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = api.do(http.MethodGet, "/api/users/profile", nil, user)
	expectStatus(t, resp, http.StatusOK)
	if u := decode[identity.Identity](t, resp); u.ID != 1 {
		t.Fatalf("unexpected profile: %+v", u)
	}

	resp = api.do(http.MethodGet, "/api/users/profile", nil, nil)
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = api.do(http.MethodGet, "/api/users/99", nil, user)
	expectStatus(t, resp, http.StatusNotFound)
	if body := decode[ApiError](t, resp); body.Path != "/api/users/99" {
		t.Fatalf("unexpected body: %+v", body)
	}

	resp = api.do(http.MethodGet, "/api/users/admin/all", nil, user)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.do(http.MethodGet, "/api/users/admin/all", nil, admin)
	expectStatus(t, resp, http.StatusOK)
	if all := decode[[]identity.Identity](t, resp); len(all) != 2 {
		t.Fatalf("expected 2 identities, got %d", len(all))
	}

	resp = api.do(http.MethodGet, "/api/users/admin/active", nil, admin)
	expectStatus(t, resp, http.StatusOK)
	if active := decode[[]identity.Identity](t, resp); len(active) != 1 || active[0].ID != 1 {
		t.Fatalf("unexpected active list: %+v", active)
	}
}

func TestProbes(t *testing.T) {
	failing := ReadyFunc(func(ctx context.Context) error { return context.DeadlineExceeded })
	api := newClient(t, NewDirectory(replica.NewDirectory(identity.NewInMemoryReplica()), failing, "1.2.3").Handler())

	resp := api.do(http.MethodGet, "/healthz", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	if body := decode[map[string]any](t, resp); body["version"] != "1.2.3" {
		t.Fatalf("unexpected health body: %v", body)
	}
	resp = api.do(http.MethodGet, "/readyz", nil, nil)
	expectStatus(t, resp, http.StatusServiceUnavailable)
	resp.Body.Close()
}
