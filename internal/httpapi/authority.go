package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"edgeward.io/internal/audit"
	"edgeward.io/internal/auth"
	"edgeward.io/internal/identity"
	"edgeward.io/internal/obs"
)

// AuthorityAPI serves the authentication endpoints of the authority service.
type AuthorityAPI struct {
	mux    *http.ServeMux
	svc    *auth.Service
	probes probes
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type validateRequest struct {
	Token string `json:"token"`
}

// NewAuthority builds the authority HTTP surface over svc.
func NewAuthority(svc *auth.Service, ready ReadyChecker, version string) *AuthorityAPI {
	a := &AuthorityAPI{
		mux:    http.NewServeMux(),
		svc:    svc,
		probes: probes{service: "edgeward-authority", version: version, ready: ready},
	}
	a.probes.register(a.mux)

	a.mux.HandleFunc("/auth/login", a.handleLogin)
	a.mux.HandleFunc("/auth/register", a.handleRegister)
	a.mux.HandleFunc("/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("/auth/validate", a.handleValidate)
	a.mux.HandleFunc("/auth/user", a.handleCurrentUser)
	a.mux.Handle("/auth/admin/users/{id}", RequireRole(identity.RoleAdmin)(http.HandlerFunc(a.handleAdminUser)))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})
	return a
}

// Handler returns the fully wrapped handler.
func (a *AuthorityAPI) Handler() http.Handler {
	return Chain(a.mux,
		RequestID,
		LoggingJSON,
		obs.Instrument,
		SecurityHeaders,
		MaxBodyBytes(DefaultMaxBodyBytes),
		TrustedIdentity,
	)
}

func (a *AuthorityAPI) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	resp, err := a.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			_ = audit.LogEvent(r.Context(), "auth.login.failed", map[string]any{
				"email":     identity.NormalizeEmail(req.Email),
				"remote_ip": ClientIP(r),
			})
		}
		writeDomainError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.login.succeeded", map[string]any{
		"email": resp.Email,
		"roles": resp.Roles,
	})
	writeJSON(w, http.StatusOK, resp)
}

func (a *AuthorityAPI) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req auth.RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	u, err := a.svc.Register(r.Context(), req)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.identity.registered", map[string]any{
		"identity_id": u.ID,
		"email":       u.Email,
	})
	writeJSON(w, http.StatusCreated, u)
}

func (a *AuthorityAPI) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	resp, err := a.svc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *AuthorityAPI) handleValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req validateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, a.svc.Validate(req.Token))
}

func (a *AuthorityAPI) handleCurrentUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	token, err := auth.BearerToken(r.Header.Get("Authorization"))
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Bearer realm="edgeward"`)
		writeDomainError(w, r, auth.ErrUnauthenticated)
		return
	}
	u, err := a.svc.CurrentUser(r.Context(), token)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (a *AuthorityAPI) handleAdminUser(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, r, http.StatusBadRequest, "id must be a positive integer")
		return
	}
	switch r.Method {
	case http.MethodGet:
		u, err := a.svc.GetIdentity(r.Context(), id)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, u)
	case http.MethodPatch:
		var patch auth.IdentityPatch
		if err := decodeJSON(w, r, &patch); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		u, err := a.svc.UpdateIdentity(r.Context(), id, patch)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "auth.identity.updated", map[string]any{
			"identity_id": u.ID,
			"roles":       u.Roles,
			"enabled":     u.Enabled,
		})
		writeJSON(w, http.StatusOK, u)
	case http.MethodDelete:
		if err := a.svc.DeleteIdentity(r.Context(), id); err != nil {
			writeDomainError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "auth.identity.deleted", map[string]any{"identity_id": id})
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPatch, http.MethodDelete)
	}
}
