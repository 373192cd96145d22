package httpapi

import (
	"net/http"
	"strconv"

	"edgeward.io/internal/auth"
	"edgeward.io/internal/identity"
	"edgeward.io/internal/obs"
	"edgeward.io/internal/replica"
)

// DirectoryAPI serves read queries against the identity replica.
type DirectoryAPI struct {
	mux    *http.ServeMux
	dir    *replica.Directory
	probes probes
}

// NewDirectory builds the replica read surface.
func NewDirectory(dir *replica.Directory, ready ReadyChecker, version string) *DirectoryAPI {
	d := &DirectoryAPI{
		mux:    http.NewServeMux(),
		dir:    dir,
		probes: probes{service: "edgeward-directory", version: version, ready: ready},
	}
	d.probes.register(d.mux)

	admin := RequireRole(identity.RoleAdmin)
	d.mux.HandleFunc("/api/users/profile", d.handleProfile)
	d.mux.HandleFunc("/api/users/email/{email}", d.handleByEmail)
	d.mux.Handle("/api/users/admin/all", admin(http.HandlerFunc(d.handleAll)))
	d.mux.Handle("/api/users/admin/active", admin(http.HandlerFunc(d.handleActive)))
	d.mux.HandleFunc("/api/users/{id}", d.handleByID)

	d.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})
	return d
}

// Handler returns the fully wrapped handler.
func (d *DirectoryAPI) Handler() http.Handler {
	return Chain(d.mux,
		RequestID,
		LoggingJSON,
		obs.Instrument,
		SecurityHeaders,
		TrustedIdentity,
	)
}

func (d *DirectoryAPI) handleByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "id must be a positive integer")
		return
	}
	u, err := d.dir.ByID(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (d *DirectoryAPI) handleByEmail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	u, err := d.dir.ByEmail(r.Context(), r.PathValue("email"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (d *DirectoryAPI) handleProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	email := auth.EmailFromContext(r.Context())
	if email == "" {
		writeDomainError(w, r, auth.ErrUnauthenticated)
		return
	}
	u, err := d.dir.ByEmail(r.Context(), email)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (d *DirectoryAPI) handleAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	list, err := d.dir.All(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (d *DirectoryAPI) handleActive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	list, err := d.dir.Active(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}
