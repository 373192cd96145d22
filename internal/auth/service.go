package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"edgeward.io/internal/events"
	"edgeward.io/internal/identity"
	"edgeward.io/internal/obs"
)

const (
	minPasswordLength = 8
	publishTimeout    = 5 * time.Second
)

// AuthResponse is returned by login and refresh.
type AuthResponse struct {
	AccessToken  string   `json:"accessToken"`
	RefreshToken string   `json:"refreshToken"`
	Email        string   `json:"email"`
	Roles        []string `json:"roles"`
	ExpiresInMs  int64    `json:"expiresInMs"`
}

// RegisterRequest carries the fields of a new identity.
type RegisterRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

// IdentityPatch updates selected fields; nil fields are left unchanged.
type IdentityPatch struct {
	FirstName *string   `json:"firstName,omitempty"`
	LastName  *string   `json:"lastName,omitempty"`
	Roles     *[]string `json:"roles,omitempty"`
	Enabled   *bool     `json:"enabled,omitempty"`
}

// Service is the authority: it owns identity creation, issues tokens and
// announces every identity mutation on the event channel.
type Service struct {
	store        identity.Store
	codec        *Codec
	authn        Authenticator
	publisher    events.Publisher
	topic        string
	defaultRoles []string
	now          func() time.Time
	log          zerolog.Logger
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithAuthenticator replaces the default bcrypt authenticator.
func WithAuthenticator(a Authenticator) ServiceOption {
	return func(s *Service) error {
		if a == nil {
			return errors.New("auth: authenticator is nil")
		}
		s.authn = a
		return nil
	}
}

// WithPublisher sets the channel identity events are published on.
func WithPublisher(p events.Publisher) ServiceOption {
	return func(s *Service) error {
		if p != nil {
			s.publisher = p
		}
		return nil
	}
}

// WithTopic overrides the identity event topic.
func WithTopic(topic string) ServiceOption {
	return func(s *Service) error {
		if topic = strings.TrimSpace(topic); topic != "" {
			s.topic = topic
		}
		return nil
	}
}

// WithDefaultRoles sets the roles granted on registration.
func WithDefaultRoles(roles ...string) ServiceOption {
	return func(s *Service) error {
		normalized := identity.NormalizeRoles(roles)
		if len(normalized) == 0 {
			return errors.New("auth: default roles must not be empty")
		}
		s.defaultRoles = normalized
		return nil
	}
}

// WithServiceClock overrides the event timestamp source.
func WithServiceClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService wires the authority over its store and token codec.
func NewService(store identity.Store, codec *Codec, opts ...ServiceOption) (*Service, error) {
	if store == nil || codec == nil {
		return nil, errors.New("auth: store and codec are required")
	}
	svc := &Service{
		store:        store,
		codec:        codec,
		publisher:    events.Discard,
		topic:        events.TopicIdentity,
		defaultRoles: []string{identity.RoleUser},
		now:          time.Now,
		log:          obs.Component("auth.service"),
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if svc.authn == nil {
		svc.authn = NewPasswordAuthenticator(store)
	}
	return svc, nil
}

// Codec exposes the token codec for handlers that only verify.
func (s *Service) Codec() *Codec { return s.codec }

// Login verifies credentials and issues an access/refresh pair.
func (s *Service) Login(ctx context.Context, email, password string) (AuthResponse, error) {
	email = identity.NormalizeEmail(email)
	if email == "" || password == "" {
		return AuthResponse{}, ErrInvalidCredentials
	}
	u, err := s.authn.Authenticate(ctx, email, password)
	if err != nil {
		return AuthResponse{}, err
	}
	return s.issuePair(u)
}

// Register creates an enabled identity with the default roles and publishes
// CREATED once the store has committed it.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (identity.Identity, error) {
	email, err := validEmail(req.Email)
	if err != nil {
		return identity.Identity{}, err
	}
	if len(req.Password) < minPasswordLength {
		return identity.Identity{}, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLength)
	}
	if _, err := s.store.FindByEmail(ctx, email); err == nil {
		return identity.Identity{}, identity.ErrEmailConflict
	} else if !errors.Is(err, identity.ErrNotFound) {
		return identity.Identity{}, err
	}
	hash, err := HashPassword(req.Password)
	if err != nil {
		return identity.Identity{}, fmt.Errorf("hash password: %w", err)
	}
	u := identity.Identity{
		Email:     email,
		FirstName: strings.TrimSpace(req.FirstName),
		LastName:  strings.TrimSpace(req.LastName),
		Roles:     append([]string(nil), s.defaultRoles...),
		Enabled:   true,
	}
	if err := s.store.Create(ctx, &u, hash); err != nil {
		return identity.Identity{}, err
	}
	s.publish(ctx, identity.EventCreated, u)
	return u, nil
}

// Refresh exchanges a valid refresh token for a fresh pair carrying the
// identity's current roles.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (AuthResponse, error) {
	claims, err := s.codec.VerifyRefresh(refreshToken)
	if err != nil {
		s.log.Debug().Str("reason", Outcome(err)).Msg("refresh token rejected")
		return AuthResponse{}, err
	}
	u, err := s.store.FindByEmail(ctx, claims.Email())
	if err != nil {
		return AuthResponse{}, err
	}
	if !u.Enabled {
		return AuthResponse{}, ErrInvalidToken
	}
	return s.issuePair(u)
}

// Validate reports whether token is a well-formed, correctly signed and
// unexpired token of either type.
func (s *Service) Validate(token string) bool {
	_, err := s.codec.Verify(token)
	return err == nil
}

// CurrentUser resolves the identity behind an access token.
func (s *Service) CurrentUser(ctx context.Context, accessToken string) (identity.Identity, error) {
	claims, err := s.codec.VerifyAccess(accessToken)
	if err != nil {
		return identity.Identity{}, err
	}
	return s.store.FindByEmail(ctx, claims.Email())
}

// GetIdentity loads an identity by id.
func (s *Service) GetIdentity(ctx context.Context, id int64) (identity.Identity, error) {
	if id <= 0 {
		return identity.Identity{}, identity.ErrNotFound
	}
	return s.store.FindByID(ctx, id)
}

// UpdateIdentity applies patch and publishes UPDATED.
func (s *Service) UpdateIdentity(ctx context.Context, id int64, patch IdentityPatch) (identity.Identity, error) {
	u, err := s.GetIdentity(ctx, id)
	if err != nil {
		return identity.Identity{}, err
	}
	if patch.FirstName != nil {
		u.FirstName = strings.TrimSpace(*patch.FirstName)
	}
	if patch.LastName != nil {
		u.LastName = strings.TrimSpace(*patch.LastName)
	}
	if patch.Roles != nil {
		roles := identity.NormalizeRoles(*patch.Roles)
		if len(roles) == 0 {
			return identity.Identity{}, fmt.Errorf("%w: roles must not be empty", ErrInvalidInput)
		}
		for _, r := range roles {
			if !identity.KnownRole(r) {
				return identity.Identity{}, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, r)
			}
		}
		u.Roles = roles
	}
	if patch.Enabled != nil {
		u.Enabled = *patch.Enabled
	}
	if err := s.store.Update(ctx, &u); err != nil {
		return identity.Identity{}, err
	}
	s.publish(ctx, identity.EventUpdated, u)
	return u, nil
}

// DeleteIdentity removes an identity and publishes DELETED with its last
// snapshot.
func (s *Service) DeleteIdentity(ctx context.Context, id int64) error {
	u, err := s.GetIdentity(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.publish(ctx, identity.EventDeleted, u)
	return nil
}

func (s *Service) issuePair(u identity.Identity) (AuthResponse, error) {
	roles := identity.NormalizeRoles(u.Roles)
	access, err := s.codec.IssueAccess(u.Email, roles)
	if err != nil {
		return AuthResponse{}, err
	}
	refresh, err := s.codec.IssueRefresh(u.Email)
	if err != nil {
		return AuthResponse{}, err
	}
	return AuthResponse{
		AccessToken:  access.Value,
		RefreshToken: refresh.Value,
		Email:        u.Email,
		Roles:        roles,
		ExpiresInMs:  s.codec.AccessTTL().Milliseconds(),
	}, nil
}

// publish runs after the store commit. A failure leaves the replica behind
// the authority; it is logged and counted but never fails the caller.
func (s *Service) publish(ctx context.Context, t identity.EventType, u identity.Identity) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	ev := identity.NewEvent(t, u, s.now())
	if err := s.publisher.Publish(ctx, s.topic, ev); err != nil {
		obs.ObserveEventPublished(string(t), "error")
		s.log.Error().Err(err).
			Str("event_type", string(t)).
			Int64("identity_id", u.ID).
			Msg("identity event not published")
		return
	}
	obs.ObserveEventPublished(string(t), "ok")
}

func validEmail(raw string) (string, error) {
	email := identity.NormalizeEmail(raw)
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || addr.Name != "" {
		return "", fmt.Errorf("%w: a valid email is required", ErrInvalidInput)
	}
	return email, nil
}
