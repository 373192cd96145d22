package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"

	"edgeward.io/internal/auth"
	"edgeward.io/internal/identity"
	"edgeward.io/internal/ids"
	"edgeward.io/internal/obs"
)

type client struct {
	base string
	http *http.Client
}

func (c *client) call(ctx context.Context, method, path, token string, body, out any) (int, error) {
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, &payload)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}

func main() {
	_ = godotenv.Load()
	log := obs.Component("smoke")

	base := os.Getenv("EDGEWARD_GATEWAY_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	c := &client{base: base, http: &http.Client{Timeout: 5 * time.Second}}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	email := fmt.Sprintf("smoke-%s@example.com", ids.New())
	password := "smoke-" + ids.New()

	var created identity.Identity
	status, err := c.call(ctx, http.MethodPost, "/auth/register", "", auth.RegisterRequest{
		Email: email, Password: password, FirstName: "Smoke", LastName: "Test",
	}, &created)
	if err != nil || status != http.StatusCreated {
		log.Fatal().Err(err).Int("status", status).Msg("register")
	}

	var login auth.AuthResponse
	status, err = c.call(ctx, http.MethodPost, "/auth/login", "", map[string]string{
		"email": email, "password": password,
	}, &login)
	if err != nil || status != http.StatusOK {
		log.Fatal().Err(err).Int("status", status).Msg("login")
	}

	var me identity.Identity
	status, err = c.call(ctx, http.MethodGet, "/auth/user", login.AccessToken, nil, &me)
	if err != nil || status != http.StatusOK || me.ID != created.ID {
		log.Fatal().Err(err).Int("status", status).Int64("id", me.ID).Msg("current user")
	}

	status, err = c.call(ctx, http.MethodGet, "/auth/admin/users/1", login.AccessToken, nil, nil)
	if err != nil || status != http.StatusForbidden {
		log.Fatal().Err(err).Int("status", status).Msg("admin route must be forbidden for USER")
	}

	// The replica catches up asynchronously.
	var profile identity.Identity
	for {
		status, err = c.call(ctx, http.MethodGet, "/api/users/profile", login.AccessToken, nil, &profile)
		if err == nil && status == http.StatusOK {
			break
		}
		if ctx.Err() != nil || (status != http.StatusNotFound && status != 0) {
			log.Fatal().Err(err).Int("status", status).Msg("replica profile")
		}
		time.Sleep(250 * time.Millisecond)
	}
	if profile.ID != created.ID || profile.Email != created.Email {
		log.Fatal().Int64("authority_id", created.ID).Int64("replica_id", profile.ID).Msg("replica diverged")
	}

	log.Info().Str("email", email).Int64("id", created.ID).Msg("edge smoke test passed")
}
