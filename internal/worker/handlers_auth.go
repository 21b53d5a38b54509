package worker

import (
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/gamegen/internal/auth"
	"github.com/thebtf/gamegen/pkg/models"
)

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type authResponse struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expiresAt"`
	User      *models.User `json:"user"`
}

func (s *Service) issue(w http.ResponseWriter, r *http.Request, status int, user *models.User) {
	token, err := s.tokens.Issue(user.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, status, authResponse{
		Token:     token,
		ExpiresAt: time.Now().Add(s.tokens.TTL()).UTC(),
		User:      user,
	})
}

func (s *Service) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	if _, err := mail.ParseAddress(req.Email); err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid email address", errBadRequest))
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name, _, _ = strings.Cut(req.Email, "@")
	}

	user, err := s.users.CreateUser(r.Context(), req.Email, name, hash)
	if err != nil {
		writeError(w, r, err)
		return
	}

	log.Info().Str("userId", user.ID).Msg("User registered")
	s.issue(w, r, http.StatusCreated, user)
}

func (s *Service) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	user, hash, err := s.users.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		// Unknown emails look the same as wrong passwords.
		if statusFor(err) == http.StatusNotFound {
			err = auth.ErrInvalidCredentials
		}
		writeError(w, r, err)
		return
	}
	if err := auth.CheckPassword(hash, req.Password); err != nil {
		writeError(w, r, err)
		return
	}

	s.issue(w, r, http.StatusOK, user)
}

func (s *Service) handleMe(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	user, err := s.users.GetUserByID(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}
