// Package authentication serves account signup, login and the password
// reset flow.
package authentication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/stockroom/inventory-api/app/api"
	"github.com/stockroom/inventory-api/app/middleware"
	"github.com/stockroom/inventory-api/models"
)

const (
	forgotPasswordMessage = "Password reset link sent if the email exists."
	invalidResetMessage   = "Invalid reset link or token."
	mailTimeout           = 30 * time.Second
)

type UserResponse struct {
	ID       uint   `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

type TokenResponse struct {
	Token string       `json:"token"`
	User  UserResponse `json:"user"`
}

type LoginInput struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type SignupInput struct {
	Username string `json:"username" validate:"required,max=150"`
	Password string `json:"password" validate:"required"`
	Email    string `json:"email" validate:"omitempty,email,max=254"`
}

type ForgotPasswordInput struct {
	Email string `json:"email"`
}

type ResetPasswordInput struct {
	NewPassword string `json:"new_password" validate:"required"`
}

type UserProvider interface {
	GetByID(ctx context.Context, id uint) (*models.User, error)
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	CreateUser(ctx context.Context, u *models.User) (*models.Token, error)
	GetOrCreateToken(ctx context.Context, userID uint) (*models.Token, error)
	UpdatePassword(ctx context.Context, u *models.User) error
}

type AuthHandler struct {
	repo         UserProvider
	resets       *ResetTokens
	mailer       Mailer
	resetURLBase string

	mails sync.WaitGroup
}

func NewAuthHandler(repo UserProvider, resets *ResetTokens, mailer Mailer, resetURLBase string) *AuthHandler {
	return &AuthHandler{
		repo:         repo,
		resets:       resets,
		mailer:       mailer,
		resetURLBase: strings.TrimRight(resetURLBase, "/"),
	}
}

// Wait blocks until every reset email queued so far has been handed to the mailer.
func (h *AuthHandler) Wait() {
	h.mails.Wait()
}

// HandleLogin serves POST /authentication/login.
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var input LoginInput
	if !decodeBody(w, r, &input) {
		return
	}
	if fields := api.Validate(input); fields != nil {
		api.WriteValidationError(w, fields)
		return
	}

	user, err := h.repo.GetByUsername(r.Context(), input.Username)
	if err != nil {
		if errors.Is(err, models.ErrUserNotFound) {
			api.WriteError(w, http.StatusNotFound, "User not found")
			return
		}
		log.Printf("login %q: %v", input.Username, err)
		api.WriteError(w, http.StatusInternalServerError, "Failed to log in")
		return
	}
	if !user.CheckPassword(input.Password) {
		api.WriteError(w, http.StatusForbidden, "Incorrect username or password.")
		return
	}

	token, err := h.repo.GetOrCreateToken(r.Context(), user.ID)
	if err != nil {
		log.Printf("token for user %d: %v", user.ID, err)
		api.WriteError(w, http.StatusInternalServerError, "Failed to log in")
		return
	}

	api.WriteJSON(w, http.StatusOK, TokenResponse{Token: token.Key, User: toUser(user)})
}

// HandleSignup serves POST /authentication/signup.
func (h *AuthHandler) HandleSignup(w http.ResponseWriter, r *http.Request) {
	var input SignupInput
	if !decodeBody(w, r, &input) {
		return
	}
	if fields := api.Validate(input); fields != nil {
		api.WriteValidationError(w, fields)
		return
	}

	user := &models.User{Username: input.Username, Email: input.Email}
	if err := user.SetPassword(input.Password); err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			api.WriteValidationError(w, api.FieldErrors{"password": {"Ensure this field has no more than 72 bytes."}})
			return
		}
		log.Printf("hash password: %v", err)
		api.WriteError(w, http.StatusInternalServerError, "Failed to create user")
		return
	}

	token, err := h.repo.CreateUser(r.Context(), user)
	if err != nil {
		if errors.Is(err, models.ErrDuplicateUsername) {
			api.WriteValidationError(w, api.FieldErrors{"username": {"A user with that username already exists."}})
			return
		}
		log.Printf("signup %q: %v", input.Username, err)
		api.WriteError(w, http.StatusInternalServerError, "Failed to create user")
		return
	}

	api.WriteJSON(w, http.StatusCreated, TokenResponse{Token: token.Key, User: toUser(user)})
}

// HandleTestToken serves GET /authentication/testtoken behind the token middleware.
func (h *AuthHandler) HandleTestToken(w http.ResponseWriter, r *http.Request) {
	if _, ok := middleware.UserFromContext(r.Context()); !ok {
		api.WriteError(w, http.StatusUnauthorized, "Authentication credentials were not provided.")
		return
	}
	api.WriteJSON(w, http.StatusOK, "passed!")
}

// HandleForgotPassword serves POST /authentication/forgot-password. The
// response is the same whether or not the address belongs to a user.
func (h *AuthHandler) HandleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var input ForgotPasswordInput
	if !decodeBody(w, r, &input) {
		return
	}
	email := strings.TrimSpace(input.Email)
	if email == "" {
		api.WriteError(w, http.StatusBadRequest, "Email field is required.")
		return
	}

	user, err := h.repo.GetByEmail(r.Context(), email)
	switch {
	case err == nil:
		h.sendResetLink(user)
	case !errors.Is(err, models.ErrUserNotFound):
		log.Printf("forgot password lookup: %v", err)
	}

	api.WriteJSON(w, http.StatusOK, map[string]string{"message": forgotPasswordMessage})
}

// sendResetLink mails a reset link to user in the background. Failures are
// only logged.
func (h *AuthHandler) sendResetLink(user *models.User) {
	token, err := h.resets.Issue(user)
	if err != nil {
		log.Printf("issue reset token for user %d: %v", user.ID, err)
		return
	}

	body, err := renderResetEmail(resetEmailData{
		Username: user.Username,
		Link:     h.ResetLink(user.ID, token),
		TTL:      h.resets.ttl.String(),
	})
	if err != nil {
		log.Printf("render reset email: %v", err)
		return
	}
	msg := Message{To: user.Email, Subject: "Password reset", Body: body}

	h.mails.Add(1)
	go func() {
		defer h.mails.Done()
		ctx, cancel := context.WithTimeout(context.Background(), mailTimeout)
		defer cancel()
		if err := h.mailer.Send(ctx, msg); err != nil {
			log.Printf("send reset email to user %d: %v", user.ID, err)
		}
	}()
}

// ResetLink builds the URL mailed for a reset token.
func (h *AuthHandler) ResetLink(userID uint, token string) string {
	return fmt.Sprintf("%s/authentication/reset-password/%s/%s", h.resetURLBase, EncodeUID(userID), token)
}

// HandleResetPassword serves POST /authentication/reset-password/{uid}/{token}.
// A bad uid, unknown user and bad token all get the same answer.
func (h *AuthHandler) HandleResetPassword(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	user, claims, ok := h.resolveResetLink(ctx, chi.URLParam(r, "uid"), chi.URLParam(r, "token"))
	if !ok {
		api.WriteError(w, http.StatusBadRequest, invalidResetMessage)
		return
	}

	var input ResetPasswordInput
	if !decodeBody(w, r, &input) {
		return
	}
	if fields := api.Validate(input); fields != nil {
		api.WriteValidationError(w, fields)
		return
	}

	if err := user.SetPassword(input.NewPassword); err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			api.WriteValidationError(w, api.FieldErrors{"new_password": {"Ensure this field has no more than 72 bytes."}})
			return
		}
		log.Printf("hash password: %v", err)
		api.WriteError(w, http.StatusInternalServerError, "Failed to reset password")
		return
	}

	if err := h.repo.UpdatePassword(ctx, user); err != nil {
		log.Printf("update password of user %d: %v", user.ID, err)
		api.WriteError(w, http.StatusInternalServerError, "Failed to reset password")
		return
	}

	// The changed hash already voids the link, so a ledger failure is only logged.
	if err := h.resets.Consume(ctx, claims); err != nil && !errors.Is(err, ErrInvalidResetToken) {
		log.Printf("consume reset token of user %d: %v", user.ID, err)
	}

	api.WriteJSON(w, http.StatusOK, map[string]string{"message": "Password reset successfully."})
}

func (h *AuthHandler) resolveResetLink(ctx context.Context, uid, token string) (*models.User, *ResetClaims, bool) {
	id, err := DecodeUID(uid)
	if err != nil {
		return nil, nil, false
	}

	user, err := h.repo.GetByID(ctx, id)
	if err != nil {
		if !errors.Is(err, models.ErrUserNotFound) {
			log.Printf("reset password lookup: %v", err)
		}
		return nil, nil, false
	}

	claims, err := h.resets.Verify(user, token)
	if err != nil {
		return nil, nil, false
	}
	return user, claims, true
}

// decodeBody reads a JSON body into v. An empty body leaves v untouched so
// that validation reports the missing fields.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		api.WriteError(w, http.StatusBadRequest, "Invalid JSON body")
		return false
	}
	return true
}

func toUser(u *models.User) UserResponse {
	return UserResponse{ID: u.ID, Username: u.Username, Email: u.Email}
}
