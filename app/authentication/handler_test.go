package authentication

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockroom/inventory-api/app/api"
	"github.com/stockroom/inventory-api/app/middleware"
	"github.com/stockroom/inventory-api/models"
)

// --- Mocks ---

type MockUserRepo struct {
	Users  []models.User
	Tokens    map[uint]string
	Err       error
	UpdateErr error

	updatedPasswords int
}

func (m *MockUserRepo) find(match func(models.User) bool) (*models.User, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	for _, u := range m.Users {
		if match(u) {
			found := u
			return &found, nil
		}
	}
	return nil, models.ErrUserNotFound
}

func (m *MockUserRepo) GetByID(ctx context.Context, id uint) (*models.User, error) {
	return m.find(func(u models.User) bool { return u.ID == id })
}

func (m *MockUserRepo) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	return m.find(func(u models.User) bool { return u.Username == username })
}

func (m *MockUserRepo) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return m.find(func(u models.User) bool { return u.Email == email })
}

func (m *MockUserRepo) CreateUser(ctx context.Context, u *models.User) (*models.Token, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	for _, existing := range m.Users {
		if existing.Username == u.Username {
			return nil, models.ErrDuplicateUsername
		}
	}
	u.ID = uint(len(m.Users) + 1)
	m.Users = append(m.Users, *u)
	return m.GetOrCreateToken(ctx, u.ID)
}

func (m *MockUserRepo) GetOrCreateToken(ctx context.Context, userID uint) (*models.Token, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	if m.Tokens == nil {
		m.Tokens = map[uint]string{}
	}
	key, ok := m.Tokens[userID]
	if !ok {
		key = models.NewTokenKey()
		m.Tokens[userID] = key
	}
	return &models.Token{Key: key, UserID: userID}, nil
}

func (m *MockUserRepo) UpdatePassword(ctx context.Context, u *models.User) error {
	if m.Err != nil {
		return m.Err
	}
	if m.UpdateErr != nil {
		return m.UpdateErr
	}
	for i := range m.Users {
		if m.Users[i].ID == u.ID {
			m.Users[i].PasswordHash = u.PasswordHash
			m.updatedPasswords++
			return nil
		}
	}
	return models.ErrUserNotFound
}

type MockMailer struct {
	mu   sync.Mutex
	Sent []Message
	Err  error
}

func (m *MockMailer) Send(ctx context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sent = append(m.Sent, msg)
	return m.Err
}

type memLedger struct {
	spent map[string]time.Time
}

func (l *memLedger) Consume(ctx context.Context, id string, expiresAt time.Time) (bool, error) {
	if l.spent == nil {
		l.spent = map[string]time.Time{}
	}
	if _, ok := l.spent[id]; ok {
		return false, nil
	}
	l.spent[id] = expiresAt
	return true, nil
}

// --- Helpers ---

func newTestUser(t *testing.T, id uint, username, email, password string) models.User {
	t.Helper()
	u := models.User{ID: id, Username: username, Email: email}
	require.NoError(t, u.SetPassword(password))
	return u
}

func newTestHandler(repo *MockUserRepo, mailer *MockMailer) *AuthHandler {
	resets := NewResetTokens("test-secret", time.Hour, &memLedger{})
	return NewAuthHandler(repo, resets, mailer, "https://inventory.example.com/")
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var errResp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&errResp))
	return errResp["error"]
}

func decodeFields(t *testing.T, rec *httptest.ResponseRecorder) api.FieldErrors {
	t.Helper()
	var resp api.ValidationResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp.Fields
}

// --- Tests ---

func TestHandleLogin(t *testing.T) {
	testCases := []struct {
		name               string
		body               string
		mockRepoSetup      func(t *testing.T) *MockUserRepo
		expectedStatusCode int
		checkResponse      func(t *testing.T, rec *httptest.ResponseRecorder, repo *MockUserRepo)
	}{
		{
			name: "Success creates a token on first login",
			body: `{"username":"alice","password":"s3cret"}`,
			mockRepoSetup: func(t *testing.T) *MockUserRepo {
				return &MockUserRepo{Users: []models.User{newTestUser(t, 1, "alice", "alice@example.com", "s3cret")}}
			},
			expectedStatusCode: http.StatusOK,
			checkResponse: func(t *testing.T, rec *httptest.ResponseRecorder, repo *MockUserRepo) {
				var resp TokenResponse
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
				assert.Equal(t, repo.Tokens[1], resp.Token)
				assert.Equal(t, UserResponse{ID: 1, Username: "alice", Email: "alice@example.com"}, resp.User)
				assert.NotContains(t, rec.Body.String(), "password")
			},
		},
		{
			name: "Existing token is reused",
			body: `{"username":"alice","password":"s3cret"}`,
			mockRepoSetup: func(t *testing.T) *MockUserRepo {
				return &MockUserRepo{
					Users:  []models.User{newTestUser(t, 1, "alice", "", "s3cret")},
					Tokens: map[uint]string{1: "existing-key"},
				}
			},
			expectedStatusCode: http.StatusOK,
			checkResponse: func(t *testing.T, rec *httptest.ResponseRecorder, repo *MockUserRepo) {
				var resp TokenResponse
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
				assert.Equal(t, "existing-key", resp.Token)
			},
		},
		{
			name: "Missing fields",
			body: `{}`,
			mockRepoSetup: func(t *testing.T) *MockUserRepo {
				return &MockUserRepo{}
			},
			expectedStatusCode: http.StatusBadRequest,
			checkResponse: func(t *testing.T, rec *httptest.ResponseRecorder, repo *MockUserRepo) {
				fields := decodeFields(t, rec)
				assert.Contains(t, fields, "username")
				assert.Contains(t, fields, "password")
			},
		},
		{
			name: "Unknown username",
			body: `{"username":"mallory","password":"x"}`,
			mockRepoSetup: func(t *testing.T) *MockUserRepo {
				return &MockUserRepo{}
			},
			expectedStatusCode: http.StatusNotFound,
			checkResponse: func(t *testing.T, rec *httptest.ResponseRecorder, repo *MockUserRepo) {
				assert.Equal(t, "User not found", decodeError(t, rec))
			},
		},
		{
			name: "Wrong password",
			body: `{"username":"alice","password":"wrong"}`,
			mockRepoSetup: func(t *testing.T) *MockUserRepo {
				return &MockUserRepo{Users: []models.User{newTestUser(t, 1, "alice", "", "s3cret")}}
			},
			expectedStatusCode: http.StatusForbidden,
			checkResponse: func(t *testing.T, rec *httptest.ResponseRecorder, repo *MockUserRepo) {
				assert.Equal(t, "Incorrect username or password.", decodeError(t, rec))
				assert.Empty(t, repo.Tokens, "no token may be issued")
			},
		},
		{
			name: "Repository error",
			body: `{"username":"alice","password":"s3cret"}`,
			mockRepoSetup: func(t *testing.T) *MockUserRepo {
				return &MockUserRepo{Err: errors.New("db down")}
			},
			expectedStatusCode: http.StatusInternalServerError,
			checkResponse: func(t *testing.T, rec *httptest.ResponseRecorder, repo *MockUserRepo) {
				assert.Equal(t, "Failed to log in", decodeError(t, rec))
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// Arrange
			repo := tc.mockRepoSetup(t)
			handler := newTestHandler(repo, &MockMailer{})
			req := httptest.NewRequest(http.MethodPost, "/authentication/login", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()

			// Act
			handler.HandleLogin(rec, req)

			// Assert
			assert.Equal(t, tc.expectedStatusCode, rec.Code)
			if tc.checkResponse != nil {
				tc.checkResponse(t, rec, repo)
			}
		})
	}
}

func TestHandleSignup(t *testing.T) {
	testCases := []struct {
		name               string
		body               string
		existing           []models.User
		expectedStatusCode int
		checkResponse      func(t *testing.T, rec *httptest.ResponseRecorder, repo *MockUserRepo)
	}{
		{
			name:               "Success",
			body:               `{"username":"bob","password":"pw","email":"bob@example.com"}`,
			expectedStatusCode: http.StatusCreated,
			checkResponse: func(t *testing.T, rec *httptest.ResponseRecorder, repo *MockUserRepo) {
				var resp TokenResponse
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
				assert.NotEmpty(t, resp.Token)
				assert.Equal(t, "bob", resp.User.Username)
				assert.Equal(t, "bob@example.com", resp.User.Email)

				require.Len(t, repo.Users, 1)
				assert.NotEqual(t, "pw", repo.Users[0].PasswordHash)
				assert.True(t, repo.Users[0].CheckPassword("pw"))
			},
		},
		{
			name:               "Email is optional",
			body:               `{"username":"bob","password":"pw"}`,
			expectedStatusCode: http.StatusCreated,
		},
		{
			name:               "Duplicate username",
			body:               `{"username":"bob","password":"pw"}`,
			existing:           []models.User{{ID: 1, Username: "bob"}},
			expectedStatusCode: http.StatusBadRequest,
			checkResponse: func(t *testing.T, rec *httptest.ResponseRecorder, repo *MockUserRepo) {
				fields := decodeFields(t, rec)
				assert.Equal(t, []string{"A user with that username already exists."}, fields["username"])
				assert.Len(t, repo.Users, 1)
			},
		},
		{
			name:               "Missing password and bad email",
			body:               `{"username":"bob","email":"not-an-email"}`,
			expectedStatusCode: http.StatusBadRequest,
			checkResponse: func(t *testing.T, rec *httptest.ResponseRecorder, repo *MockUserRepo) {
				fields := decodeFields(t, rec)
				assert.Contains(t, fields, "password")
				assert.Contains(t, fields, "email")
				assert.Empty(t, repo.Users)
			},
		},
		{
			name:               "Malformed JSON",
			body:               `{"username":`,
			expectedStatusCode: http.StatusBadRequest,
			checkResponse: func(t *testing.T, rec *httptest.ResponseRecorder, repo *MockUserRepo) {
				assert.Equal(t, "Invalid JSON body", decodeError(t, rec))
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// Arrange
			repo := &MockUserRepo{Users: tc.existing}
			handler := newTestHandler(repo, &MockMailer{})
			req := httptest.NewRequest(http.MethodPost, "/authentication/signup", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()

			// Act
			handler.HandleSignup(rec, req)

			// Assert
			assert.Equal(t, tc.expectedStatusCode, rec.Code)
			if tc.checkResponse != nil {
				tc.checkResponse(t, rec, repo)
			}
		})
	}
}

func TestHandleTestToken(t *testing.T) {
	handler := newTestHandler(&MockUserRepo{}, &MockMailer{})

	t.Run("Authenticated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/authentication/testtoken", nil)
		req = req.WithContext(middleware.WithUser(req.Context(), &models.User{ID: 1}))
		rec := httptest.NewRecorder()

		handler.HandleTestToken(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `"passed!"`, rec.Body.String())
	})

	t.Run("Anonymous", func(t *testing.T) {
		rec := httptest.NewRecorder()

		handler.HandleTestToken(rec, httptest.NewRequest(http.MethodGet, "/authentication/testtoken", nil))

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestHandleForgotPassword(t *testing.T) {
	testCases := []struct {
		name               string
		body               string
		repoErr            error
		expectedStatusCode int
		expectedMails      int
	}{
		{
			name:               "Known address gets a link",
			body:               `{"email":"alice@example.com"}`,
			expectedStatusCode: http.StatusOK,
			expectedMails:      1,
		},
		{
			name:               "Unknown address looks the same",
			body:               `{"email":"nobody@example.com"}`,
			expectedStatusCode: http.StatusOK,
		},
		{
			name:               "Lookup failure looks the same",
			body:               `{"email":"alice@example.com"}`,
			repoErr:            errors.New("db down"),
			expectedStatusCode: http.StatusOK,
		},
		{
			name:               "Missing email",
			body:               `{}`,
			expectedStatusCode: http.StatusBadRequest,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// Arrange
			repo := &MockUserRepo{
				Users: []models.User{newTestUser(t, 1, "alice", "alice@example.com", "s3cret")},
				Err:   tc.repoErr,
			}
			mailer := &MockMailer{}
			handler := newTestHandler(repo, mailer)
			req := httptest.NewRequest(http.MethodPost, "/authentication/forgot-password", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()

			// Act
			handler.HandleForgotPassword(rec, req)
			handler.Wait()

			// Assert
			assert.Equal(t, tc.expectedStatusCode, rec.Code)
			assert.Len(t, mailer.Sent, tc.expectedMails)

			if tc.expectedStatusCode == http.StatusOK {
				var resp map[string]string
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
				assert.Equal(t, forgotPasswordMessage, resp["message"])
			} else {
				assert.Equal(t, "Email field is required.", decodeError(t, rec))
			}

			if tc.expectedMails > 0 {
				msg := mailer.Sent[0]
				assert.Equal(t, "alice@example.com", msg.To)
				assert.Contains(t, msg.Body, "https://inventory.example.com/authentication/reset-password/"+EncodeUID(1)+"/")
			}
		})
	}
}

func TestForgotPasswordMailFailureIsHidden(t *testing.T) {
	repo := &MockUserRepo{Users: []models.User{newTestUser(t, 1, "alice", "alice@example.com", "s3cret")}}
	mailer := &MockMailer{Err: errors.New("smtp unreachable")}
	handler := newTestHandler(repo, mailer)
	rec := httptest.NewRecorder()

	handler.HandleForgotPassword(rec, httptest.NewRequest(http.MethodPost, "/authentication/forgot-password", strings.NewReader(`{"email":"alice@example.com"}`)))
	handler.Wait()

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, mailer.Sent, 1)
}

func TestHandleResetPassword(t *testing.T) {
	alice := newTestUser(t, 1, "alice", "alice@example.com", "old-password")

	testCases := []struct {
		name               string
		link               func(t *testing.T, h *AuthHandler) (uid, token string)
		body               string
		expectedStatusCode int
		expectedError      string
		expectUpdated      bool
	}{
		{
			name: "Valid link",
			link: func(t *testing.T, h *AuthHandler) (string, string) {
				token, err := h.resets.Issue(&alice)
				require.NoError(t, err)
				return EncodeUID(1), token
			},
			body:               `{"new_password":"new-password"}`,
			expectedStatusCode: http.StatusOK,
			expectUpdated:      true,
		},
		{
			name: "Undecodable uid",
			link: func(t *testing.T, h *AuthHandler) (string, string) {
				token, err := h.resets.Issue(&alice)
				require.NoError(t, err)
				return "@@@", token
			},
			body:               `{"new_password":"new-password"}`,
			expectedStatusCode: http.StatusBadRequest,
			expectedError:      invalidResetMessage,
		},
		{
			name: "Unknown user",
			link: func(t *testing.T, h *AuthHandler) (string, string) {
				token, err := h.resets.Issue(&alice)
				require.NoError(t, err)
				return EncodeUID(42), token
			},
			body:               `{"new_password":"new-password"}`,
			expectedStatusCode: http.StatusBadRequest,
			expectedError:      invalidResetMessage,
		},
		{
			name: "Tampered token",
			link: func(t *testing.T, h *AuthHandler) (string, string) {
				token, err := h.resets.Issue(&alice)
				require.NoError(t, err)
				return EncodeUID(1), token + "x"
			},
			body:               `{"new_password":"new-password"}`,
			expectedStatusCode: http.StatusBadRequest,
			expectedError:      invalidResetMessage,
		},
		{
			name: "Token issued for another password",
			link: func(t *testing.T, h *AuthHandler) (string, string) {
				stale := newTestUser(t, 1, "alice", "alice@example.com", "older-password")
				token, err := h.resets.Issue(&stale)
				require.NoError(t, err)
				return EncodeUID(1), token
			},
			body:               `{"new_password":"new-password"}`,
			expectedStatusCode: http.StatusBadRequest,
			expectedError:      invalidResetMessage,
		},
		{
			name: "Expired token",
			link: func(t *testing.T, h *AuthHandler) (string, string) {
				h.resets.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
				defer func() { h.resets.now = time.Now }()
				token, err := h.resets.Issue(&alice)
				require.NoError(t, err)
				return EncodeUID(1), token
			},
			body:               `{"new_password":"new-password"}`,
			expectedStatusCode: http.StatusBadRequest,
			expectedError:      invalidResetMessage,
		},
		{
			name: "Missing new password",
			link: func(t *testing.T, h *AuthHandler) (string, string) {
				token, err := h.resets.Issue(&alice)
				require.NoError(t, err)
				return EncodeUID(1), token
			},
			body:               `{}`,
			expectedStatusCode: http.StatusBadRequest,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// Arrange
			repo := &MockUserRepo{Users: []models.User{alice}}
			handler := newTestHandler(repo, &MockMailer{})
			uid, token := tc.link(t, handler)

			router := chi.NewRouter()
			router.Post("/authentication/reset-password/{uid}/{token}", handler.HandleResetPassword)
			req := httptest.NewRequest(http.MethodPost, "/authentication/reset-password/"+uid+"/"+token, strings.NewReader(tc.body))
			rec := httptest.NewRecorder()

			// Act
			router.ServeHTTP(rec, req)

			// Assert
			assert.Equal(t, tc.expectedStatusCode, rec.Code)
			if tc.expectedError != "" {
				assert.Equal(t, tc.expectedError, decodeError(t, rec))
			}
			if tc.expectUpdated {
				assert.Equal(t, 1, repo.updatedPasswords)
				assert.True(t, repo.Users[0].CheckPassword("new-password"))
			} else {
				assert.Zero(t, repo.updatedPasswords)
				assert.True(t, repo.Users[0].CheckPassword("old-password"))
			}
		})
	}
}

func TestResetLinkIsSingleUse(t *testing.T) {
	alice := newTestUser(t, 1, "alice", "alice@example.com", "old-password")
	repo := &MockUserRepo{Users: []models.User{alice}}
	handler := newTestHandler(repo, &MockMailer{})
	token, err := handler.resets.Issue(&alice)
	require.NoError(t, err)
	claims, err := handler.resets.Verify(&alice, token)
	require.NoError(t, err)

	require.NoError(t, handler.resets.Consume(context.Background(), claims))
	assert.ErrorIs(t, handler.resets.Consume(context.Background(), claims), ErrInvalidResetToken)
}

func TestResetLinkDiesWithPasswordChange(t *testing.T) {
	alice := newTestUser(t, 1, "alice", "alice@example.com", "old-password")
	repo := &MockUserRepo{Users: []models.User{alice}}
	handler := newTestHandler(repo, &MockMailer{})
	token, err := handler.resets.Issue(&alice)
	require.NoError(t, err)

	router := chi.NewRouter()
	router.Post("/authentication/reset-password/{uid}/{token}", handler.HandleResetPassword)
	path := handler.ResetLink(1, token)[len("https://inventory.example.com"):]

	first := httptest.NewRecorder()
	router.ServeHTTP(first, httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"new_password":"p1"}`)))
	second := httptest.NewRecorder()
	router.ServeHTTP(second, httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"new_password":"p2"}`)))

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusBadRequest, second.Code)
	assert.True(t, repo.Users[0].CheckPassword("p1"))
}

func TestFailedPasswordWriteKeepsResetLinkUsable(t *testing.T) {
	// Arrange
	alice := newTestUser(t, 1, "alice", "alice@example.com", "old-password")
	repo := &MockUserRepo{Users: []models.User{alice}, UpdateErr: errors.New("db down")}
	ledger := &memLedger{}
	handler := NewAuthHandler(repo, NewResetTokens("test-secret", time.Hour, ledger), &MockMailer{}, "https://inventory.example.com")
	token, err := handler.resets.Issue(&alice)
	require.NoError(t, err)

	router := chi.NewRouter()
	router.Post("/authentication/reset-password/{uid}/{token}", handler.HandleResetPassword)
	path := "/authentication/reset-password/" + EncodeUID(1) + "/" + token

	// Act
	failed := httptest.NewRecorder()
	router.ServeHTTP(failed, httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"new_password":"p1"}`)))

	// Assert
	assert.Equal(t, http.StatusInternalServerError, failed.Code)
	assert.Empty(t, ledger.spent, "link must not be spent when the password was not written")
	assert.True(t, repo.Users[0].CheckPassword("old-password"))

	// Act
	repo.UpdateErr = nil
	retried := httptest.NewRecorder()
	router.ServeHTTP(retried, httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"new_password":"p1"}`)))

	// Assert
	assert.Equal(t, http.StatusOK, retried.Code)
	assert.Len(t, ledger.spent, 1)
	assert.True(t, repo.Users[0].CheckPassword("p1"))
}
