package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/relaygate/relaygate/internal/httpx"
	"github.com/relaygate/relaygate/internal/rbac"
)

// Handler serves the built-in /api/v1/auth endpoints.
type Handler struct {
	store    *Store
	verifier *Verifier
	logger   *slog.Logger
}

// NewHandler creates the auth endpoint handler.
func NewHandler(store *Store, verifier *Verifier, logger *slog.Logger) *Handler {
	return &Handler{store: store, verifier: verifier, logger: logger}
}

// Register mounts the auth endpoints on the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/auth/register", h.handleRegister)
	mux.HandleFunc("POST /api/v1/auth/login", h.handleLogin)
	mux.HandleFunc("POST /api/v1/auth/refresh", h.handleRefresh)
	mux.HandleFunc("GET /api/v1/auth/profile", h.handleProfile)
	mux.HandleFunc("GET /api/v1/auth/admin-only", h.handleAdminOnly)
}

type registerRequest struct {
	Username        string `json:"username"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// userView strips the password hash from responses.
func userView(u *User) map[string]any {
	return map[string]any{
		"id":        u.ID,
		"username":  u.Username,
		"email":     u.Email,
		"roles":     u.Roles,
		"createdAt": u.CreatedAt,
	}
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var issues []FieldIssue
	if issue := ValidateUsername(req.Username); issue != nil {
		issues = append(issues, *issue)
	}
	if issue := ValidateEmail(req.Email); issue != nil {
		issues = append(issues, *issue)
	}
	issues = append(issues, ValidatePassword(req.Password)...)
	if req.Password != req.ConfirmPassword {
		issues = append(issues, FieldIssue{Field: "confirmPassword", Message: "passwords do not match"})
	}
	if len(issues) > 0 {
		httpx.WriteJSON(w, http.StatusBadRequest, httpx.ErrorBody{
			Message:    "Validation failed",
			StatusCode: http.StatusBadRequest,
			TraceID:    w.Header().Get(httpx.TraceIDHeader),
			Issues:     issues,
		})
		return
	}

	u, err := h.store.Create(req.Username, req.Email, req.Password)
	if err != nil {
		if errors.Is(err, ErrUserExists) {
			httpx.WriteError(w, http.StatusBadRequest, "username or email already taken")
			return
		}
		h.logger.Error("user creation failed", "error", err)
		httpx.WriteError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	tokens, err := h.verifier.Issue(u)
	if err != nil {
		h.logger.Error("token issue failed", "error", err)
		httpx.WriteError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	h.logger.Info("user registered", "username", u.Username, "user_id", u.ID)
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{
		"message": "User registered successfully",
		"user":    userView(u),
		"tokens":  tokens,
	})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	u, err := h.store.Authenticate(req.Username, req.Password)
	if err != nil {
		httpx.WriteError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}

	tokens, err := h.verifier.Issue(u)
	if err != nil {
		h.logger.Error("token issue failed", "error", err)
		httpx.WriteError(w, http.StatusInternalServerError, "login failed")
		return
	}

	h.logger.Info("user logged in", "username", u.Username, "user_id", u.ID)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"message": "Login successful",
		"user":    userView(u),
		"tokens":  tokens,
	})
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	subject, err := h.verifier.VerifyRefresh(req.RefreshToken)
	if err != nil {
		httpx.WriteError(w, http.StatusUnauthorized, ErrInvalidToken.Error())
		return
	}

	u, err := h.store.GetByID(subject)
	if err != nil {
		// A deleted subject is indistinguishable from a bad token.
		httpx.WriteError(w, http.StatusUnauthorized, ErrInvalidToken.Error())
		return
	}

	tokens, err := h.verifier.Issue(u)
	if err != nil {
		h.logger.Error("token issue failed", "error", err)
		httpx.WriteError(w, http.StatusInternalServerError, "refresh failed")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"message": "Token refreshed",
		"tokens":  tokens,
	})
}

// principal authenticates the request's bearer token, writing a 401 and
// returning nil when absent or invalid.
func (h *Handler) principal(w http.ResponseWriter, r *http.Request) *rbac.Principal {
	token, ok := httpx.BearerToken(r)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "missing bearer token")
		return nil
	}
	p, err := h.verifier.Verify(token)
	if err != nil {
		httpx.WriteError(w, http.StatusUnauthorized, ErrInvalidToken.Error())
		return nil
	}
	return p
}

func (h *Handler) handleProfile(w http.ResponseWriter, r *http.Request) {
	p := h.principal(w, r)
	if p == nil {
		return
	}

	u, err := h.store.GetByID(p.ID)
	if err != nil {
		httpx.WriteError(w, http.StatusUnauthorized, ErrInvalidToken.Error())
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"message": "Profile retrieved",
		"user":    userView(u),
	})
}

func (h *Handler) handleAdminOnly(w http.ResponseWriter, r *http.Request) {
	p := h.principal(w, r)
	if p == nil {
		return
	}

	if err := rbac.Authorize(p, []rbac.Role{rbac.RoleAdmin}, nil, rbac.LogicAny); err != nil {
		httpx.WriteError(w, http.StatusForbidden, err.Error())
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"message": "Welcome, admin",
		"user":    p.Username,
	})
}
