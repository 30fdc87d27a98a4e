package httpapi

import (
	"context"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

type userResponse struct {
	ID          int64      `json:"id"`
	Username    string     `json:"username"`
	Email       string     `json:"email"`
	FirstName   string     `json:"first_name"`
	LastName    string     `json:"last_name"`
	DateJoined  time.Time  `json:"date_joined"`
	LastLogin   *time.Time `json:"last_login"`
	IsSuperuser bool       `json:"is_superuser"`
}

type tokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh,omitempty"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type registerRequest struct {
	Username        string `json:"username"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"password_confirm"`
	FirstName       string `json:"first_name"`
	LastName        string `json:"last_name"`
}

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

type profileRequest struct {
	Email     *string `json:"email"`
	FirstName *string `json:"first_name"`
	LastName  *string `json:"last_name"`
}

func withUser(ctx context.Context, u userRecord) context.Context {
	return context.WithValue(ctx, userKey{}, u)
}

func currentUser(r *http.Request) userRecord {
	u, _ := r.Context().Value(userKey{}).(userRecord)
	return u
}

func toUserResponse(u userRecord) userResponse {
	return userResponse{
		ID:          u.ID,
		Username:    u.Username,
		Email:       u.Email,
		FirstName:   u.FirstName,
		LastName:    u.LastName,
		DateJoined:  u.DateJoined,
		LastLogin:   u.LastLogin,
		IsSuperuser: u.Superuser,
	}
}

func (s *Server) issueLocked(userID int64) tokenPair {
	pair := tokenPair{Access: uuid.NewString(), Refresh: uuid.NewString()}
	s.access[pair.Access] = userID
	s.refresh[pair.Refresh] = userID
	return pair
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.mu.Lock()
	id, ok := s.byUsername[strings.TrimSpace(req.Username)]
	u := s.users[id]
	if !ok || u == nil || u.Password != req.Password {
		s.mu.Unlock()
		respondError(w, http.StatusUnauthorized, "No active account found with the given credentials")
		return
	}
	now := s.now()
	u.LastLogin = &now
	pair := s.issueLocked(u.ID)
	s.mu.Unlock()
	respondJSON(w, http.StatusOK, pair)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)

	fields := map[string][]string{}
	if req.Username == "" {
		fields["username"] = append(fields["username"], "This field is required.")
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		fields["email"] = append(fields["email"], "Enter a valid email address.")
	}
	if req.Password == "" {
		fields["password"] = append(fields["password"], "This field is required.")
	} else if req.Password != req.PasswordConfirm {
		fields["password_confirm"] = append(fields["password_confirm"], "Passwords do not match.")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.byUsername[req.Username]; taken && req.Username != "" {
		fields["username"] = append(fields["username"], "A user with this username already exists.")
	}
	if len(fields) > 0 {
		respondFieldErrors(w, fields)
		return
	}
	u := s.addUserLocked(req.Username, req.Email, req.Password, false)
	u.FirstName = req.FirstName
	u.LastName = req.LastName
	pair := s.issueLocked(u.ID)
	respondJSON(w, http.StatusCreated, map[string]any{
		"user":    toUserResponse(*u),
		"tokens":  pair,
		"message": "User registered successfully",
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	s.refreshCalls++
	gate := s.refreshGate
	s.mu.Unlock()
	if gate != nil {
		gate()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	userID, ok := s.refresh[req.Refresh]
	if s.failRefresh || !ok || s.blacklisted[req.Refresh] {
		respondJSON(w, http.StatusUnauthorized, map[string]string{
			"detail": "Token is invalid or expired",
			"code":   "token_not_valid",
		})
		return
	}
	out := tokenPair{Access: uuid.NewString()}
	s.access[out.Access] = userID
	if s.rotate {
		s.blacklisted[req.Refresh] = true
		out.Refresh = uuid.NewString()
		s.refresh[out.Refresh] = userID
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	_ = decodeJSON(r, &req)
	if strings.TrimSpace(req.Refresh) == "" {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "Refresh token is required"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.refresh[req.Refresh]; !ok || s.blacklisted[req.Refresh] {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid token or token already blacklisted"})
		return
	}
	s.blacklisted[req.Refresh] = true
	respondJSON(w, http.StatusOK, map[string]string{"message": "Logged out successfully"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, toUserResponse(currentUser(r)))
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Email != nil {
		if _, err := mail.ParseAddress(strings.TrimSpace(*req.Email)); err != nil {
			respondFieldErrors(w, map[string][]string{"email": {"Enter a valid email address."}})
			return
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[currentUser(r).ID]
	if !ok {
		respondError(w, http.StatusNotFound, "Not found.")
		return
	}
	if req.Email != nil {
		u.Email = strings.TrimSpace(*req.Email)
	}
	if req.FirstName != nil {
		u.FirstName = *req.FirstName
	}
	if req.LastName != nil {
		u.LastName = *req.LastName
	}
	respondJSON(w, http.StatusOK, toUserResponse(*u))
}
