package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"line-plant/pkg/auth"
	"line-plant/pkg/model"
	"line-plant/pkg/util"
)

const sessionTTL = 12 * time.Hour

// AuthHandler manages operator accounts stored in the SQL backend.
type AuthHandler struct {
	DB *gorm.DB
}

type authRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type authResponse struct {
	Token    string `json:"token"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"isAdmin"`
}

func (a *AuthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/auth/register", a.handleRegister)
	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)
}

// handleRegister creates the first operator as admin without credentials.
// Later operators can only be added by an admin.
func (a *AuthHandler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	req, ok := decodeAuth(w, r)
	if !ok {
		return
	}
	var count int64
	if err := a.DB.WithContext(r.Context()).Model(&model.Operator{}).Count(&count).Error; err != nil {
		writeError(w, util.NewStorageError("count operators", err))
		return
	}
	if count > 0 && !callerIsAdmin(r) {
		http.Error(w, "registration closed", http.StatusForbidden)
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		http.Error(w, "invalid password", http.StatusBadRequest)
		return
	}
	op := model.Operator{Username: req.Username, PasswordHash: string(hash), IsAdmin: count == 0}
	if err := a.DB.WithContext(r.Context()).Create(&op).Error; err != nil {
		http.Error(w, "failed to create operator", http.StatusConflict)
		return
	}
	util.WithField("operator", op.Username).Info("operator registered")
	a.issue(w, op)
}

func (a *AuthHandler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	req, ok := decodeAuth(w, r)
	if !ok {
		return
	}
	var op model.Operator
	if err := a.DB.WithContext(r.Context()).Where("username = ?", req.Username).First(&op).Error; err != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(req.Password)) != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	a.issue(w, op)
}

func (a *AuthHandler) issue(w http.ResponseWriter, op model.Operator) {
	token, err := auth.Generate(op, sessionTTL)
	if err != nil {
		http.Error(w, "failed to sign token", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, authResponse{Token: token, Username: op.Username, IsAdmin: op.IsAdmin})
}

func decodeAuth(w http.ResponseWriter, r *http.Request) (authRequest, bool) {
	var req authRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return req, false
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		http.Error(w, "username and password are required", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

func callerIsAdmin(r *http.Request) bool {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return false
	}
	claims, err := auth.Parse(strings.TrimPrefix(h, "Bearer "))
	return err == nil && claims.Admin
}
