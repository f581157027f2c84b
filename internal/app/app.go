// Package app is the chat-login application served by the worker pool:
// it hands out one-time passwords by email and exchanges a verified OTP
// for a signed session token. The server core only sees it as an
// http.Handler.
package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/quantachat/gserve/internal/config"
	"github.com/quantachat/gserve/internal/logging"
	"github.com/quantachat/gserve/internal/otp"
)

// devOrigins are the browser origins allowed in development mode.
var devOrigins = map[string]bool{
	"http://127.0.0.1:5500": true,
	"http://localhost:5500": true,
	"null":                  true,
}

// App implements the chat-login HTTP API.
type App struct {
	secretKey []byte
	otpTTL    time.Duration
	tokenTTL  time.Duration
	devMode   bool

	logger *logging.Logger
	gen    *otp.Generator
	mailer Mailer
	users  *userStore

	now func() time.Time
}

// New builds the application. A missing secret key is a startup error,
// never a silently unsigned token.
func New(cfg *config.Config, logger *logging.Logger, gen *otp.Generator, mailer Mailer) (*App, error) {
	if cfg.App.SecretKey == "" {
		return nil, fmt.Errorf("SECRET_KEY is required")
	}
	return &App{
		secretKey: []byte(cfg.App.SecretKey),
		otpTTL:    cfg.App.OTPTTL,
		tokenTTL:  cfg.App.TokenTTL,
		devMode:   cfg.App.DevMode,
		logger:    logger,
		gen:       gen,
		mailer:    mailer,
		users:     newUserStore(),
		now:       time.Now,
	}, nil
}

// Handler returns the application's HTTP handler.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/request-otp", a.handleRequestOTP)
	mux.HandleFunc("/api/verify-otp", a.handleVerifyOTP)
	mux.HandleFunc("/api/profile", a.handleProfile)
	mux.HandleFunc("/health", a.handleHealth)
	return a.cors(mux)
}

// cors sets the cross-origin headers. Development mode restricts the
// allowed origins to the fixed local frontend ones; otherwise any
// requesting origin is echoed back with credentials allowed.
func (a *App) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := origin != ""
		if a.devMode {
			allowed = devOrigins[origin]
		}

		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *App) handleRequestOTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var body struct {
		Email string `json:"email"`
	}
	json.NewDecoder(r.Body).Decode(&body)
	if body.Email == "" {
		writeError(w, http.StatusBadRequest, "Email is required")
		return
	}

	code, err := a.gen.Generate()
	if err != nil {
		a.logger.Error("OTP generation failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to generate OTP.")
		return
	}
	a.users.SetOTP(body.Email, code, a.now().Add(a.otpTTL))

	if err := a.mailer.Send(body.Email, code); err != nil {
		a.logger.Error("Failed to send email: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to send OTP email.")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("OTP sent to %s.", body.Email),
	})
}

func (a *App) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var body struct {
		Email string `json:"email"`
		OTP   string `json:"otp"`
	}
	json.NewDecoder(r.Body).Decode(&body)
	if body.Email == "" || body.OTP == "" {
		writeError(w, http.StatusBadRequest, "Email and OTP are required")
		return
	}

	entry, ok := a.users.Lookup(body.Email)
	if !ok {
		writeError(w, http.StatusNotFound, "No OTP found for this email")
		return
	}

	// A cleared code compares unequal, so a replayed OTP lands here.
	if entry.Code == "" || entry.Code != body.OTP {
		writeError(w, http.StatusBadRequest, "Invalid OTP.")
		return
	}

	if a.now().After(entry.Expires) {
		writeError(w, http.StatusBadRequest, "OTP has expired.")
		return
	}

	token, err := a.signToken(body.Email)
	if err != nil {
		a.logger.Error("Cannot sign token for %s: %v", body.Email, err)
		writeError(w, http.StatusInternalServerError, "Failed to issue token.")
		return
	}

	// Clear OTP after use
	a.users.ClearOTP(body.Email)

	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Verification successful!",
		"token":   token,
	})
}

func (a *App) handleProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		writeError(w, http.StatusUnauthorized, "Authorization header missing")
		return
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 {
		writeError(w, http.StatusUnauthorized, "Invalid token")
		return
	}

	email, err := a.parseToken(parts[1])
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired()) {
			writeError(w, http.StatusUnauthorized, "Token expired")
		} else {
			writeError(w, http.StatusUnauthorized, "Invalid token")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user": map[string]string{"email": email},
	})
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// signToken issues an HS256 session token carrying the email claim.
func (a *App) signToken(email string) (string, error) {
	now := a.now()
	tok, err := jwt.NewBuilder().
		Claim("email", email).
		IssuedAt(now).
		Expiration(now.Add(a.tokenTTL)).
		Build()
	if err != nil {
		return "", err
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, a.secretKey))
	if err != nil {
		return "", err
	}
	return string(signed), nil
}

// parseToken validates a session token and returns its email claim.
func (a *App) parseToken(raw string) (string, error) {
	tok, err := jwt.Parse([]byte(raw),
		jwt.WithKey(jwa.HS256, a.secretKey),
		jwt.WithValidate(true),
		jwt.WithClock(jwt.ClockFunc(a.now)),
	)
	if err != nil {
		return "", err
	}

	email, ok := tok.PrivateClaims()["email"].(string)
	if !ok {
		return "", fmt.Errorf("token has no email claim")
	}
	return email, nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
