package app

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/quantachat/gserve/internal/config"
	"github.com/quantachat/gserve/internal/logging"
	"github.com/quantachat/gserve/internal/otp"
)

// recordingMailer captures sent codes instead of talking to SMTP.
type recordingMailer struct {
	recipient string
	code      string
	fail      bool
}

func (m *recordingMailer) Send(recipient, code string) error {
	if m.fail {
		return fmt.Errorf("smtp unreachable")
	}
	m.recipient = recipient
	m.code = code
	return nil
}

func testApp(t *testing.T) (*App, *recordingMailer) {
	t.Helper()

	var cfg config.Config
	cfg.App.SecretKey = "test-secret-key"
	cfg.App.OTPLength = 6
	cfg.App.OTPTTL = 5 * time.Minute
	cfg.App.TokenTTL = 24 * time.Hour
	cfg.App.DevMode = true

	logger := logging.NewLogger(t.TempDir())
	t.Cleanup(logger.Close)

	gen, err := otp.NewGenerator(cfg.App.OTPLength)
	if err != nil {
		t.Fatalf("NewGenerator() error: %v", err)
	}

	mailer := &recordingMailer{}
	a, err := New(&cfg, logger, gen, mailer)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return a, mailer
}

func postJSON(t *testing.T, handler http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("cannot decode response %q: %v", w.Body.String(), err)
	}
	return body
}

func TestNewRequiresSecretKey(t *testing.T) {
	var cfg config.Config
	logger := logging.NewLogger(t.TempDir())
	defer logger.Close()
	gen, _ := otp.NewGenerator(6)

	if _, err := New(&cfg, logger, gen, &recordingMailer{}); err == nil {
		t.Fatal("New() accepted an empty secret key")
	}
}

func TestRequestOTPSendsMail(t *testing.T) {
	a, mailer := testApp(t)
	handler := a.Handler()

	w := postJSON(t, handler, "/api/request-otp", `{"email":"user@example.com"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("request-otp status = %d, body %s", w.Code, w.Body.String())
	}
	if mailer.recipient != "user@example.com" {
		t.Errorf("mail went to %q", mailer.recipient)
	}
	if len(mailer.code) != 6 {
		t.Errorf("mailed code %q, want 6 digits", mailer.code)
	}
	body := decodeBody(t, w)
	if body["message"] != "OTP sent to user@example.com." {
		t.Errorf("message = %q", body["message"])
	}
}

func TestRequestOTPRejectsMissingEmail(t *testing.T) {
	a, _ := testApp(t)
	w := postJSON(t, a.Handler(), "/api/request-otp", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if decodeBody(t, w)["error"] != "Email is required" {
		t.Errorf("error = %q", decodeBody(t, w)["error"])
	}
}

func TestRequestOTPReportsMailFailure(t *testing.T) {
	a, mailer := testApp(t)
	mailer.fail = true

	w := postJSON(t, a.Handler(), "/api/request-otp", `{"email":"user@example.com"}`)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if decodeBody(t, w)["error"] != "Failed to send OTP email." {
		t.Errorf("error = %q", decodeBody(t, w)["error"])
	}
}

func TestVerifyOTPFullFlow(t *testing.T) {
	a, mailer := testApp(t)
	handler := a.Handler()

	if w := postJSON(t, handler, "/api/request-otp", `{"email":"user@example.com"}`); w.Code != http.StatusOK {
		t.Fatalf("request-otp status = %d", w.Code)
	}

	w := postJSON(t, handler, "/api/verify-otp",
		fmt.Sprintf(`{"email":"user@example.com","otp":%q}`, mailer.code))
	if w.Code != http.StatusOK {
		t.Fatalf("verify-otp status = %d, body %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["message"] != "Verification successful!" {
		t.Errorf("message = %q", body["message"])
	}
	token, _ := body["token"].(string)
	if token == "" {
		t.Fatal("verify-otp returned no token")
	}

	// The token opens the profile endpoint.
	req := httptest.NewRequest(http.MethodGet, "/api/profile", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("profile status = %d, body %s", rec.Code, rec.Body.String())
	}
	profile := decodeBody(t, rec)
	user, _ := profile["user"].(map[string]interface{})
	if user["email"] != "user@example.com" {
		t.Errorf("profile email = %v", user["email"])
	}
}

func TestVerifyOTPUnknownEmail(t *testing.T) {
	a, _ := testApp(t)
	w := postJSON(t, a.Handler(), "/api/verify-otp", `{"email":"nobody@example.com","otp":"123456"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if decodeBody(t, w)["error"] != "No OTP found for this email" {
		t.Errorf("error = %q", decodeBody(t, w)["error"])
	}
}

func TestVerifyOTPWrongCode(t *testing.T) {
	a, mailer := testApp(t)
	handler := a.Handler()
	postJSON(t, handler, "/api/request-otp", `{"email":"user@example.com"}`)

	wrong := "000000"
	if wrong == mailer.code {
		wrong = "000001"
	}
	w := postJSON(t, handler, "/api/verify-otp",
		fmt.Sprintf(`{"email":"user@example.com","otp":%q}`, wrong))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if decodeBody(t, w)["error"] != "Invalid OTP." {
		t.Errorf("error = %q", decodeBody(t, w)["error"])
	}
}

func TestVerifyOTPCannotBeReplayed(t *testing.T) {
	a, mailer := testApp(t)
	handler := a.Handler()
	postJSON(t, handler, "/api/request-otp", `{"email":"user@example.com"}`)

	body := fmt.Sprintf(`{"email":"user@example.com","otp":%q}`, mailer.code)
	if w := postJSON(t, handler, "/api/verify-otp", body); w.Code != http.StatusOK {
		t.Fatalf("first verify status = %d", w.Code)
	}

	w := postJSON(t, handler, "/api/verify-otp", body)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("replayed verify status = %d, want 400", w.Code)
	}
	if decodeBody(t, w)["error"] != "Invalid OTP." {
		t.Errorf("error = %q", decodeBody(t, w)["error"])
	}
}

func TestVerifyOTPExpired(t *testing.T) {
	a, mailer := testApp(t)
	handler := a.Handler()
	postJSON(t, handler, "/api/request-otp", `{"email":"user@example.com"}`)

	// Move the clock past the OTP's lifetime.
	a.now = func() time.Time { return time.Now().Add(10 * time.Minute) }

	w := postJSON(t, handler, "/api/verify-otp",
		fmt.Sprintf(`{"email":"user@example.com","otp":%q}`, mailer.code))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if decodeBody(t, w)["error"] != "OTP has expired." {
		t.Errorf("error = %q", decodeBody(t, w)["error"])
	}
}

func TestProfileRejectsMissingAndBadTokens(t *testing.T) {
	a, _ := testApp(t)
	handler := a.Handler()

	tests := []struct {
		name    string
		header  string
		wantErr string
	}{
		{"no header", "", "Authorization header missing"},
		{"malformed header", "Bearer", "Invalid token"},
		{"garbage token", "Bearer not-a-jwt", "Invalid token"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/profile", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			if w.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", w.Code)
			}
			if decodeBody(t, w)["error"] != tc.wantErr {
				t.Errorf("error = %q, want %q", decodeBody(t, w)["error"], tc.wantErr)
			}
		})
	}
}

func TestProfileRejectsExpiredToken(t *testing.T) {
	a, _ := testApp(t)
	handler := a.Handler()

	token, err := a.signToken("user@example.com")
	if err != nil {
		t.Fatalf("signToken() error: %v", err)
	}

	a.now = func() time.Time { return time.Now().Add(25 * time.Hour) }

	req := httptest.NewRequest(http.MethodGet, "/api/profile", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if decodeBody(t, w)["error"] != "Token expired" {
		t.Errorf("error = %q", decodeBody(t, w)["error"])
	}
}

func TestHealthEndpoint(t *testing.T) {
	a, _ := testApp(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	a.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if decodeBody(t, w)["status"] != "healthy" {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestCORSDevModeOrigins(t *testing.T) {
	a, _ := testApp(t)
	handler := a.Handler()

	tests := []struct {
		origin  string
		allowed bool
	}{
		{"http://127.0.0.1:5500", true},
		{"http://localhost:5500", true},
		{"null", true},
		{"https://evil.example.com", false},
		{"", false},
	}
	for _, tc := range tests {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		if tc.origin != "" {
			req.Header.Set("Origin", tc.origin)
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		got := w.Header().Get("Access-Control-Allow-Origin")
		if tc.allowed && got != tc.origin {
			t.Errorf("origin %q: Allow-Origin = %q, want echoed", tc.origin, got)
		}
		if !tc.allowed && got != "" {
			t.Errorf("origin %q: Allow-Origin = %q, want unset", tc.origin, got)
		}
	}
}

func TestCORSPreflight(t *testing.T) {
	a, _ := testApp(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/verify-otp", nil)
	req.Header.Set("Origin", "http://localhost:5500")
	w := httptest.NewRecorder()
	a.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", w.Code)
	}
	if methods := w.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(methods, "POST") {
		t.Errorf("Allow-Methods = %q", methods)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	a, _ := testApp(t)
	handler := a.Handler()

	for _, path := range []string{"/api/request-otp", "/api/verify-otp"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("GET %s status = %d, want 405", path, w.Code)
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/api/profile", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /api/profile status = %d, want 405", w.Code)
	}
}
