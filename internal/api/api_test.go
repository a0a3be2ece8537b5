package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"onetime.share/config"
	"onetime.share/internal/auth"
	"onetime.share/internal/ledger"
	"onetime.share/internal/lifecycle"
	"onetime.share/internal/mail"
	"onetime.share/internal/models"
	"onetime.share/internal/users"
	"onetime.share/internal/vault"
)

type outbox struct {
	mu   sync.Mutex
	msgs []mail.Message
	fail bool
}

func (o *outbox) Send(ctx context.Context, msg mail.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fail {
		return errors.New("smtp unavailable")
	}
	o.msgs = append(o.msgs, msg)
	return nil
}

var codePattern = regexp.MustCompile(`>(\d{6})<`)

// lastCode returns the code from the latest verification email sent to.
func (o *outbox) lastCode(t *testing.T, to string) string {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := len(o.msgs) - 1; i >= 0; i-- {
		if o.msgs[i].To != to {
			continue
		}
		if m := codePattern.FindStringSubmatch(o.msgs[i].HTML); m != nil {
			return m[1]
		}
	}
	t.Fatalf("no verification code sent to %s", to)
	return ""
}

type testEnv struct {
	server *httptest.Server
	outbox *outbox
	ledger *ledger.Memory
	users  *users.Memory
	clock  time.Time
	mu     sync.Mutex
}

func (e *testEnv) now() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clock
}

func (e *testEnv) advance(d time.Duration) {
	e.mu.Lock()
	e.clock = e.clock.Add(d)
	e.mu.Unlock()
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWith(t, func(cfg *config.Config) { cfg.RateLimit.Enabled = false })
}

func newTestEnvWith(t *testing.T, configure func(*config.Config)) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Auth.JWTSecret = strings.Repeat("s", 32)
	configure(cfg)

	env := &testEnv{
		outbox: &outbox{},
		ledger: ledger.NewMemory(),
		users:  users.NewMemory(),
		clock:  time.Now(),
	}
	env.ledger.SetClock(env.now)

	svc := lifecycle.New(vault.NewMemoryVault(), env.ledger, lifecycle.Options{
		BaseURL: "https://share.test",
		Mailer:  env.outbox,
		Logger:  zerolog.Nop(),
		Clock:   env.now,
		Owners:  env.users,
	})
	sessions, err := auth.NewSessions([]byte(cfg.Auth.JWTSecret), time.Hour)
	if err != nil {
		t.Fatalf("NewSessions() error = %v", err)
	}

	router := SetupRouter(Deps{
		Config:     cfg,
		Secrets:    svc,
		Users:      env.users,
		Sessions:   sessions,
		Challenges: auth.NewChallenges(10*time.Minute, 5),
		Mailer:     env.outbox,
		Logger:     zerolog.Nop(),
	})
	env.server = httptest.NewServer(router)
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) client(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	return &http.Client{Jar: jar}
}

func do(t *testing.T, c *http.Client, method, url string, body any, out any) int {
	t.Helper()

	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding %s %s response: %v", method, url, err)
		}
	}
	return resp.StatusCode
}

func (e *testEnv) create(t *testing.T, c *http.Client, secret, ttl string) CreateResponse {
	t.Helper()
	var created CreateResponse
	status := do(t, c, http.MethodPost, e.server.URL+"/api/secrets", CreateRequest{
		Secret: secret, Recipient: "bob@example.com", TTL: ttl,
	}, &created)
	if status != http.StatusCreated {
		t.Fatalf("create status = %d", status)
	}
	return created
}

func (e *testEnv) revealURL(token string) string {
	return e.server.URL + "/api/secrets/" + token + "/reveal"
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	var body map[string]string
	if status := do(t, env.client(t), http.MethodGet, env.server.URL+"/health", nil, &body); status != http.StatusOK || body["status"] != "ok" {
		t.Errorf("health = %d %v", status, body)
	}
}

func TestCreateAndReveal(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t)

	created := env.create(t, c, "hunter2", "1h")
	if !created.Delivered || created.URL != "https://share.test/password/"+created.Token {
		t.Errorf("created = %+v", created)
	}
	if len(env.outbox.msgs) != 1 || !strings.Contains(env.outbox.msgs[0].HTML, created.URL) {
		t.Errorf("delivery email missing link")
	}

	var revealed RevealResponse
	if status := do(t, c, http.MethodPost, env.revealURL(created.Token), nil, &revealed); status != http.StatusOK {
		t.Fatalf("reveal status = %d", status)
	}
	if revealed.Secret != "hunter2" {
		t.Errorf("secret = %q", revealed.Secret)
	}

	var apiErr ErrorResponse
	if status := do(t, c, http.MethodPost, env.revealURL(created.Token), nil, &apiErr); status != http.StatusGone || apiErr.Code != "already_used" {
		t.Errorf("second reveal = %d %+v", status, apiErr)
	}
}

func TestReveal_Unknown(t *testing.T) {
	env := newTestEnv(t)
	var apiErr ErrorResponse
	status := do(t, env.client(t), http.MethodPost, env.revealURL(strings.Repeat("0", 32)), nil, &apiErr)
	if status != http.StatusNotFound || apiErr.Code != "not_found" {
		t.Errorf("reveal = %d %+v", status, apiErr)
	}
}

func TestReveal_Expired(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t)
	created := env.create(t, c, "brief", "1m")

	env.advance(2 * time.Minute)

	var apiErr ErrorResponse
	status := do(t, c, http.MethodPost, env.revealURL(created.Token), nil, &apiErr)
	if status != http.StatusGone || apiErr.Code != "expired" {
		t.Errorf("reveal = %d %+v", status, apiErr)
	}
}

func TestRevealPage_DoesNotConsume(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t)
	created := env.create(t, c, "still here", "")

	for _, prefix := range []string{"/password/", "/secret/"} {
		resp, err := c.Get(env.server.URL + prefix + created.Token)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
			t.Errorf("GET %s = %d %s", prefix, resp.StatusCode, resp.Header.Get("Content-Type"))
		}
	}

	var revealed RevealResponse
	if status := do(t, c, http.MethodPost, env.revealURL(created.Token), nil, &revealed); status != http.StatusOK || revealed.Secret != "still here" {
		t.Errorf("reveal after page load = %d %q", status, revealed.Secret)
	}
}

func TestCreate_Invalid(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t)

	tests := []struct {
		name string
		req  CreateRequest
		code string
	}{
		{"empty secret", CreateRequest{Recipient: "a@b.com"}, "invalid_request"},
		{"bad recipient", CreateRequest{Secret: "x", Recipient: "nope"}, "invalid_request"},
		{"bad ttl", CreateRequest{Secret: "x", Recipient: "a@b.com", TTL: "3h"}, "invalid_ttl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var apiErr ErrorResponse
			status := do(t, c, http.MethodPost, env.server.URL+"/api/secrets", tt.req, &apiErr)
			if status != http.StatusBadRequest || apiErr.Code != tt.code {
				t.Errorf("create = %d %+v, want 400 %s", status, apiErr, tt.code)
			}
		})
	}
}

func TestCreate_RequiresJSON(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Post(env.server.URL+"/api/secrets", "text/plain", strings.NewReader("secret"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Errorf("status = %d, want 415", resp.StatusCode)
	}
}

func TestCreate_DeliveryFailureKeepsSecret(t *testing.T) {
	env := newTestEnv(t)
	env.outbox.fail = true
	c := env.client(t)

	created := env.create(t, c, "undelivered", "")
	if created.Delivered || created.DeliveryError == "" || created.URL == "" {
		t.Errorf("created = %+v", created)
	}

	var revealed RevealResponse
	if status := do(t, c, http.MethodPost, env.revealURL(created.Token), nil, &revealed); status != http.StatusOK {
		t.Errorf("reveal status = %d", status)
	}
}

func TestAnonymousList_MasksRecipients(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t)
	env.create(t, c, "anon", "")

	var list ListResponse
	if status := do(t, c, http.MethodGet, env.server.URL+"/api/secrets", nil, &list); status != http.StatusOK {
		t.Fatalf("list status = %d", status)
	}
	if len(list.Secrets) != 1 || list.Secrets[0].Recipient != "b***@example.com" {
		t.Errorf("list = %+v", list)
	}
}

func signIn(t *testing.T, env *testEnv, c *http.Client, username, email string) {
	t.Helper()
	base := env.server.URL + "/api/auth"

	status := do(t, c, http.MethodPost, base+"/register", users.Registration{
		Username: username, Email: email, Password: "secret1", ConfirmPassword: "secret1",
	}, nil)
	if status != http.StatusCreated {
		t.Fatalf("register status = %d", status)
	}

	var login LoginResponse
	if status := do(t, c, http.MethodPost, base+"/login", LoginRequest{Identifier: username, Password: "secret1"}, &login); status != http.StatusAccepted {
		t.Fatalf("login status = %d", status)
	}
	if login.Status != "otp_required" {
		t.Fatalf("login = %+v", login)
	}

	var session SessionResponse
	if status := do(t, c, http.MethodPost, base+"/verify-otp", VerifyRequest{Code: env.outbox.lastCode(t, email)}, &session); status != http.StatusOK {
		t.Fatalf("verify status = %d", status)
	}
	if session.User == nil || session.User.Username != username {
		t.Fatalf("session = %+v", session)
	}
}

func TestLoginFlow(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t)
	base := env.server.URL + "/api/auth"

	if status := do(t, c, http.MethodGet, env.server.URL+"/api/dashboard", nil, nil); status != http.StatusUnauthorized {
		t.Errorf("anonymous dashboard status = %d", status)
	}

	do(t, c, http.MethodPost, base+"/register", users.Registration{
		Username: "alice", Email: "alice@example.com", Password: "secret1", ConfirmPassword: "secret1",
	}, nil)

	var apiErr ErrorResponse
	if status := do(t, c, http.MethodPost, base+"/login", LoginRequest{Identifier: "alice", Password: "bad"}, &apiErr); status != http.StatusUnauthorized || apiErr.Code != "invalid_credentials" {
		t.Errorf("bad login = %d %+v", status, apiErr)
	}

	if status := do(t, c, http.MethodPost, base+"/login", LoginRequest{Identifier: "alice@example.com", Password: "secret1"}, nil); status != http.StatusAccepted {
		t.Fatalf("login status = %d", status)
	}
	first := env.outbox.lastCode(t, "alice@example.com")

	if status := do(t, c, http.MethodPost, base+"/resend-otp", nil, nil); status != http.StatusAccepted {
		t.Fatalf("resend status = %d", status)
	}
	code := env.outbox.lastCode(t, "alice@example.com")

	wrong := "000000"
	if wrong == code {
		wrong = "999999"
	}
	if status := do(t, c, http.MethodPost, base+"/verify-otp", VerifyRequest{Code: wrong}, &apiErr); status != http.StatusUnauthorized || apiErr.Code != "invalid_code" {
		t.Errorf("wrong code = %d %+v", status, apiErr)
	}
	if first != code {
		if status := do(t, c, http.MethodPost, base+"/verify-otp", VerifyRequest{Code: first}, nil); status != http.StatusUnauthorized {
			t.Errorf("superseded code status = %d", status)
		}
	}

	var session SessionResponse
	if status := do(t, c, http.MethodPost, base+"/verify-otp", VerifyRequest{Code: code}, &session); status != http.StatusOK {
		t.Fatalf("verify status = %d", status)
	}
	if session.User == nil || session.User.Username != "alice" {
		t.Errorf("session = %+v", session)
	}

	env.create(t, c, "owned", "1h")

	var dash DashboardResponse
	if status := do(t, c, http.MethodGet, env.server.URL+"/api/dashboard", nil, &dash); status != http.StatusOK {
		t.Fatalf("dashboard status = %d", status)
	}
	if dash.Stats.Total != 1 || len(dash.Secrets) != 1 || dash.Secrets[0].Recipient != "bob@example.com" {
		t.Errorf("dashboard = %+v", dash)
	}

	if status := do(t, c, http.MethodPost, base+"/logout", nil, nil); status != http.StatusNoContent {
		t.Errorf("logout status = %d", status)
	}
	if status := do(t, c, http.MethodGet, env.server.URL+"/api/profile", nil, nil); status != http.StatusUnauthorized {
		t.Errorf("profile after logout status = %d", status)
	}
}

func TestDeleteSecret_OwnerOnly(t *testing.T) {
	env := newTestEnv(t)
	alice, bob := env.client(t), env.client(t)
	signIn(t, env, alice, "alice", "alice@example.com")
	signIn(t, env, bob, "bob", "bob@example.com")

	created := env.create(t, alice, "alice's", "")
	url := fmt.Sprintf("%s/api/secrets/%d", env.server.URL, created.RecordID)

	if status := do(t, bob, http.MethodDelete, url, nil, nil); status != http.StatusNotFound {
		t.Errorf("delete by other user status = %d", status)
	}
	if status := do(t, env.client(t), http.MethodDelete, url, nil, nil); status != http.StatusUnauthorized {
		t.Errorf("anonymous delete status = %d", status)
	}
	if status := do(t, alice, http.MethodDelete, url, nil, nil); status != http.StatusNoContent {
		t.Errorf("delete by owner status = %d", status)
	}

	var apiErr ErrorResponse
	if status := do(t, env.client(t), http.MethodPost, env.revealURL(created.Token), nil, &apiErr); status != http.StatusNotFound {
		t.Errorf("reveal after delete = %d %+v, want 404", status, apiErr)
	}
}

func TestRequestNewSecret(t *testing.T) {
	env := newTestEnv(t)
	alice, stranger := env.client(t), env.client(t)
	signIn(t, env, alice, "alice", "alice@example.com")

	requestURL := func(token string) string {
		return env.server.URL + "/api/secrets/" + token + "/request-new"
	}

	created := env.create(t, alice, "for bob", "")
	var apiErr ErrorResponse
	if status := do(t, stranger, http.MethodPost, requestURL(created.Token), nil, &apiErr); status != http.StatusConflict || apiErr.Code != "still_active" {
		t.Errorf("request for active secret = %d %+v", status, apiErr)
	}

	if status := do(t, stranger, http.MethodPost, env.revealURL(created.Token), nil, nil); status != http.StatusOK {
		t.Fatalf("reveal status = %d", status)
	}
	var body map[string]string
	if status := do(t, stranger, http.MethodPost, requestURL(created.Token), nil, &body); status != http.StatusAccepted || body["status"] != "requested" {
		t.Fatalf("request for used secret = %d %v", status, body)
	}

	env.outbox.mu.Lock()
	last := env.outbox.msgs[len(env.outbox.msgs)-1]
	env.outbox.mu.Unlock()
	if last.To != "alice@example.com" || !strings.Contains(last.HTML, "bob@example.com") {
		t.Errorf("notification = %s %s", last.To, last.HTML)
	}

	anon := env.create(t, stranger, "anonymous", "")
	if status := do(t, stranger, http.MethodPost, env.revealURL(anon.Token), nil, nil); status != http.StatusOK {
		t.Fatalf("reveal status = %d", status)
	}
	if status := do(t, stranger, http.MethodPost, requestURL(anon.Token), nil, &apiErr); status != http.StatusBadGateway || apiErr.Code != "delivery_failed" {
		t.Errorf("request without contact = %d %+v", status, apiErr)
	}

	if status := do(t, stranger, http.MethodPost, requestURL(strings.Repeat("0", 32)), nil, &apiErr); status != http.StatusNotFound {
		t.Errorf("request for unknown token = %d", status)
	}
}

func TestDisabledAccount_SessionIgnored(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t)
	signIn(t, env, c, "alice", "alice@example.com")

	if status := do(t, c, http.MethodGet, env.server.URL+"/api/dashboard", nil, nil); status != http.StatusOK {
		t.Fatalf("dashboard status = %d", status)
	}

	u, err := env.users.FindByUsername(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if err := env.users.SetStatus(context.Background(), u.ID, models.AccountDisabled); err != nil {
		t.Fatal(err)
	}

	for _, path := range []string{"/api/dashboard", "/api/profile"} {
		if status := do(t, c, http.MethodGet, env.server.URL+path, nil, nil); status != http.StatusUnauthorized {
			t.Errorf("GET %s after disable = %d, want 401", path, status)
		}
	}
}

func TestDashboard_PageBeyondEnd(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t)
	signIn(t, env, c, "alice", "alice@example.com")
	env.create(t, c, "one", "")

	var dash DashboardResponse
	url := fmt.Sprintf("%s/api/dashboard?page=%d", env.server.URL, math.MaxInt)
	if status := do(t, c, http.MethodGet, url, nil, &dash); status != http.StatusOK {
		t.Fatalf("dashboard status = %d", status)
	}
	if dash.Page != 1 || dash.TotalPages != 1 || len(dash.Secrets) != 1 {
		t.Errorf("dashboard = page %d/%d with %d secrets", dash.Page, dash.TotalPages, len(dash.Secrets))
	}
}

func TestAuthRateLimit_Separate(t *testing.T) {
	env := newTestEnvWith(t, func(cfg *config.Config) {
		cfg.RateLimit.AuthPerMin = 1
		cfg.RateLimit.RevealPerMin = 100
	})
	c := env.client(t)
	login := env.server.URL + "/api/auth/login"

	if status := do(t, c, http.MethodPost, login, LoginRequest{Identifier: "nobody", Password: "secret1"}, nil); status != http.StatusUnauthorized {
		t.Fatalf("first login status = %d", status)
	}
	if status := do(t, c, http.MethodPost, login, LoginRequest{Identifier: "nobody", Password: "secret1"}, nil); status != http.StatusTooManyRequests {
		t.Errorf("second login status = %d, want 429", status)
	}
	for i := 0; i < 3; i++ {
		if status := do(t, c, http.MethodPost, env.revealURL(strings.Repeat("0", 32)), nil, nil); status != http.StatusNotFound {
			t.Errorf("reveal %d status = %d, want 404", i, status)
		}
	}
}

func TestUpdateProfile(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t)
	signIn(t, env, c, "alice", "alice@example.com")

	url := env.server.URL + "/api/profile"
	var apiErr ErrorResponse
	if status := do(t, c, http.MethodPut, url, users.ProfileUpdate{Username: "al", Email: "al@example.com", CurrentPassword: "wrong"}, &apiErr); status != http.StatusUnauthorized {
		t.Errorf("wrong password status = %d %+v", status, apiErr)
	}

	var session SessionResponse
	if status := do(t, c, http.MethodPut, url, users.ProfileUpdate{Username: "al", Email: "al@example.com", CurrentPassword: "secret1"}, &session); status != http.StatusOK {
		t.Fatalf("update status = %d", status)
	}

	var me map[string]any
	if status := do(t, c, http.MethodGet, url, nil, &me); status != http.StatusOK || me["username"] != "al" {
		t.Errorf("profile = %d %v", status, me)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	for i, want := range []bool{true, true, false} {
		if ok, _ := rl.Allow("1.2.3.4"); ok != want {
			t.Errorf("request %d allowed = %v, want %v", i+1, ok, want)
		}
	}
	if ok, _ := rl.Allow("5.6.7.8"); !ok {
		t.Error("other client was limited")
	}

	now = now.Add(time.Minute)
	if ok, _ := rl.Allow("1.2.3.4"); !ok {
		t.Error("limit did not reset after the window")
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/secrets/x/reveal", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		h.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Errorf("request %d status = %d, want %d", i+1, rec.Code, want)
		}
		if want == http.StatusTooManyRequests && rec.Header().Get("Retry-After") == "" {
			t.Error("Retry-After missing")
		}
	}
}

func TestCORS_Preflight(t *testing.T) {
	h := CORS(CORSConfig{
		AllowedOrigins: []string{"https://app.test"},
		AllowedMethods: []string{"POST"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         60,
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("preflight reached the handler")
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/secrets", nil)
	req.Header.Set("Origin", "https://app.test")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "https://app.test" {
		t.Errorf("preflight = %d %v", rec.Code, rec.Header())
	}
}

func TestRedactPath(t *testing.T) {
	tests := []struct{ in, want string }{
		{"/password/0123456789abcdef0123456789abcdef", "/password/01234567…"},
		{"/api/secrets/0123456789abcdef0123456789abcdef/reveal", "/api/secrets/01234567…/reveal"},
		{"/api/secrets/42", "/api/secrets/42"},
		{"/api/dashboard", "/api/dashboard"},
	}
	for _, tt := range tests {
		if got := redactPath(tt.in); got != tt.want {
			t.Errorf("redactPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMaskEmail(t *testing.T) {
	tests := map[string]string{
		"bob@example.com": "b***@example.com",
		"@example.com":    "***",
		"nope":            "***",
	}
	for in, want := range tests {
		if got := maskEmail(in); got != want {
			t.Errorf("maskEmail(%q) = %q, want %q", in, got, want)
		}
	}
}
