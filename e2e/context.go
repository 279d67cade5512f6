package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TestContext drives one scenario against a running server and remembers
// the last response plus the identities the scenario has assumed.
type TestContext struct {
	baseURL       string
	signingKey    []byte
	issuer        string
	audience      string
	adminToken    string
	callbackToken string
	client        *http.Client

	accessToken  string
	users        map[string]string
	lastStatus   int
	lastBody     []byte
	lastResponse map[string]any
	vars         map[string]string
}

func NewTestContext() *TestContext {
	return &TestContext{
		baseURL:       env("E2E_BASE_URL", "http://localhost:8080"),
		signingKey:    []byte(env("JWT_SIGNING_KEY", "dev-secret-key-change-in-production")),
		issuer:        env("JWT_ISSUER", "dossier"),
		audience:      env("JWT_AUDIENCE", "dossier-api"),
		adminToken:    os.Getenv("ADMIN_API_TOKEN"),
		callbackToken: os.Getenv("PAYMENT_CALLBACK_TOKEN"),
		client:        &http.Client{Timeout: 60 * time.Second},
	}
}

// Reset clears per-scenario state.
func (tc *TestContext) Reset() {
	tc.accessToken = ""
	tc.users = make(map[string]string)
	tc.vars = make(map[string]string)
	tc.lastStatus = 0
	tc.lastBody = nil
	tc.lastResponse = nil
}

// AuthenticateAs mints a token for a named scenario user. The same name maps
// to the same user id for the whole scenario.
func (tc *TestContext) AuthenticateAs(name, role string) error {
	userID, ok := tc.users[name]
	if !ok {
		userID = uuid.NewString()
		tc.users[name] = userID
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"role":    role,
		"email":   name + "@example.org",
		"sub":     userID,
		"iss":     tc.issuer,
		"aud":     []string{tc.audience},
		"iat":     now.Unix(),
		"exp":     now.Add(time.Hour).Unix(),
		"jti":     uuid.NewString(),
	})
	signed, err := token.SignedString(tc.signingKey)
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	tc.accessToken = signed
	return nil
}

func (tc *TestContext) ClearAuthentication() {
	tc.accessToken = ""
}

// UseAccessToken signs later requests with a token the server issued.
func (tc *TestContext) UseAccessToken(token string) {
	tc.accessToken = token
}

func (tc *TestContext) GetAccessToken() string {
	return tc.accessToken
}

func (tc *TestContext) AdminToken() string {
	return tc.adminToken
}

func (tc *TestContext) CallbackToken() string {
	return tc.callbackToken
}

func (tc *TestContext) POST(path string, body any) error {
	return tc.send(http.MethodPost, path, body, nil)
}

func (tc *TestContext) POSTWithHeaders(path string, body any, headers map[string]string) error {
	return tc.send(http.MethodPost, path, body, headers)
}

func (tc *TestContext) PUT(path string, raw []byte) error {
	return tc.do(http.MethodPut, path, bytes.NewReader(raw), "application/octet-stream", nil)
}

func (tc *TestContext) GET(path string, headers map[string]string) error {
	return tc.do(http.MethodGet, path, nil, "", headers)
}

func (tc *TestContext) send(method, path string, body any, headers map[string]string) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	return tc.do(method, path, reader, "application/json", headers)
}

func (tc *TestContext) do(method, path string, body io.Reader, contentType string, headers map[string]string) error {
	req, err := http.NewRequest(method, tc.baseURL+tc.Expand(path), body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if tc.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+tc.accessToken)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := tc.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	tc.lastStatus = resp.StatusCode
	tc.lastBody, err = io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	tc.lastResponse = nil
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var parsed map[string]any
		if json.Unmarshal(tc.lastBody, &parsed) == nil {
			tc.lastResponse = parsed
		}
	}
	return nil
}

func (tc *TestContext) GetLastResponseStatus() int {
	return tc.lastStatus
}

func (tc *TestContext) GetLastResponseBody() []byte {
	return tc.lastBody
}

// GetResponseField reads a dotted path such as "payment.status".
func (tc *TestContext) GetResponseField(field string) (any, error) {
	if tc.lastResponse == nil {
		return nil, fmt.Errorf("last response was not a JSON object: %s", string(tc.lastBody))
	}
	var current any = tc.lastResponse
	for _, part := range strings.Split(field, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("field %q not found", field)
		}
		if current, ok = obj[part]; !ok {
			return nil, fmt.Errorf("field %q not found", field)
		}
	}
	return current, nil
}

func (tc *TestContext) ResponseContains(field string) bool {
	_, err := tc.GetResponseField(field)
	return err == nil
}

// Remember stores a value for later {name} substitution in paths and bodies.
func (tc *TestContext) Remember(name, value string) {
	tc.vars[name] = value
}

func (tc *TestContext) Recall(name string) string {
	return tc.vars[name]
}

// Expand substitutes remembered {name} placeholders.
func (tc *TestContext) Expand(s string) string {
	for k, v := range tc.vars {
		s = strings.ReplaceAll(s, "{"+k+"}", v)
	}
	return s
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
