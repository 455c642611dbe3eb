package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/markdave123-py/docchat/internal/config"
	objectclient "github.com/markdave123-py/docchat/internal/core/object-client"
	"github.com/markdave123-py/docchat/internal/logger"
	"github.com/markdave123-py/docchat/internal/services"
	"github.com/markdave123-py/docchat/internal/testutil"
)

type testServer struct {
	*httptest.Server
	mailer *testutil.RecordingMailer
	app    *App
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	root := t.TempDir()
	cfg := &config.Config{
		AppEnv:            "test",
		Port:              "0",
		JWTSecret:         "0123456789abcdef0123456789abcdef",
		TokenTTL:          time.Hour,
		ResetTokenTTL:     time.Hour,
		ResetURLBase:      "http://localhost:3000/reset-password",
		DefaultRole:       "user",
		UploadDir:         filepath.Join(root, "uploads"),
		ConversationDir:   filepath.Join(root, "conversations"),
		AllowedExtensions: []string{".pdf"},
		MaxUploadBytes:    1 << 20,
		StorageBackend:    config.StorageDisk,
		EmbedDim:          768,
		CORSOrigins:       []string{"http://localhost:5173"},
	}
	objects, err := objectclient.NewDiskClient(cfg.UploadDir)
	if err != nil {
		t.Fatalf("disk client: %v", err)
	}
	mailer := &testutil.RecordingMailer{}
	a, err := New(cfg, logger.Nop(), Deps{DB: testutil.NewMemDB(t), Objects: objects, Mailer: mailer})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, mailer: mailer, app: a}
}

func (s *testServer) do(t *testing.T, method, path, token string, body io.Reader, contentType string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, s.URL+path, body)
	if err != nil {
		t.Fatal(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

func (s *testServer) postJSON(t *testing.T, path, token string, v any) (int, map[string]any) {
	t.Helper()
	raw, _ := json.Marshal(v)
	status, data := s.do(t, http.MethodPost, path, token, bytes.NewReader(raw), "application/json")
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("%s: decode %s: %v", path, data, err)
	}
	return status, out
}

func decode(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return out
}

func TestRegisterLoginMe(t *testing.T) {
	s := newTestServer(t)

	status, reg := s.postJSON(t, "/api/auth/register", "", map[string]string{
		"email": "ada@example.com", "password": "correct horse", "fullName": "Ada Lovelace",
	})
	if status != http.StatusCreated || reg["success"] != true || reg["token"] == "" {
		t.Fatalf("register: %d %v", status, reg)
	}

	status, login := s.postJSON(t, "/api/auth/login", "", map[string]string{
		"email": "ada@example.com", "password": "correct horse",
	})
	if status != http.StatusOK {
		t.Fatalf("login: %d %v", status, login)
	}
	token, _ := login["token"].(string)

	status, data := s.do(t, http.MethodGet, "/api/auth/me", token, nil, "")
	me := decode(t, data)
	user, _ := me["user"].(map[string]any)
	if status != http.StatusOK || user["email"] != "ada@example.com" || user["full_name"] != "Ada Lovelace" || user["role_id"] != float64(2) {
		t.Fatalf("me: %d %s", status, data)
	}

	if status, _ := s.do(t, http.MethodGet, "/api/auth/user-test", token, nil, ""); status != http.StatusOK {
		t.Fatalf("user-test: %d", status)
	}
	if status, _ := s.do(t, http.MethodGet, "/api/auth/admin-test", token, nil, ""); status != http.StatusForbidden {
		t.Fatalf("admin-test as user: %d", status)
	}
	if status, _ := s.do(t, http.MethodDelete, "/api/admin/users/"+user["id"].(string), token, nil, ""); status != http.StatusForbidden {
		t.Fatalf("admin delete as user: %d", status)
	}
}

func TestAdminDeleteUser(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	if _, _, err := s.app.Auth.CreateUser(ctx, services.RegisterInput{Email: "root@example.com", Password: "admin password"}, "admin"); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	login, err := s.app.Auth.Login(ctx, "root@example.com", "admin password")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	_, reg := s.postJSON(t, "/api/auth/register", "", map[string]string{"email": "ada@example.com", "password": "correct horse"})
	victim, _ := reg["user"].(map[string]any)

	if status, data := s.do(t, http.MethodDelete, "/api/admin/users/not-a-uuid", login.Token, nil, ""); status != http.StatusNotFound {
		t.Fatalf("malformed id: %d %s", status, data)
	}
	if status, data := s.do(t, http.MethodDelete, "/api/admin/users/"+victim["id"].(string), login.Token, nil, ""); status != http.StatusOK {
		t.Fatalf("delete: %d %s", status, data)
	}
	if status, _ := s.do(t, http.MethodDelete, "/api/admin/users/"+victim["id"].(string), login.Token, nil, ""); status != http.StatusNotFound {
		t.Fatalf("second delete: %d", status)
	}
}

func TestLoginFailuresLookAlike(t *testing.T) {
	s := newTestServer(t)
	s.postJSON(t, "/api/auth/register", "", map[string]string{"email": "ada@example.com", "password": "correct horse"})

	st1, unknown := s.postJSON(t, "/api/auth/login", "", map[string]string{"email": "bob@example.com", "password": "whatever1"})
	st2, wrong := s.postJSON(t, "/api/auth/login", "", map[string]string{"email": "ada@example.com", "password": "wrong one"})
	if st1 != http.StatusUnauthorized || st2 != http.StatusUnauthorized || unknown["message"] != wrong["message"] {
		t.Fatalf("login failures differ: %d %v / %d %v", st1, unknown, st2, wrong)
	}

	if status, _ := s.do(t, http.MethodGet, "/api/auth/me", "", nil, ""); status != http.StatusUnauthorized {
		t.Fatalf("me without token: %d", status)
	}
}

func TestForgotPasswordIsGeneric(t *testing.T) {
	s := newTestServer(t)
	s.postJSON(t, "/api/auth/register", "", map[string]string{"email": "ada@example.com", "password": "correct horse"})

	_, known := s.postJSON(t, "/api/auth/forgot-password", "", map[string]string{"email": "ada@example.com"})
	_, unknown := s.postJSON(t, "/api/auth/forgot-password", "", map[string]string{"email": "ghost@example.com"})
	if known["message"] != unknown["message"] || known["success"] != true {
		t.Fatalf("responses differ: %v / %v", known, unknown)
	}
	if n := len(s.mailer.Sent()); n != 1 {
		t.Fatalf("sent %d mails", n)
	}
}

func TestDocumentLifecycle(t *testing.T) {
	s := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, _ := mw.CreateFormFile("file", "report.pdf")
	_, _ = part.Write([]byte("%PDF-1.4 hello"))
	_ = mw.Close()

	status, data := s.do(t, http.MethodPost, "/documents/upload", "", &buf, mw.FormDataContentType())
	if status != http.StatusOK {
		t.Fatalf("upload: %d %s", status, data)
	}
	up := decode(t, data)
	id, _ := up["id"].(string)
	if up["filename"] != "report.pdf" || up["stored_filename"] != id+".pdf" {
		t.Fatalf("upload result %v", up)
	}

	status, data = s.do(t, http.MethodGet, "/documents/"+id, "", nil, "")
	if status != http.StatusOK || string(data) != "%PDF-1.4 hello" {
		t.Fatalf("get: %d %q", status, data)
	}

	status, data = s.do(t, http.MethodDelete, "/documents/"+id, "", nil, "")
	if status != http.StatusOK || decode(t, data)["message"] != "Document deleted successfully" {
		t.Fatalf("delete: %d %s", status, data)
	}

	status, data = s.do(t, http.MethodGet, "/documents/"+id, "", nil, "")
	if status != http.StatusNotFound || decode(t, data)["detail"] != "Document not found" {
		t.Fatalf("get after delete: %d %s", status, data)
	}
}

func TestUploadRejectsNonPDF(t *testing.T) {
	s := newTestServer(t)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, _ := mw.CreateFormFile("file", "notes.txt")
	_, _ = part.Write([]byte("plain"))
	_ = mw.Close()

	status, data := s.do(t, http.MethodPost, "/documents/upload", "", &buf, mw.FormDataContentType())
	if status != http.StatusBadRequest || decode(t, data)["detail"] != "Only PDF files are allowed" {
		t.Fatalf("upload txt: %d %s", status, data)
	}
}

func TestConversationRoutes(t *testing.T) {
	s := newTestServer(t)

	status, data := s.do(t, http.MethodPut, "/conversations/chat-1", "",
		strings.NewReader(`{"title":"Draft"}`), "application/json")
	if status != http.StatusOK || decode(t, data)["detail"] != "Skipping empty conversation" {
		t.Fatalf("empty upsert: %d %s", status, data)
	}

	body := `{"title":"Notes","messages":[{"id":1,"role":"user","content":"hello"}]}`
	status, data = s.do(t, http.MethodPut, "/conversations/chat-1", "", strings.NewReader(body), "application/json")
	if status != http.StatusOK || decode(t, data)["title"] != "Notes" {
		t.Fatalf("upsert: %d %s", status, data)
	}

	status, data = s.do(t, http.MethodGet, "/conversations", "", nil, "")
	var list []map[string]any
	if err := json.Unmarshal(data, &list); err != nil || status != http.StatusOK || len(list) != 1 {
		t.Fatalf("list: %d %s", status, data)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("title", " ")
	_ = mw.WriteField("last_message", "")
	_ = mw.Close()
	status, data = s.do(t, http.MethodPost, "/conversations", "", &buf, mw.FormDataContentType())
	if status != http.StatusBadRequest || decode(t, data)["detail"] != "Cannot create empty conversation without PDF" {
		t.Fatalf("empty create: %d %s", status, data)
	}

	if status, _ := s.do(t, http.MethodDelete, "/conversations/chat-1", "", nil, ""); status != http.StatusOK {
		t.Fatalf("delete: %d", status)
	}
	status, data = s.do(t, http.MethodGet, "/conversations/chat-1", "", nil, "")
	if status != http.StatusNotFound || decode(t, data)["detail"] != "Conversation not found" {
		t.Fatalf("get after delete: %d %s", status, data)
	}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	if status, _ := s.do(t, http.MethodGet, "/healthz", "", nil, ""); status != http.StatusOK {
		t.Fatalf("healthz: %d", status)
	}
}
