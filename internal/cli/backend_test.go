package cli

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/shomar-security/shomar-cli/internal/api"
)

// testBackend serves the endpoints the commands call
type testBackend struct {
	mu sync.Mutex

	providers     []map[string]interface{}
	sessionStatus string
	platforms     []map[string]interface{}
	projects      []map[string]interface{}

	startCalls    int
	statusCalls   int
	platformCalls int
	lastReturnTo  string
	lastMode      string
	loginBody     map[string]string
	imported      *api.ImportRequest
	connected     *api.ConnectPlatformRequest
	scanPath      string
	scanned       *api.ScanRequest
}

func newTestBackend() *testBackend {
	return &testBackend{
		providers: []map[string]interface{}{
			{"id": "github", "display_label": "GitHub", "scopes": []string{"repo"}, "availability": "available"},
			{"id": "gitlab", "display_label": "GitLab", "availability": "available"},
			{"id": "azure", "display_label": "Azure DevOps", "availability": "coming_soon"},
		},
		sessionStatus: "authorized",
		platforms: []map[string]interface{}{
			{"platform_id": "plat-1", "platform_type": "github", "platform_name": "acme", "status": "active"},
		},
		projects: []map[string]interface{}{
			{"repository_id": "r1", "name": "api", "full_name": "acme/api", "language": "Go", "default_branch": "main"},
			{"repository_id": "r2", "name": "web", "full_name": "acme/web", "language": "TypeScript", "private": true},
		},
	}
}

// serve starts the backend and points the commands at it
func (b *testBackend) serve(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(b)
	t.Cleanup(server.Close)

	t.Setenv("SHOMAR_API_BASE_URL", server.URL)
	t.Setenv("SHOMAR_POLL_INTERVAL", "10ms")
	t.Setenv("SHOMAR_OAUTH_RETURN_TO", "https://app.example.com/done")
	return server
}

func (b *testBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	path := r.URL.Path
	switch {
	case path == "/api/v2/integrations/oauth/providers":
		writeTestJSON(w, http.StatusOK, map[string]interface{}{"providers": b.providers})

	case strings.HasPrefix(path, "/api/v2/integrations/oauth/sessions/"):
		b.statusCalls++
		id := strings.TrimPrefix(path, "/api/v2/integrations/oauth/sessions/")
		writeTestJSON(w, http.StatusOK, map[string]interface{}{"session_id": id, "status": b.sessionStatus})

	case strings.HasPrefix(path, "/api/v2/integrations/oauth/") && strings.HasSuffix(path, "/start"):
		b.startCalls++
		b.lastReturnTo = r.URL.Query().Get("return_to")
		b.lastMode = r.URL.Query().Get("mode")
		writeTestJSON(w, http.StatusOK, map[string]string{
			"authorization_url": "http://github.com/login/oauth/authorize?redirect_uri=http://cb",
			"session_id":        "sess-1",
		})

	case path == "/api/auth/login":
		_ = json.NewDecoder(r.Body).Decode(&b.loginBody)
		if b.loginBody["password"] != "secret" {
			writeTestJSON(w, http.StatusUnauthorized, map[string]string{"message": "invalid credentials"})
			return
		}
		writeTestJSON(w, http.StatusOK, map[string]string{"accessToken": "token-123"})

	case path == "/api/v2/integrations/platforms":
		var req api.ConnectPlatformRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.PlatformType != "" {
			b.connected = &req
			writeTestJSON(w, http.StatusCreated, map[string]string{
				"id":          "p-new",
				"platform_id": "plat-2",
				"message":     "Platform connected",
			})
			return
		}
		b.platformCalls++
		writeTestJSON(w, http.StatusOK, map[string]interface{}{"data": b.platforms})

	case strings.HasPrefix(path, "/api/v2/integrations/platforms/") && strings.HasSuffix(path, "/projects"):
		writeTestJSON(w, http.StatusOK, map[string]interface{}{
			"platform_id":    "plat-1",
			"total_projects": len(b.projects),
			"data":           b.projects,
		})

	case path == "/api/v2/integrations/projects/import":
		var req api.ImportRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		b.imported = &req
		writeTestJSON(w, http.StatusOK, map[string]interface{}{
			"projects_requested": len(req.Projects),
			"projects_imported":  len(req.Projects),
			"imported_projects": []map[string]string{
				{"project_id": "p-1", "full_name": "acme/api", "status": "queued"},
			},
		})

	case strings.HasPrefix(path, "/api/v1/sast/"):
		var req api.ScanRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		b.scanPath = path
		b.scanned = &req
		writeTestJSON(w, http.StatusOK, map[string]interface{}{
			"scan_id": "scan-1",
			"status":  "completed",
			"target":  req.Target,
			"findings": []map[string]interface{}{
				{"title": "Hardcoded secret", "severity": "critical", "file_path": "config.go"},
				{"title": "Weak hash", "severity": "medium", "location": "auth.go:42"},
			},
			"executive_summary": map[string]interface{}{"total_findings": 2, "ai_enhanced_findings": 1},
			"metadata":          map[string]interface{}{"scanned_files": 40},
		})

	default:
		writeTestJSON(w, http.StatusNotFound, map[string]string{"message": "no route"})
	}
}

func writeTestJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
