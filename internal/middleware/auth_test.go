package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func adminRouter(adminKey string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/admin/ping", NewAdminMiddleware(adminKey).Auth(), func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})
	return r
}

func TestAdminAuth(t *testing.T) {
	tests := []struct {
		name       string
		adminKey   string
		header     string
		query      string
		wantStatus int
	}{
		{"valid header key", "secret", "secret", "", http.StatusOK},
		{"valid query key", "secret", "", "secret", http.StatusOK},
		{"wrong key", "secret", "nope", "", http.StatusUnauthorized},
		{"missing key", "secret", "", "", http.StatusUnauthorized},
		{"surface disabled without configured key", "", "anything", "", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := adminRouter(tt.adminKey)

			url := "/admin/ping"
			if tt.query != "" {
				url += "?admin_key=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, url, nil)
			if tt.header != "" {
				req.Header.Set("X-Admin-Key", tt.header)
			}

			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestExtractClientKey(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	var got string
	r.POST("/v1/messages", ClientKey(), func(c *gin.Context) {
		got = c.GetString(ContextKeyClientKey)
		c.Status(http.StatusOK)
	})

	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"x-api-key wins", map[string]string{"x-api-key": "sk-1", "Authorization": "Bearer tok"}, "sk-1"},
		{"bearer token", map[string]string{"Authorization": "Bearer tok"}, "tok"},
		{"raw authorization", map[string]string{"Authorization": "tok"}, "tok"},
		{"falls back to ip", nil, "ip:192.0.2.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
			req.RemoteAddr = "192.0.2.1:9999"
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if got != tt.want {
				t.Errorf("client key = %q, want %q", got, tt.want)
			}
		})
	}
}
