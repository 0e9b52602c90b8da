package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestCheckOrigin(t *testing.T) {
	check := CheckOrigin([]string{"https://app.example.com/"})
	cases := map[string]bool{
		"":                         true,
		"https://app.example.com":  true,
		"HTTPS://APP.example.com":  true,
		"https://evil.example.com": false,
		"http://app.example.com":   false,
		"::not a url":              false,
	}
	for origin, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "/ws/chat", nil)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		if got := check(req); got != want {
			t.Errorf("%q: got %v, want %v", origin, got, want)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://anything")
	if !CheckOrigin(nil)(req) {
		t.Error("empty allow list should allow all")
	}
}

func TestRoute_AuthChain(t *testing.T) {
	gin.SetMode(gin.TestMode)
	SetAuth(func(c *gin.Context) {
		if c.GetHeader("X-Test") == "" {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		c.Next()
	})
	r := gin.New()
	ok := func(c *gin.Context) { c.Status(http.StatusNoContent) }
	GET(r, "/open", ok, RouteOpt{})
	POST(r, "/closed", ok, RouteOpt{IsAuth: true})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/open", nil))
	if w.Code != http.StatusNoContent {
		t.Errorf("open: %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/closed", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("closed without header: %d", w.Code)
	}
}

func TestGuards_StopOnAbortAndSwap(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var second bool
	g := NewGuards(
		func(c *gin.Context) { c.AbortWithStatus(http.StatusTeapot) },
		func(c *gin.Context) { second = true },
	)

	r := gin.New()
	r.Use(Recovery(), g.Handler())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	if w.Code != http.StatusTeapot || second {
		t.Errorf("code %d, second ran %v", w.Code, second)
	}

	g.Set(Origin([]string{"https://app.example.com"}))
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("allowed origin after swap: %d", w.Code)
	}

	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("blocked origin: %d", w.Code)
	}
}
