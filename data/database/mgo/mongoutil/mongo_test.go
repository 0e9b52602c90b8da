package mongoutil

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
)

func TestNormalize(t *testing.T) {
	if err := (&Config{Database: "shiftchat"}).normalize(); err == nil {
		t.Error("config without uri or hosts accepted")
	}
	if err := (&Config{URI: "mongodb://x"}).normalize(); err == nil {
		t.Error("config without database accepted")
	}

	c := Config{Hosts: []string{"m1:27017", "m2:27017"}, Database: "shiftchat", Username: "gw", Password: "p@ss"}
	if err := c.normalize(); err != nil {
		t.Fatal(err)
	}
	if c.MaxPoolSize != defaultMaxPoolSize || c.MaxRetry != defaultMaxRetry || c.RetryWait != defaultRetryWait {
		t.Errorf("defaults: %+v", c)
	}
	want := "mongodb://gw:p%40ss@m1:27017,m2:27017/shiftchat?authSource=shiftchat"
	if c.URI != want {
		t.Errorf("uri %q, want %q", c.URI, want)
	}

	c = Config{Hosts: []string{"m1"}, Database: "shiftchat", AuthSource: "admin"}
	_ = c.normalize()
	if strings.Contains(c.URI, "@") || !strings.HasSuffix(c.URI, "authSource=admin") {
		t.Errorf("uri %q", c.URI)
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{mongo.CommandError{Code: codeAuthFailed}, false},
		{fmt.Errorf("wrapped: %w", mongo.CommandError{Code: codeUnauthorized}), false},
		{mongo.CommandError{Code: 91}, true},
		{context.Canceled, false},
		{errors.New("connection refused"), true},
	}
	for _, c := range cases {
		if got := retryable(c.err); got != c.want {
			t.Errorf("retryable(%v) = %v", c.err, got)
		}
	}
}

func TestConnect_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Connect(ctx, Config{URI: "mongodb://127.0.0.1:1/?serverSelectionTimeoutMS=50", Database: "x", RetryWait: time.Millisecond})
	if err == nil {
		t.Fatal("connect with cancelled context succeeded")
	}
}
