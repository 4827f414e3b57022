package coap

import (
	"testing"

	"github.com/backkem/coap/pkg/message"
)

func TestServeMux(t *testing.T) {
	mux := NewServeMux()
	mux.HandleFunc("/hello", func(w ResponseWriter, r *Request) {
		_ = w.Respond(&message.Message{Code: message.Content, Payload: []byte("hi")})
	})
	mux.Handle("sensors/temp/", respondWith(message.Content, "21.5"))

	pair := newTestPair(t, TestAgentPairConfig{Handlers: [2]Handler{nil, mux}})
	ctx := testContext(t)

	tests := []struct {
		path    string
		code    message.Code
		payload string
	}{
		{"/hello", message.Content, "hi"},
		{"/sensors/temp", message.Content, "21.5"},
		{"/nothing", message.NotFound, ""},
		{"/", message.NotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := pair.Agent(0).Get(ctx, pair.PeerAddr(0), tt.path)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if resp.Message.Code != tt.code || string(resp.Message.Payload) != tt.payload {
				t.Errorf("got %s %q, want %s %q", resp.Message.Code, resp.Message.Payload, tt.code, tt.payload)
			}
		})
	}

	paths := mux.Paths()
	if len(paths) != 2 || paths[0] != "/hello" || paths[1] != "/sensors/temp" {
		t.Errorf("Paths() = %v", paths)
	}
}

func TestCleanPath(t *testing.T) {
	tests := map[string]string{
		"":      "/",
		"/":     "/",
		"a":     "/a",
		"/a/b/": "/a/b",
		"//a//": "/a",
	}
	for in, want := range tests {
		if got := cleanPath(in); got != want {
			t.Errorf("cleanPath(%q) = %q, want %q", in, got, want)
		}
	}
}
