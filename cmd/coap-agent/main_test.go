package main

import (
	"bytes"
	"context"
	"net"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/backkem/coap/pkg/discovery"
	"github.com/backkem/coap/pkg/message"
	"github.com/fxamacker/cbor/v2"
)

func TestRunCommands(t *testing.T) {
	ctx := context.Background()
	var stdout, stderr bytes.Buffer

	if err := run(ctx, nil, &stdout, &stderr); err == nil {
		t.Error("run() without a command succeeded")
	}
	if err := run(ctx, []string{"frobnicate"}, &stdout, &stderr); err == nil || !strings.Contains(err.Error(), "frobnicate") {
		t.Errorf("run(frobnicate) error = %v", err)
	}

	stdout.Reset()
	if err := run(ctx, []string{"help"}, &stdout, &stderr); err != nil {
		t.Errorf("run(help) error = %v", err)
	}
	if !strings.Contains(stdout.String(), "discover") {
		t.Errorf("usage = %q", stdout.String())
	}

	if err := run(ctx, []string{"get"}, &stdout, &stderr); err == nil {
		t.Error("get without a URI succeeded")
	}
	if err := run(ctx, []string{"post", "coap://127.0.0.1/echo"}, &stdout, &stderr); err == nil {
		t.Error("post without a payload succeeded")
	}
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		raw     string
		port    int
		path    string
		queries []string
	}{
		{"coap://127.0.0.1:5684/a/b?x=1&y=2", 5684, "/a/b", []string{"x=1", "y=2"}},
		{"coap://127.0.0.1", message.DefaultPort, "/", nil},
		{"coap://127.0.0.1/q?rt%3Dtemp", message.DefaultPort, "/q", []string{"rt=temp"}},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := parseTarget(tt.raw)
			if err != nil {
				t.Fatalf("parseTarget() error = %v", err)
			}
			if got.addr.Port != tt.port || got.path != tt.path || !reflect.DeepEqual(got.queries, tt.queries) {
				t.Errorf("parseTarget() = %v %q %q", got.addr, got.path, got.queries)
			}

			req := got.request(message.Confirmable, message.GET)
			if req.Path() != tt.path || len(req.Queries()) != len(tt.queries) {
				t.Errorf("request path %q queries %q", req.Path(), req.Queries())
			}
		})
	}

	for _, raw := range []string{"http://127.0.0.1/", "coap:///nohost", "::bad"} {
		if _, err := parseTarget(raw); err == nil {
			t.Errorf("parseTarget(%q) succeeded", raw)
		}
	}
}

func TestPrintResponse(t *testing.T) {
	body, err := cbor.Marshal(map[string]int{"a": 1})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	tests := []struct {
		name   string
		format uint32
		body   []byte
		asCBOR bool
		want   string
	}{
		{"text", message.TextPlain, []byte("hi"), false, "2.05\nhi\n"},
		{"octets", message.AppOctets, []byte{0xde, 0xad}, false, "2.05\ndead\n"},
		{"cbor format", message.AppCBOR, body, false, `"a"`},
		{"cbor flag", message.AppOctets, body, true, `"a"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &message.Message{Code: message.Content, Payload: tt.body}
			m.SetContentFormat(tt.format)

			var buf bytes.Buffer
			if err := printResponse(&buf, m, tt.asCBOR); err != nil {
				t.Fatalf("printResponse() error = %v", err)
			}
			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("output = %q, want %q", buf.String(), tt.want)
			}
		})
	}

	m := &message.Message{Code: message.Content, Payload: []byte{0xff, 0xff}}
	m.SetContentFormat(message.AppCBOR)
	if err := printResponse(&bytes.Buffer{}, m, false); err == nil {
		t.Error("printResponse() accepted malformed CBOR")
	}
}

func TestDiscover(t *testing.T) {
	mock := discovery.NewMockMDNSResolver()
	mock.RegisterService(discovery.ServiceCoAP, discovery.MockService("kitchen", 5683, net.ParseIP("192.168.1.20"),
		discovery.ServiceTXT{ResourceTypes: []string{"temperature-c"}, Path: "/time"}))
	mock.RegisterService(discovery.ServiceCoAP, discovery.MockService("kitchen", 5683, net.ParseIP("192.168.1.20"),
		discovery.ServiceTXT{}))

	resolver, err := discovery.NewResolver(discovery.ResolverConfig{
		MDNSResolver:  mock,
		BrowseTimeout: 200 * time.Millisecond,
		LookupTimeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewResolver() error = %v", err)
	}

	var out bytes.Buffer
	if err := discover(context.Background(), resolver, "", &out); err != nil {
		t.Fatalf("discover() error = %v", err)
	}
	text := out.String()
	if strings.Count(text, "kitchen") != 1 {
		t.Errorf("output lists kitchen %d times:\n%s", strings.Count(text, "kitchen"), text)
	}
	for _, want := range []string{"192.168.1.20:5683", "path=/time", "rt=temperature-c"} {
		if !strings.Contains(text, want) {
			t.Errorf("output lacks %q:\n%s", want, text)
		}
	}

	out.Reset()
	if err := discover(context.Background(), resolver, "kitchen", &out); err != nil {
		t.Fatalf("discover(kitchen) error = %v", err)
	}
	if !strings.Contains(out.String(), "kitchen") {
		t.Errorf("lookup output = %q", out.String())
	}
	if err := discover(context.Background(), resolver, "garage", &out); err == nil {
		t.Error("lookup of an unknown instance succeeded")
	}
}
