package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/backkem/coap/pkg/coap"
	"github.com/backkem/coap/pkg/message"
	"github.com/fxamacker/cbor/v2"
)

// resources are the demo resources of `coap-agent serve`.
type resources struct {
	started time.Time
	tick    time.Duration
	large   []byte
	stats   func() coap.Stats
}

func newResources(tick time.Duration, stats func() coap.Stats) *resources {
	large := make([]byte, 0, 4096)
	for i := 0; len(large) < 4000; i++ {
		large = fmt.Appendf(large, "line %04d of the large resource\n", i)
	}
	return &resources{
		started: time.Now(),
		tick:    tick,
		large:   large,
		stats:   stats,
	}
}

// mux registers every resource, including /.well-known/core.
func (res *resources) mux() *coap.ServeMux {
	mux := coap.NewServeMux()
	mux.HandleFunc("/hello", getOnly(res.serveHello))
	mux.HandleFunc("/time", getOnly(res.serveTime))
	mux.HandleFunc("/large", getOnly(res.serveLarge))
	mux.HandleFunc("/status", getOnly(res.serveStatus))
	mux.HandleFunc("/echo", res.serveEcho)
	mux.HandleFunc("/.well-known/core", getOnly(func(w coap.ResponseWriter, r *coap.Request) {
		resp := &message.Message{Code: message.Content, Payload: []byte(linkFormat(mux.Paths()))}
		resp.SetContentFormat(message.AppLinkFormat)
		_ = w.Respond(resp)
	}))
	return mux
}

func getOnly(h coap.HandlerFunc) coap.HandlerFunc {
	return func(w coap.ResponseWriter, r *coap.Request) {
		if r.Message.Code != message.GET {
			_ = w.Respond(&message.Message{Code: message.MethodNotAllowed})
			return
		}
		h(w, r)
	}
}

func (res *resources) serveHello(w coap.ResponseWriter, r *coap.Request) {
	resp := &message.Message{Code: message.Content, Payload: []byte("hello world")}
	resp.SetContentFormat(message.TextPlain)
	_ = w.Respond(resp)
}

func (res *resources) timeMessage(now time.Time) *message.Message {
	m := &message.Message{Code: message.Content, Payload: []byte(now.UTC().Format(time.RFC3339))}
	m.SetContentFormat(message.TextPlain)
	m.SetUint(message.MaxAge, uint32(res.tick/time.Second)+1)
	return m
}

// serveTime answers the current time. Observers get a notification every
// tick until they leave or the agent closes.
func (res *resources) serveTime(w coap.ResponseWriter, r *coap.Request) {
	if err := w.Respond(res.timeMessage(time.Now())); err != nil || !r.Observe {
		return
	}

	ticker := time.NewTicker(res.tick)
	defer ticker.Stop()

	// Every fifth notification is confirmable so a vanished client is noticed.
	for n := 1; ; n++ {
		select {
		case <-r.Context().Done():
			return
		case now := <-ticker.C:
			m := res.timeMessage(now)
			m.Type = message.NonConfirmable
			if n%5 == 0 {
				m.Type = message.Confirmable
			}
			if err := w.Notify(m); err != nil {
				return
			}
		}
	}
}

func (res *resources) serveLarge(w coap.ResponseWriter, r *coap.Request) {
	resp := &message.Message{Code: message.Content, Payload: res.large}
	resp.SetContentFormat(message.TextPlain)
	_ = w.Respond(resp)
}

// status is the CBOR body of /status.
type status struct {
	UptimeSeconds int64 `cbor:"uptime_s"`
	Exchanges     int   `cbor:"exchanges"`
	Requests      int   `cbor:"requests"`
	Observers     int   `cbor:"observers"`
	Pending       int   `cbor:"pending_retransmits"`
}

func (res *resources) serveStatus(w coap.ResponseWriter, r *coap.Request) {
	s := status{UptimeSeconds: int64(time.Since(res.started) / time.Second)}
	if res.stats != nil {
		st := res.stats()
		s.Exchanges, s.Requests = st.Exchanges, st.Requests
		s.Observers, s.Pending = st.Observers, st.PendingRetransmits
	}

	body, err := cbor.Marshal(s)
	if err != nil {
		_ = w.Respond(&message.Message{Code: message.InternalServerError})
		return
	}
	resp := &message.Message{Code: message.Content, Payload: body}
	resp.SetContentFormat(message.AppCBOR)
	_ = w.Respond(resp)
}

// serveEcho returns POST and PUT bodies with their Content-Format.
func (res *resources) serveEcho(w coap.ResponseWriter, r *coap.Request) {
	if r.Message.Code != message.POST && r.Message.Code != message.PUT {
		_ = w.Respond(&message.Message{Code: message.MethodNotAllowed})
		return
	}
	resp := &message.Message{Code: message.Changed, Payload: r.Message.Payload}
	if cf, ok := r.Message.ContentFormat(); ok {
		resp.SetContentFormat(cf)
	}
	_ = w.Respond(resp)
}

// linkFormat renders paths as a CoRE Link Format document.
func linkFormat(paths []string) string {
	links := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "/.well-known/core" {
			continue
		}
		link := "<" + p + ">"
		if p == "/time" {
			link += ";obs"
		}
		links = append(links, link)
	}
	return strings.Join(links, ",")
}
