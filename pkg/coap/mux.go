package coap

import (
	"sort"
	"strings"
	"sync"

	"github.com/backkem/coap/pkg/message"
)

// ServeMux routes requests to handlers by exact path.
// Unknown paths are answered 4.04.
type ServeMux struct {
	handlers map[string]Handler

	mu sync.RWMutex
}

// NewServeMux creates an empty mux.
func NewServeMux() *ServeMux {
	return &ServeMux{handlers: make(map[string]Handler)}
}

// Handle registers h for path, replacing any previous handler.
func (m *ServeMux) Handle(path string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[cleanPath(path)] = h
}

// HandleFunc registers f for path.
func (m *ServeMux) HandleFunc(path string, f func(ResponseWriter, *Request)) {
	m.Handle(path, HandlerFunc(f))
}

// Paths returns the registered paths in order.
func (m *ServeMux) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	paths := make([]string, 0, len(m.handlers))
	for p := range m.handlers {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// ServeCoAP dispatches r to the handler registered for its path.
func (m *ServeMux) ServeCoAP(w ResponseWriter, r *Request) {
	m.mu.RLock()
	h, ok := m.handlers[cleanPath(r.Path())]
	m.mu.RUnlock()

	if !ok {
		_ = w.Respond(&message.Message{Code: message.NotFound})
		return
	}
	h.ServeCoAP(w, r)
}

func cleanPath(p string) string {
	return "/" + strings.Trim(p, "/")
}
