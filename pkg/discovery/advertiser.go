// Package discovery announces and finds CoAP endpoints with DNS-SD over
// multicast DNS (service type _coap._udp).
package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/grandcat/zeroconf"
	"github.com/pion/logging"
)

const (
	// ServiceCoAP is the DNS-SD service type of CoAP over UDP.
	ServiceCoAP = "_coap._udp"

	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."

	// DefaultPort is the default CoAP port.
	DefaultPort = 5683

	// maxInstanceLength is the DNS label limit.
	maxInstanceLength = 63
)

// MDNSServer is the interface for mDNS service registration.
// This allows for dependency injection in tests.
type MDNSServer interface {
	// Shutdown stops the server.
	Shutdown()
}

// MDNSServerFactory creates MDNSServer instances.
type MDNSServerFactory interface {
	// Register creates a new mDNS server for the given service.
	Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error)
}

// zeroconfServerFactory is the production implementation using grandcat/zeroconf.
type zeroconfServerFactory struct{}

func (z *zeroconfServerFactory) Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error) {
	return zeroconf.Register(instance, service, domain, port, txt, ifaces)
}

// AdvertiserConfig holds configuration for the Advertiser.
type AdvertiserConfig struct {
	// Port is the CoAP port to advertise (default: 5683).
	Port int

	// Interfaces specifies which network interfaces to advertise on.
	// If nil, all interfaces are used.
	Interfaces []net.Interface

	// ServerFactory is the factory for creating mDNS servers.
	// If nil, the default zeroconf factory is used.
	ServerFactory MDNSServerFactory

	// LoggerFactory for creating loggers.
	LoggerFactory logging.LoggerFactory
}

// Advertiser publishes CoAP service instances. Each instance name is
// registered at most once.
type Advertiser struct {
	config    AdvertiserConfig
	factory   MDNSServerFactory
	log       logging.LeveledLogger
	mu        sync.RWMutex
	instances map[string]MDNSServer
	closed    bool
}

// NewAdvertiser creates a new Advertiser with the given configuration.
func NewAdvertiser(config AdvertiserConfig) (*Advertiser, error) {
	if config.Port == 0 {
		config.Port = DefaultPort
	}
	if config.Port < 0 || config.Port > 65535 {
		return nil, ErrInvalidPort
	}

	factory := config.ServerFactory
	if factory == nil {
		factory = &zeroconfServerFactory{}
	}

	a := &Advertiser{
		config:    config,
		factory:   factory,
		instances: make(map[string]MDNSServer),
	}
	if config.LoggerFactory != nil {
		a.log = config.LoggerFactory.NewLogger("discovery")
	}
	return a, nil
}

// Start advertises one instance with the given TXT content and returns the
// instance name. An empty instance gets a generated "coap-<hex>" name.
func (a *Advertiser) Start(instance string, txt ServiceTXT) (string, error) {
	if err := txt.Validate(); err != nil {
		return "", fmt.Errorf("advertiser: %w", err)
	}
	if instance == "" {
		instance = GenerateInstanceName()
	}
	if len(instance) > maxInstanceLength || strings.ContainsAny(instance, ".") {
		return "", ErrInvalidInstanceName
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return "", ErrClosed
	}
	if _, exists := a.instances[instance]; exists {
		return "", ErrAlreadyStarted
	}

	records := txt.Encode()
	if a.log != nil {
		a.log.Debugf("registering mDNS service: instance=%s service=%s port=%d", instance, ServiceCoAP, a.config.Port)
		a.log.Tracef("TXT records: %v", records)
	}

	server, err := a.factory.Register(instance, ServiceCoAP, DefaultDomain, a.config.Port, records, a.config.Interfaces)
	if err != nil {
		return "", fmt.Errorf("advertiser: mDNS registration failed for %s: %w", instance, err)
	}
	a.instances[instance] = server

	if a.log != nil {
		a.log.Infof("advertising %s.%s%s on port %d", instance, ServiceCoAP, DefaultDomain, a.config.Port)
	}
	return instance, nil
}

// Stop withdraws one instance.
func (a *Advertiser) Stop(instance string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	server, exists := a.instances[instance]
	if !exists {
		return ErrNotStarted
	}
	server.Shutdown()
	delete(a.instances, instance)
	return nil
}

// IsAdvertising reports whether instance is currently advertised.
func (a *Advertiser) IsAdvertising(instance string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	_, exists := a.instances[instance]
	return exists
}

// Instances returns the advertised instance names.
func (a *Advertiser) Instances() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	names := make([]string, 0, len(a.instances))
	for name := range a.instances {
		names = append(names, name)
	}
	return names
}

// Close withdraws every instance and closes the advertiser.
func (a *Advertiser) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	for _, server := range a.instances {
		server.Shutdown()
	}
	a.instances = nil
	a.closed = true
	return nil
}

// CloseOnDone closes the advertiser once ctx ends.
func (a *Advertiser) CloseOnDone(ctx context.Context) {
	go func() {
		<-ctx.Done()
		_ = a.Close()
	}()
}

// GenerateInstanceName returns a random instance name of the form coap-<8 hex>.
func GenerateInstanceName() string {
	id := uuid.New()
	return fmt.Sprintf("coap-%x", id[:4])
}
