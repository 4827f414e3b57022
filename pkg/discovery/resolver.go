package discovery

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/grandcat/zeroconf"
)

// DefaultBrowseTimeout is the default timeout for browse operations.
const DefaultBrowseTimeout = 5 * time.Second

// DefaultLookupTimeout is the default timeout for lookup operations.
const DefaultLookupTimeout = 3 * time.Second

// ResolvedService contains information about a discovered CoAP endpoint.
type ResolvedService struct {
	// InstanceName is the DNS-SD instance name.
	InstanceName string

	// HostName is the target host name.
	HostName string

	// Port is the service port.
	Port int

	// IPs contains the resolved IP addresses, sorted by preference.
	IPs []net.IP

	// Text contains the raw TXT record key-value pairs.
	Text map[string]string

	// TXT is the typed TXT content, nil if it did not parse.
	TXT *ServiceTXT
}

// Addrs returns the endpoint addresses in preference order.
func (r *ResolvedService) Addrs() []*net.UDPAddr {
	return UDPAddrs(r.IPs, r.Port, "")
}

// PreferredAddr returns the most preferred endpoint, or nil.
func (r *ResolvedService) PreferredAddr() *net.UDPAddr {
	if addrs := r.Addrs(); len(addrs) > 0 {
		return addrs[0]
	}
	return nil
}

// MDNSResolver is the interface for mDNS service resolution.
// This allows for dependency injection in tests.
type MDNSResolver interface {
	// Browse browses for services of the given type.
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

	// Lookup looks up a specific service instance.
	Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// zeroconfResolver is the production implementation using grandcat/zeroconf.
type zeroconfResolver struct {
	resolver *zeroconf.Resolver
}

func newZeroconfResolver() (*zeroconfResolver, error) {
	r, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, err
	}
	return &zeroconfResolver{resolver: r}, nil
}

func (z *zeroconfResolver) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	found := make(chan *zeroconf.ServiceEntry)
	if err := z.resolver.Browse(ctx, service, domain, found); err != nil {
		return err
	}
	return forward(ctx, found, entries)
}

func (z *zeroconfResolver) Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	found := make(chan *zeroconf.ServiceEntry)
	if err := z.resolver.Lookup(ctx, instance, service, domain, found); err != nil {
		return err
	}
	return forward(ctx, found, entries)
}

// forward copies entries until zeroconf closes found, which it does once
// ctx ends. The caller owns out.
func forward(ctx context.Context, found <-chan *zeroconf.ServiceEntry, out chan<- *zeroconf.ServiceEntry) error {
	for entry := range found {
		select {
		case out <- entry:
		case <-ctx.Done():
		}
	}
	return ctx.Err()
}

// ResolverConfig holds configuration for the Resolver.
type ResolverConfig struct {
	// MDNSResolver is the underlying mDNS resolver implementation.
	// If nil, the default zeroconf resolver is used.
	MDNSResolver MDNSResolver

	// BrowseTimeout is the timeout for browse operations.
	// If zero, DefaultBrowseTimeout is used.
	BrowseTimeout time.Duration

	// LookupTimeout is the timeout for lookup operations.
	// If zero, DefaultLookupTimeout is used.
	LookupTimeout time.Duration
}

// Resolver discovers CoAP endpoints via DNS-SD.
type Resolver struct {
	config   ResolverConfig
	resolver MDNSResolver
}

// NewResolver creates a new Resolver with the given configuration.
func NewResolver(config ResolverConfig) (*Resolver, error) {
	resolver := config.MDNSResolver
	if resolver == nil {
		zr, err := newZeroconfResolver()
		if err != nil {
			return nil, err
		}
		resolver = zr
	}

	if config.BrowseTimeout == 0 {
		config.BrowseTimeout = DefaultBrowseTimeout
	}
	if config.LookupTimeout == 0 {
		config.LookupTimeout = DefaultLookupTimeout
	}

	return &Resolver{
		config:   config,
		resolver: resolver,
	}, nil
}

// Browse discovers CoAP endpoints. The channel is closed when ctx ends or
// the browse timeout expires.
func (r *Resolver) Browse(ctx context.Context) <-chan ResolvedService {
	results := make(chan ResolvedService)
	entries := make(chan *zeroconf.ServiceEntry)

	cancel := func() {}
	if _, ok := ctx.Deadline(); !ok {
		ctx, cancel = context.WithTimeout(ctx, r.config.BrowseTimeout)
	}

	go func() {
		defer cancel()
		defer close(results)

		go func() {
			defer close(entries)
			_ = r.resolver.Browse(ctx, ServiceCoAP, DefaultDomain, entries)
		}()

		for entry := range entries {
			select {
			case results <- entryToResolvedService(entry):
			case <-ctx.Done():
				// Drain so the browse goroutine can finish.
				for range entries {
				}
				return
			}
		}
	}()

	return results
}

// Lookup resolves one instance by name.
func (r *Resolver) Lookup(ctx context.Context, instance string) (*ResolvedService, error) {
	if instance == "" {
		return nil, ErrInvalidInstanceName
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.LookupTimeout)
		defer cancel()
	}

	entries := make(chan *zeroconf.ServiceEntry, 1)
	go func() {
		defer close(entries)
		_ = r.resolver.Lookup(ctx, instance, ServiceCoAP, DefaultDomain, entries)
	}()

	select {
	case entry, ok := <-entries:
		if !ok || entry == nil {
			return nil, ErrServiceNotFound
		}
		svc := entryToResolvedService(entry)
		return &svc, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

// entryToResolvedService converts a zeroconf.ServiceEntry to ResolvedService.
func entryToResolvedService(entry *zeroconf.ServiceEntry) ResolvedService {
	ips := make([]net.IP, 0, len(entry.AddrIPv6)+len(entry.AddrIPv4))
	ips = append(ips, entry.AddrIPv6...)
	ips = append(ips, entry.AddrIPv4...)

	svc := ResolvedService{
		InstanceName: entry.Instance,
		HostName:     entry.HostName,
		Port:         entry.Port,
		IPs:          SortIPsByPreference(ips),
		Text:         ParseTXT(entry.Text),
	}
	if txt, err := ParseServiceTXT(entry.Text); err == nil {
		svc.TXT = txt
	}
	return svc
}
