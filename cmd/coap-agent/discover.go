package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/backkem/coap/pkg/discovery"
	"github.com/spf13/pflag"
)

func runDiscover(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var timeout time.Duration
	var instance string

	fs := pflag.NewFlagSet("discover", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.DurationVarP(&timeout, "timeout", "t", discovery.DefaultBrowseTimeout, "how long to browse")
	fs.StringVar(&instance, "instance", "", "resolve a single instance instead of browsing")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if timeout <= 0 {
		return errors.New("discover: --timeout must be positive")
	}

	resolver, err := discovery.NewResolver(discovery.ResolverConfig{
		BrowseTimeout: timeout,
		LookupTimeout: timeout,
	})
	if err != nil {
		return err
	}
	return discover(ctx, resolver, instance, stdout)
}

// discover prints one line per service found.
func discover(ctx context.Context, resolver *discovery.Resolver, instance string, stdout io.Writer) error {
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INSTANCE\tADDRESS\tTXT")

	if instance != "" {
		svc, err := resolver.Lookup(ctx, instance)
		if err != nil {
			return err
		}
		printService(tw, *svc)
		return tw.Flush()
	}

	seen := make(map[string]bool)
	for svc := range resolver.Browse(ctx) {
		if seen[svc.InstanceName] {
			continue
		}
		seen[svc.InstanceName] = true
		printService(tw, svc)
	}
	return tw.Flush()
}

func printService(w io.Writer, svc discovery.ResolvedService) {
	addr := "-"
	if a := svc.PreferredAddr(); a != nil {
		addr = a.String()
	}

	keys := make([]string, 0, len(svc.Text))
	for k := range svc.Text {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + svc.Text[k]
	}

	fmt.Fprintf(w, "%s\t%s\t%s\n", svc.InstanceName, addr, strings.Join(pairs, " "))
}
