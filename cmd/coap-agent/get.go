package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/backkem/coap/pkg/coap"
	"github.com/backkem/coap/pkg/config"
	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/transport"
	"github.com/fxamacker/cbor/v2"
	"github.com/spf13/pflag"
)

// target is a parsed coap:// URI.
type target struct {
	addr    *net.UDPAddr
	path    string
	queries []string
}

// parseTarget parses coap://host[:port]/path[?query]. A missing port is
// the CoAP default.
func parseTarget(raw string) (target, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return target{}, err
	}
	if u.Scheme != "coap" {
		return target{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return target{}, fmt.Errorf("missing host in %q", raw)
	}
	addr, err := transport.ResolveUDP(u.Host)
	if err != nil {
		return target{}, err
	}

	t := target{addr: addr, path: u.Path}
	if t.path == "" {
		t.path = "/"
	}
	if u.RawQuery != "" {
		for _, q := range strings.Split(u.RawQuery, "&") {
			if q, err := url.QueryUnescape(q); err == nil && q != "" {
				t.queries = append(t.queries, q)
			}
		}
	}
	return t, nil
}

func (t target) request(typ message.Type, code message.Code) *message.Message {
	req := message.NewRequest(typ, code, t.path)
	for _, q := range t.queries {
		req.AddQuery(q)
	}
	return req
}

// newClient builds an ephemeral-port agent from the configuration.
func newClient(cfg config.Config, stderr io.Writer) (*coap.Agent, error) {
	return coap.NewAgent(coap.AgentConfig{
		Params:        cfg.AgentParams(),
		Factory:       transport.NetFactory{},
		TokenLength:   cfg.TokenLength,
		MaxBodySize:   cfg.MaxBodySize,
		LoggerFactory: cfg.LoggerFactory(stderr),
	})
}

func runGet(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var common commonFlags
	var observe, asCBOR, nonConfirmable bool
	var timeout time.Duration

	fs := pflag.NewFlagSet("get", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	common.add(fs)
	fs.BoolVarP(&observe, "observe", "o", false, "observe the resource until interrupted")
	fs.BoolVar(&asCBOR, "cbor", false, "print the payload in CBOR diagnostic notation")
	fs.BoolVarP(&nonConfirmable, "non", "n", false, "send the request non-confirmable")
	fs.DurationVarP(&timeout, "timeout", "t", 0, "overall deadline (0 waits for the exchange)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("get: expected one coap:// URI")
	}

	t, err := parseTarget(fs.Arg(0))
	if err != nil {
		return err
	}
	cfg, err := loadConfig(common)
	if err != nil {
		return err
	}
	agent, err := newClient(cfg, stderr)
	if err != nil {
		return err
	}
	defer agent.Close()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	typ := message.Confirmable
	if nonConfirmable {
		typ = message.NonConfirmable
	}
	req := t.request(typ, message.GET)
	if observe {
		req.SetObserve(0)
	}

	ex, err := agent.Send(ctx, req, t.addr)
	if err != nil {
		return err
	}
	resp, err := ex.Wait(ctx)
	if err != nil {
		ex.Cancel()
		return err
	}
	if err := printResponse(stdout, resp.Message, asCBOR); err != nil {
		return err
	}
	if !observe || ex.Kind() != coap.KindObserve {
		return nil
	}
	return followStream(ctx, ex.Stream(), stdout, asCBOR)
}

// followStream prints notifications after the first until ctx ends or the
// server ends the observation. The first notification was already printed.
func followStream(ctx context.Context, s *coap.Stream, stdout io.Writer, asCBOR bool) error {
	defer s.Close()

	first := true
	for {
		n, err := s.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, coap.ErrStreamClosed) {
				return nil
			}
			return err
		}
		if first {
			first = false
			continue
		}
		if err := printResponse(stdout, n.Message, asCBOR); err != nil {
			return err
		}
	}
}

func runPost(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var common commonFlags
	var format uint32
	var asCBOR bool
	var timeout time.Duration

	fs := pflag.NewFlagSet("post", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	common.add(fs)
	fs.Uint32VarP(&format, "format", "f", message.TextPlain, "Content-Format of the payload")
	fs.BoolVar(&asCBOR, "cbor", false, "print the payload in CBOR diagnostic notation")
	fs.DurationVarP(&timeout, "timeout", "t", 0, "overall deadline (0 waits for the exchange)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return errors.New("post: expected a coap:// URI and a payload")
	}

	t, err := parseTarget(fs.Arg(0))
	if err != nil {
		return err
	}
	cfg, err := loadConfig(common)
	if err != nil {
		return err
	}
	agent, err := newClient(cfg, stderr)
	if err != nil {
		return err
	}
	defer agent.Close()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req := t.request(message.Confirmable, message.POST)
	req.SetContentFormat(format)
	req.Payload = []byte(fs.Arg(1))

	ex, err := agent.Send(ctx, req, t.addr)
	if err != nil {
		return err
	}
	resp, err := ex.Wait(ctx)
	if err != nil {
		ex.Cancel()
		return err
	}
	return printResponse(stdout, resp.Message, asCBOR)
}

// printResponse writes the code line and the payload. CBOR payloads are
// rendered in diagnostic notation, binary ones as hex.
func printResponse(w io.Writer, m *message.Message, asCBOR bool) error {
	if _, err := fmt.Fprintln(w, m.Code); err != nil {
		return err
	}
	if len(m.Payload) == 0 {
		return nil
	}

	cf, _ := m.ContentFormat()
	switch {
	case asCBOR || cf == message.AppCBOR:
		diag, err := cbor.Diagnose(m.Payload)
		if err != nil {
			return fmt.Errorf("decode CBOR payload: %w", err)
		}
		_, err = fmt.Fprintln(w, diag)
		return err
	case cf == message.AppOctets || !utf8.Valid(m.Payload):
		_, err := fmt.Fprintf(w, "%x\n", m.Payload)
		return err
	default:
		_, err := fmt.Fprintln(w, string(m.Payload))
		return err
	}
}
