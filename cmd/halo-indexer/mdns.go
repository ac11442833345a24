package main

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const (
	defaultMdnsService = "_halo-indexer._tcp"
	defaultMdnsTimeout = 3 * time.Second
)

// advertiseMdns registers the API endpoint on the local network. The TXT
// record carries api=<base URL> so browsers can skip address resolution.
func advertiseMdns(httpAddr, service string, logger *zap.Logger) (stop func(), err error) {
	service = strings.TrimSpace(service)
	if service == "" {
		service = defaultMdnsService
	}
	port := extractPortFromAddr(httpAddr)
	if port == 0 {
		return func() {}, fmt.Errorf("mdns: no port in listen address %q", httpAddr)
	}
	txt := []string{"api=" + apiURLForAddr(httpAddr)}
	srv, err := zeroconf.Register(programName, service, "local.", port, txt, nil)
	if err != nil {
		return func() {}, err
	}
	logger.Info("mdns advertising", zap.String("service", service), zap.Strings("txt", txt))
	return srv.Shutdown, nil
}

func discoverMdns(ctx context.Context, service string, timeout time.Duration) ([]string, error) {
	service = strings.TrimSpace(service)
	if service == "" {
		service = defaultMdnsService
	}
	if timeout <= 0 {
		timeout = defaultMdnsTimeout
	}

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	done := make(chan []string, 1)
	go func() {
		seen := map[string]bool{}
		var found []string
		for e := range entries {
			ep := extractEndpointFromTxt(e.Text)
			if ep == "" {
				ep = endpointFromEntry(e)
			}
			if ep != "" && !seen[ep] {
				seen[ep] = true
				found = append(found, ep)
			}
		}
		done <- found
	}()

	if err := resolver.Browse(ctx, service, "local.", entries); err != nil {
		return nil, err
	}
	<-ctx.Done()
	found := <-done

	if len(found) == 0 {
		return nil, fmt.Errorf("no %s advertisements found within %s", service, timeout)
	}
	return found, nil
}

func extractEndpointFromTxt(txt []string) string {
	for _, s := range txt {
		s = strings.TrimSpace(s)
		if !strings.HasPrefix(s, "api=") {
			continue
		}
		ep := strings.TrimSpace(strings.TrimPrefix(s, "api="))
		if ep == "" || strings.ContainsAny(ep, "\r\n") {
			continue
		}
		return ep
	}
	return ""
}

func endpointFromEntry(e *zeroconf.ServiceEntry) string {
	if e == nil || e.Port <= 0 {
		return ""
	}
	if len(e.AddrIPv4) > 0 {
		return "http://" + net.JoinHostPort(e.AddrIPv4[0].String(), strconv.Itoa(e.Port))
	}
	if len(e.AddrIPv6) > 0 {
		return "http://" + net.JoinHostPort(e.AddrIPv6[0].String(), strconv.Itoa(e.Port))
	}
	return ""
}

// extractPortFromAddr returns the TCP port of a listen address, or 0.
func extractPortFromAddr(addr string) int {
	_, portStr, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return 0
	}
	p, err := strconv.Atoi(portStr)
	if err != nil || p <= 0 || p > 65535 {
		return 0
	}
	return p
}

func apiURLForAddr(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return ""
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}
