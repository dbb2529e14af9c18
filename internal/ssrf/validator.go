// Platen is a webpage-to-PDF rendering service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package ssrf rejects URLs that would let a render request reach cloud
// metadata services, localhost, or private address space. It runs once at
// submission and again before rendering, where it also walks redirects so
// a public URL cannot bounce the browser onto an internal target.
package ssrf

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"platen/internal/urlnorm"
)

// DefaultMaxRedirects bounds the pre-render redirect walk.
const DefaultMaxRedirects = 5

// probeTimeout bounds each HEAD request in the redirect walk.
const probeTimeout = 10 * time.Second

// Blocked address ranges: RFC 1918, loopback, link-local, and their IPv6
// equivalents.
var privateRanges []*net.IPNet

func init() {
	for _, cidr := range []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16",
		"::1/128",
		"fc00::/7",
		"fe80::/10",
	} {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(err)
		}
		privateRanges = append(privateRanges, network)
	}
}

// Cloud metadata endpoints (AWS, Azure, GCP).
var metadataEndpoints = []string{
	"169.254.169.254",
	"metadata.google.internal",
}

// BlockedError reports a URL rejected by SSRF validation. The reason is
// user-visible through the submit endpoint.
type BlockedError struct {
	Reason string
}

func (e *BlockedError) Error() string { return e.Reason }

// Validator checks URLs against SSRF targets. Use NewValidator; the zero
// value has no resolver or HTTP client.
type Validator struct {
	// MaxRedirects is the hop budget for ValidateRedirects.
	MaxRedirects int

	lookup func(ctx context.Context, host string) ([]net.IPAddr, error)
	client *http.Client
}

// NewValidator returns a Validator backed by the system resolver and a
// non-following HTTP client for redirect probes.
func NewValidator() *Validator {
	return &Validator{
		MaxRedirects: DefaultMaxRedirects,
		lookup:       net.DefaultResolver.LookupIPAddr,
		client: &http.Client{
			Timeout: probeTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Validate rejects rawURL when its host is a metadata endpoint, localhost,
// a private IP literal, or a hostname resolving to a private IP. DNS
// failures are not fatal here; rendering will fail on its own later, and
// the pre-render check runs again closer to the fetch.
func (v *Validator) Validate(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return &BlockedError{Reason: "Invalid hostname"}
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return &BlockedError{Reason: "Invalid hostname"}
	}

	for _, endpoint := range metadataEndpoints {
		if host == endpoint {
			return &BlockedError{Reason: "Access to metadata endpoints is blocked"}
		}
	}

	if ip := net.ParseIP(host); ip != nil && isPrivateIP(ip) {
		return &BlockedError{Reason: "Access to private IP ranges is blocked"}
	}

	if host == "localhost" || host == "localhost.localdomain" {
		return &BlockedError{Reason: "Access to localhost is blocked"}
	}

	addrs, err := v.lookup(ctx, host)
	if err != nil {
		return nil
	}
	for _, addr := range addrs {
		if isPrivateIP(addr.IP) {
			return &BlockedError{Reason: fmt.Sprintf("Hostname resolves to private IP: %s", addr.IP)}
		}
	}

	return nil
}

// ValidateRedirects probes rawURL with HEAD requests, following up to
// MaxRedirects redirect hops and revalidating every target. Relative
// Location values are resolved against the current hop. Network errors end
// the walk without failing (the render step will surface them); a hop that
// fails validation is fatal. Returns the final URL to render.
func (v *Validator) ValidateRedirects(ctx context.Context, rawURL string) (string, error) {
	current := rawURL

	for i := 0; i < v.MaxRedirects; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, current, nil)
		if err != nil {
			break
		}

		resp, err := v.client.Do(req)
		if err != nil {
			break
		}
		resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
			http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		default:
			return current, nil
		}

		location := resp.Header.Get("Location")
		if location == "" {
			return current, nil
		}

		next, err := resolveLocation(current, location)
		if err != nil {
			return "", err
		}

		if err := urlnorm.ValidateFormat(next); err != nil {
			return "", err
		}
		if err := v.Validate(ctx, next); err != nil {
			return "", err
		}

		current = next
	}

	return current, nil
}

// resolveLocation makes a redirect target absolute against the hop that
// issued it.
func resolveLocation(current, location string) (string, error) {
	base, err := url.Parse(current)
	if err != nil {
		return "", urlnorm.ErrNoHost
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", urlnorm.ErrNoHost
	}
	return base.ResolveReference(ref).String(), nil
}

func isPrivateIP(ip net.IP) bool {
	for _, network := range privateRanges {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
