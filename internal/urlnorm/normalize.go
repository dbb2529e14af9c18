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

// Package urlnorm canonicalizes URLs into the dedup fingerprint form and
// extracts registrable domains (eTLD+1) for lock scoping. Both functions
// are pure; identical input always yields identical output.
package urlnorm

import (
	"errors"
	"net/url"
	"strings"
)

// Format validation failures. The messages are user-visible through the
// submit endpoint.
var (
	ErrEmptyURL  = errors.New("URL must be a non-empty string")
	ErrBadScheme = errors.New("URL must use http or https scheme")
	ErrNoHost    = errors.New("URL must have a valid domain")
)

// IsFormatError reports whether err is one of the URL format validation
// failures.
func IsFormatError(err error) bool {
	return errors.Is(err, ErrEmptyURL) || errors.Is(err, ErrBadScheme) || errors.Is(err, ErrNoHost)
}

// ValidateFormat checks that rawURL is a non-empty http or https URL with
// an authority component.
func ValidateFormat(rawURL string) error {
	if rawURL == "" {
		return ErrEmptyURL
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return ErrNoHost
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return ErrBadScheme
	}

	if u.Host == "" {
		return ErrNoHost
	}

	return nil
}

// Normalize returns the canonical form of rawURL used as the dedup
// fingerprint:
//
//   - the whole URL is lowercased before parsing,
//   - the fragment is discarded,
//   - a single trailing slash is stripped from the path unless the path
//     is exactly "/",
//   - query and parameter segments are preserved verbatim.
//
// Callers are expected to have run ValidateFormat first.
func Normalize(rawURL string) (string, error) {
	u, err := url.Parse(strings.ToLower(rawURL))
	if err != nil {
		return "", ErrNoHost
	}

	path := u.EscapedPath()
	if path != "/" {
		path = strings.TrimSuffix(path, "/")
	}

	host := u.Host
	if u.User != nil {
		host = u.User.String() + "@" + host
	}

	normalized := u.Scheme + "://" + host + path
	if u.RawQuery != "" {
		normalized += "?" + u.RawQuery
	}
	return normalized, nil
}
