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

package urlnorm

import (
	"errors"
	"testing"
)

func TestValidateFormat(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr error
	}{
		{name: "valid http", url: "http://example.com/page", wantErr: nil},
		{name: "valid https", url: "https://example.com", wantErr: nil},
		{name: "empty", url: "", wantErr: ErrEmptyURL},
		{name: "ftp scheme", url: "ftp://example.com/file", wantErr: ErrBadScheme},
		{name: "scheme only", url: "https://", wantErr: ErrNoHost},
		{name: "no scheme", url: "example.com/page", wantErr: ErrBadScheme},
		{name: "bare word", url: "not a url", wantErr: ErrBadScheme},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFormat(tt.url)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("ValidateFormat(%q) failed: %v", tt.url, err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ValidateFormat(%q) = %v, want %v", tt.url, err, tt.wantErr)
			}
			if !IsFormatError(err) {
				t.Fatalf("IsFormatError(%v) = false, want true", err)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want string
	}{
		{
			name: "lowercases scheme host and path",
			url:  "HTTP://EXAMPLE.com/Some/Path",
			want: "http://example.com/some/path",
		},
		{
			name: "strips fragment",
			url:  "https://example.com/page#section-3",
			want: "https://example.com/page",
		},
		{
			name: "strips single trailing slash",
			url:  "https://example.com/page/",
			want: "https://example.com/page",
		},
		{
			name: "keeps root slash",
			url:  "https://example.com/",
			want: "https://example.com/",
		},
		{
			name: "empty path stays empty",
			url:  "https://example.com",
			want: "https://example.com",
		},
		{
			name: "preserves query order verbatim",
			url:  "https://example.com/search?z=1&a=2",
			want: "https://example.com/search?z=1&a=2",
		},
		{
			name: "keeps port",
			url:  "https://example.com:8443/page",
			want: "https://example.com:8443/page",
		},
		{
			name: "keeps path parameters",
			url:  "https://example.com/doc;v=2?x=1",
			want: "https://example.com/doc;v=2?x=1",
		},
		{
			name: "fragment and trailing slash together",
			url:  "HTTPS://Example.COM/A/B/?q=1#frag",
			want: "https://example.com/a/b?q=1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.url)
			if err != nil {
				t.Fatalf("Normalize(%q) failed: %v", tt.url, err)
			}
			if got != tt.want {
				t.Fatalf("Normalize(%q) = %q, want %q", tt.url, got, tt.want)
			}
		})
	}
}

// Normalization must be idempotent: the fingerprint of a fingerprint is
// itself.
func TestNormalizeIdempotent(t *testing.T) {
	urls := []string{
		"HTTP://EXAMPLE.com/Some/Path/",
		"https://example.com/page?b=2&a=1#frag",
		"https://example.com/",
		"https://example.com",
	}

	for _, u := range urls {
		once, err := Normalize(u)
		if err != nil {
			t.Fatalf("Normalize(%q) failed: %v", u, err)
		}
		twice, err := Normalize(once)
		if err != nil {
			t.Fatalf("Normalize(%q) failed: %v", once, err)
		}
		if once != twice {
			t.Fatalf("Normalize not idempotent for %q: %q != %q", u, once, twice)
		}
	}
}
