// Copyright 2025 The go-farmhand Authors
// This file is part of the go-farmhand library.
//
// The go-farmhand library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-farmhand library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-farmhand library. If not, see <http://www.gnu.org/licenses/>.

package rpcpool

import (
	"net/url"
	"regexp"
	"strings"
)

// RPC providers embed the API key in the endpoint URL, so raw URLs are
// secrets. Everything emitted outside this package (logs, errors, audit
// metadata, status API) must pass through SanitizeURL or SanitizeText first.

var (
	// …/v2/<key> and /v3/<key> style (Alchemy, Infura).
	versionKeyPattern = regexp.MustCompile(`(/v\d+/)[A-Za-z0-9._~-]+`)

	// …quiknode.pro/<key>/… style (QuickNode).
	quiknodePattern = regexp.MustCompile(`(quiknode\.pro/)[^/\s]+`)

	// Anything that looks like a URL inside free-form text.
	urlPattern = regexp.MustCompile(`https?://[^\s"']+`)
)

// SanitizeURL strips API-key segments from an endpoint URL. Recognized
// provider patterns are masked directly; otherwise any path segment longer
// than 20 characters is assumed to be key material and replaced with ***.
func SanitizeURL(raw string) string {
	s := versionKeyPattern.ReplaceAllString(raw, "${1}***")
	s = quiknodePattern.ReplaceAllString(s, "${1}***")

	u, err := url.Parse(s)
	if err != nil || u.Path == "" {
		return s
	}
	segs := strings.Split(u.Path, "/")
	changed := false
	for i, seg := range segs {
		if len(seg) > 20 {
			segs[i] = "***"
			changed = true
		}
	}
	if changed {
		u.Path = strings.Join(segs, "/")
		s = u.String()
	}
	return s
}

// SanitizeText masks every URL occurring in free-form text. Used on error
// strings from the rpc client, which embed the dialed URL.
func SanitizeText(text string) string {
	return urlPattern.ReplaceAllStringFunc(text, SanitizeURL)
}
