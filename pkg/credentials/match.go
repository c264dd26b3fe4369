// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package credentials

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// AttachableJar returns an http.CookieJar seeded with bundle's cookies
// scoped to target's host, applying the jar's registrable-domain rules
// (golang.org/x/net/publicsuffix) so a cookie for "example.com" is not
// sent to an unrelated site that merely shares a public suffix.
func AttachableJar(bundle Bundle, target *url.URL) (http.CookieJar, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}

	byHost := make(map[string][]*http.Cookie)
	for _, c := range bundle.Cookies {
		if !domainMatches(c.Domain, target.Host) {
			continue
		}
		byHost[target.Host] = append(byHost[target.Host], &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Path:     c.Path,
			Expires:  c.Expires,
			HttpOnly: c.HTTPOnly,
			Secure:   c.Secure,
		})
	}
	for host, cookies := range byHost {
		u := &url.URL{Scheme: target.Scheme, Host: host}
		jar.SetCookies(u, cookies)
	}
	return jar, nil
}

// domainMatches reports whether a cookie captured for cookieDomain applies
// to host, honoring a leading "." as a subdomain wildcard the way browsers
// do (".example.com" matches "www.example.com" and "example.com").
func domainMatches(cookieDomain, host string) bool {
	cookieDomain = strings.TrimSpace(cookieDomain)
	host = strings.TrimSpace(host)
	if cookieDomain == "" {
		return false
	}
	if strings.HasPrefix(cookieDomain, ".") {
		bare := cookieDomain[1:]
		return host == bare || strings.HasSuffix(host, cookieDomain)
	}
	return host == cookieDomain
}
