package rest

import (
	"net"
	"net/http"
	"strings"
)

// Forwarding headers in trust order. CDN-set headers come first; the
// generic ones are only consulted when nothing better is present.
var clientIPHeaders = []string{
	"CF-Connecting-IP",
	"X-Forwarded-For",
	"X-Real-IP",
	"X-Client-IP",
}

// ExtractClientIP picks the originating client address for the request
// envelope. Private, loopback and link-local addresses are skipped: those
// are our own proxy hops, not the client. Falls back to the socket peer
// when no header yields a public address.
func ExtractClientIP(r *http.Request) string {
	for _, name := range clientIPHeaders {
		value := r.Header.Get(name)
		if value == "" {
			continue
		}
		if name == "X-Forwarded-For" {
			// Comma separated proxy chain; first public hop wins.
			for _, part := range strings.Split(value, ",") {
				if ip := publicIP(part); ip != "" {
					return ip
				}
			}
			continue
		}
		if ip := publicIP(value); ip != "" {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

func publicIP(s string) string {
	s = strings.TrimSpace(s)
	ip := net.ParseIP(s)
	if ip == nil {
		return ""
	}
	if ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
		return ""
	}
	return s
}
