package proxy

import (
	"net"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/tjfontaine/camgate/internal/domain"
)

// Headers attached to every proxied request.
const (
	HeaderUserID    = "X-User-ID"
	HeaderScopes    = "X-User-Scopes"
	HeaderRequestID = "X-Request-ID"
)

// hopHeaders apply to a single connection and are never forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// identityHeaders are owned by the gateway; client-supplied values are dropped.
var identityHeaders = []string{
	HeaderUserID,
	HeaderScopes,
	"X-Forwarded-For",
	"X-Forwarded-Proto",
	"X-Forwarded-Host",
	"X-Real-IP",
	"Forwarded",
}

// removeHopHeaders deletes hop-by-hop headers, including any named in Connection.
func removeHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = textproto.TrimString(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// outboundHeader builds the header set sent upstream for in.
func outboundHeader(in *http.Request, requestID string, id *domain.Identity) http.Header {
	h := in.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	removeHopHeaders(h)
	for _, name := range identityHeaders {
		h.Del(name)
	}
	// Keep the client's TE: trailers so gRPC-style trailers still work.
	if strings.Contains(strings.ToLower(in.Header.Get("Te")), "trailers") {
		h.Set("Te", "trailers")
	}

	if id != nil {
		h.Set(HeaderUserID, id.Subject)
		if s := id.ScopeString(); s != "" {
			h.Set(HeaderScopes, s)
		}
	}
	if requestID != "" {
		h.Set(HeaderRequestID, requestID)
	}

	if ip, _, err := net.SplitHostPort(in.RemoteAddr); err == nil {
		h.Set("X-Forwarded-For", ip)
	}
	proto := "http"
	if in.TLS != nil {
		proto = "https"
	}
	h.Set("X-Forwarded-Proto", proto)
	h.Set("X-Forwarded-Host", in.Host)
	return h
}

// copyResponseHeader copies end-to-end headers from an upstream response.
func copyResponseHeader(dst, src http.Header) {
	src = src.Clone()
	removeHopHeaders(src)
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
