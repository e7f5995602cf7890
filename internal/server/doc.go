/*
Package server hosts the gateway's HTTP listener: the chi router, the
shared middleware stack and the ops endpoints.

# Middleware Components

## Request ID (requestid.go)

RequestIDMiddleware assigns every request a UUID and adds it to:
  - The request context (accessible via GetRequestID)
  - The X-Request-ID response header

A client-supplied X-Request-ID is kept when it is a valid UUID.

## Logging (logging.go)

LoggingMiddleware writes one structured line per request when it completes.
Handlers attach fields with AddLogField and AddError. 5xx responses are
logged at error level and 4xx at warn.

## Recovery (server.go)

RecoverMiddleware turns a handler panic into an Internal error envelope.

## CORS (cors.go)

CORSMiddleware answers preflight requests and sets Access-Control headers
for the configured frontend origins.

## Rate Limiting (ratelimit.go)

RateLimiter keeps a token bucket per client IP and rejects excess requests
with 429 and Retry-After. X-Forwarded-For is only honored from trusted
proxies.

# Middleware Chain Order

 1. RequestIDMiddleware
 2. LoggingMiddleware
 3. RecoverMiddleware
 4. CORSMiddleware (when origins are configured)
 5. RateLimiter (when enabled)
 6. OTel instrumentation (otelhttp)

# Ops Endpoints

MountOps registers GET /healthz and GET /metrics ahead of the gateway
catch-all installed by MountGateway.
*/
package server
