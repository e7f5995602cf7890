// Package gateway provides the public API for embedding the camgate API
// gateway. This is the stable API for external consumers.
package gateway

import (
	"github.com/tjfontaine/camgate/internal/runtime"
)

// Gateway routes client requests to the camgate backend services.
// See internal/runtime.Gateway for full documentation.
type Gateway = runtime.Gateway

// Option is a functional option for configuring a Gateway.
type Option = runtime.Option

// ConfigProvider loads configuration and reports changes.
type ConfigProvider = runtime.ConfigProvider

// New creates a new Gateway with the given options.
// Example:
//
//	gw, err := gateway.New(
//	    gateway.WithFileConfig("config.yaml"),
//	    gateway.WithLogger(logger),
//	)
var New = runtime.New

// Configuration options
var (
	// Config sources
	WithFileConfig     = runtime.WithFileConfig
	WithConfigProvider = runtime.WithConfigProvider

	// Authentication
	WithIntrospector = runtime.WithIntrospector

	// Advanced options
	WithLogger         = runtime.WithLogger
	WithMetrics        = runtime.WithMetrics
	WithUpstreamClient = runtime.WithUpstreamClient
)

// CheckRoutes builds the route table a configuration would produce
// without starting a server.
var CheckRoutes = runtime.CheckRoutes
