package server

import "github.com/dotside-studios/davi-isodep-agent/buildinfo"

// mDNS service discovery constants
var (
	MDNSServiceType = "_davi-isodep._tcp"
	MDNSServiceName = buildinfo.DisplayName
	MDNSDomain      = "local."
)

// HTTP routes
const (
	RouteAPI    = "/ws"
	RouteDevice = "/device"
	RouteHealth = "/api/v1/health"
)

// CORS configuration
const (
	CORSAllowOrigin  = "*"
	CORSAllowMethods = "GET, POST, OPTIONS"
	CORSAllowHeaders = "Content-Type, Authorization"
)
