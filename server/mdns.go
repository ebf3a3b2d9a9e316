package server

import (
	"fmt"

	"github.com/dotside-studios/davi-isodep-agent/buildinfo"
	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog/log"
)

// startMDNS advertises the agent so phones can find the relay endpoint.
func (s *Server) startMDNS(port int) (*zeroconf.Server, error) {
	scheme := "ws"
	if s.config.TLS != nil {
		scheme = "wss"
	}
	txtRecords := []string{
		"version=" + buildinfo.Version,
		"protocol=websocket",
		"scheme=" + scheme,
		"path=" + RouteAPI,
		"device_path=" + RouteDevice,
	}

	server, err := zeroconf.Register(MDNSServiceName, MDNSServiceType, MDNSDomain, port, txtRecords, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register mDNS service: %w", err)
	}
	log.Info().Str("service", MDNSServiceType).Int("port", port).Msg("mDNS service registered")
	return server, nil
}
