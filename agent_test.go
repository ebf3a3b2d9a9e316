package main

import (
	"context"
	"testing"

	"github.com/dotside-studios/davi-isodep-agent/config"
	"github.com/dotside-studios/davi-isodep-agent/nfc"
	"github.com/dotside-studios/davi-isodep-agent/nfc/multimanager"
)

func TestAgent_Simulator(t *testing.T) {
	cfg := config.Default()
	cfg.Transport = config.TransportSimulator
	cfg.Payload = "HELLO"

	agent, err := NewAgent(cfg)
	if err != nil {
		t.Fatalf("NewAgent error = %v", err)
	}
	defer agent.Close()

	ctx := context.Background()
	for _, kind := range []nfc.TransactionKind{nfc.KindAuthenticate, nfc.KindWrite} {
		if _, err := agent.Run(ctx, kind); err != nil {
			t.Fatalf("Run(%s) error = %v", kind, err)
		}
	}
	res, err := agent.Run(ctx, nfc.KindRead)
	if err != nil {
		t.Fatalf("Run(read) error = %v", err)
	}
	if res.Text != "HELLO" {
		t.Errorf("Text = %q, want HELLO", res.Text)
	}

	srv, err := agent.Server()
	if err != nil || srv == nil {
		t.Errorf("Server() = %v, %v", srv, err)
	}
}

func TestAgent_Transports(t *testing.T) {
	tests := []struct {
		transport string
		relay     bool
	}{
		{config.TransportPCSC, false},
		{config.TransportLibNFC, false},
		{config.TransportRemote, true},
		{config.TransportAuto, true},
	}
	for _, tt := range tests {
		t.Run(tt.transport, func(t *testing.T) {
			cfg := config.Default()
			cfg.Transport = tt.transport

			agent, err := NewAgent(cfg)
			if err != nil {
				t.Fatalf("NewAgent error = %v", err)
			}
			defer agent.Close()
			if (agent.Relay != nil) != tt.relay {
				t.Errorf("Relay set = %v, want %v", agent.Relay != nil, tt.relay)
			}
			if tt.transport == config.TransportAuto {
				mm, ok := agent.Sessions.(*multimanager.MultiManager)
				if !ok {
					t.Fatalf("Sessions = %T, want *multimanager.MultiManager", agent.Sessions)
				}
				if names := mm.GetManagerNames(); len(names) != 2 {
					t.Errorf("manager names = %v", names)
				}
			}
		})
	}

	cfg := config.Default()
	cfg.Transport = "bluetooth"
	if _, err := NewAgent(cfg); err == nil {
		t.Error("unknown transport accepted")
	}

	cfg = config.Default()
	cfg.KeyHex = "0011"
	if _, err := NewAgent(cfg); err == nil {
		t.Error("short key accepted")
	}
}
