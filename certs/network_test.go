package certs

import (
	"testing"
)

func TestLANIPs(t *testing.T) {
	ips, err := LANIPs()
	if err != nil {
		t.Fatalf("LANIPs failed: %v", err)
	}
	t.Logf("Found LAN IPs: %v", ips)
	for _, ip := range ips {
		if ip == "127.0.0.1" {
			t.Error("LANIPs returned a loopback address")
		}
	}
}

func TestAllHosts(t *testing.T) {
	hosts, err := AllHosts()
	if err != nil {
		t.Fatalf("AllHosts failed: %v", err)
	}
	if len(hosts) < 2 || hosts[0] != "localhost" || hosts[1] != "127.0.0.1" {
		t.Errorf("AllHosts = %v, want localhost and 127.0.0.1 first", hosts)
	}
}
