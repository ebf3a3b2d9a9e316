package certs

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestBootstrapHandler(t *testing.T) {
	mgr := NewManager(t.TempDir())
	srv := httptest.NewServer(BootstrapHandler(mgr, 18081, 18082))
	defer srv.Close()

	// No CA yet
	resp, err := http.Get(srv.URL + RouteCAPEM)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status without CA = %d, want 404", resp.StatusCode)
	}

	certPEM := writeTestCA(t, mgr)
	fp, _ := mgr.CAFingerprint()

	for _, route := range []string{RouteCAPEM, RouteCACRT} {
		t.Run(route, func(t *testing.T) {
			resp, err := http.Get(srv.URL + route)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d", resp.StatusCode)
			}
			if !bytes.Equal(body, certPEM) {
				t.Error("served certificate differs from the CA file")
			}
			if ct := resp.Header.Get("Content-Type"); ct != "application/x-pem-file" {
				t.Errorf("Content-Type = %q", ct)
			}
		})
	}

	t.Run("install page", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if !strings.Contains(string(body), fp) {
			t.Error("install page does not show the CA fingerprint")
		}
		if !strings.Contains(string(body), ":18081/device") {
			t.Error("install page does not mention the relay endpoint")
		}
	})

	t.Run("unknown path", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/nope")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want 404", resp.StatusCode)
		}
	})
}
