package certs

import (
	"fmt"
	"html/template"
	"net/http"

	"github.com/dotside-studios/davi-isodep-agent/buildinfo"
	"github.com/rs/zerolog/log"
)

// Routes served by BootstrapHandler.
const (
	RouteCAPEM = "/ca.pem"
	RouteCACRT = "/ca.crt"
)

var instructionsTmpl = template.Must(template.New("ca").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.App}} - Install CA Certificate</title>
</head>
<body style="font-family: sans-serif; max-width: 600px; margin: 0 auto; padding: 20px">
<h1>Install CA Certificate</h1>
<p>Phones relaying a DESFire card to {{.App}} from a browser need this certificate authority to reach <code>wss://…:{{.Port}}/device</code>.</p>
<p><a href="/ca.pem">Download CA Certificate</a></p>
<p>Check that the fingerprint matches the one in the {{.App}} log before trusting it:</p>
<pre style="white-space: pre-wrap; word-break: break-all">{{.Fingerprint}}</pre>
<h2>iOS</h2>
<ol>
<li>Download the certificate and open <b>Settings → Profile Downloaded</b>.</li>
<li>Install it, then enable it under <b>General → About → Certificate Trust Settings</b>.</li>
</ol>
<h2>Android</h2>
<ol>
<li>Download the certificate.</li>
<li><b>Settings → Security → Encryption &amp; credentials → Install a certificate → CA certificate</b>.</li>
</ol>
{{if .Hosts}}<h2>Download URLs</h2>
<ul>{{range .Hosts}}<li><code>http://{{.}}:{{$.BootstrapPort}}/ca.pem</code></li>{{end}}</ul>{{end}}
</body>
</html>
`))

// BootstrapHandler serves the CA certificate and an install page over plain
// HTTP. port is the TLS port shown on the page; bootstrapPort is the port
// this handler is mounted on.
func BootstrapHandler(m *Manager, port, bootstrapPort int) http.Handler {
	mux := http.NewServeMux()

	serveCA := func(w http.ResponseWriter, r *http.Request) {
		caCert, err := m.ReadCACert()
		if err != nil {
			http.Error(w, "CA certificate not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/x-pem-file")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", buildinfo.Name+"-ca.pem"))
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Write(caCert)
		log.Info().Str("remote", r.RemoteAddr).Msg("certs: CA certificate downloaded")
	}
	mux.HandleFunc(RouteCAPEM, serveCA)
	mux.HandleFunc(RouteCACRT, serveCA)

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		fingerprint, err := m.CAFingerprint()
		if err != nil {
			fingerprint = "unavailable"
		}
		hosts, _ := LANIPs()

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		err = instructionsTmpl.Execute(w, struct {
			App           string
			Port          int
			BootstrapPort int
			Fingerprint   string
			Hosts         []string
		}{buildinfo.DisplayName, port, bootstrapPort, fingerprint, hosts})
		if err != nil {
			log.Warn().Err(err).Msg("certs: render install page")
		}
	})
	return mux
}
