package tlsaccept

import (
	"crypto/tls"
	"path/filepath"

	"golang.org/x/crypto/acme/autocert"
)

// AutocertConfig builds a *tls.Config backed by Let's Encrypt via
// golang.org/x/crypto/acme/autocert, one cached cert directory shared by
// every listener hostname the server answers for.
func AutocertConfig(hosts []string, cacheDir string) (*tls.Config, *autocert.Manager) {
	mgr := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(hosts...),
		Cache:      autocert.DirCache(filepath.Join(cacheDir, "tls_certs")),
	}
	return &tls.Config{GetCertificate: mgr.GetCertificate}, mgr
}
