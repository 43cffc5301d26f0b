package httpx

import "golang.org/x/crypto/acme/autocert"

const defaultCertCache = "cache/tls"

// newCertManager makes a Let's Encrypt cert manager,
// with the host set only that host gets certs.
func newCertManager(host string, cacheDir string) *autocert.Manager {
	if cacheDir == "" {
		cacheDir = defaultCertCache
	}
	m := &autocert.Manager{
		Prompt: autocert.AcceptTOS,
		Cache:  autocert.DirCache(cacheDir),
	}
	if host != "" {
		m.HostPolicy = autocert.HostWhitelist(host)
	}
	return m
}
