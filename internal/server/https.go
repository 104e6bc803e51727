// internal/server/https.go
package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"golang.org/x/crypto/acme/autocert"

	"github.com/markb/rentrt/internal/log"
)

// HTTPSConfig holds HTTPS/TLS configuration.
type HTTPSConfig struct {
	Domain   string // Domain for Let's Encrypt certificate
	CertDir  string // Directory to cache certificates
	Addr     string // Address for the TLS listener, default ":443"
	HTTPAddr string // Address for ACME challenges and redirects, default ":80"
}

// ValidateDomain checks if the domain is valid for Let's Encrypt.
func ValidateDomain(domain string) error {
	if domain == "" {
		return errors.New("domain required for HTTPS")
	}
	if strings.EqualFold(domain, "localhost") {
		return errors.New("Let's Encrypt requires a public domain, not localhost; use a reverse proxy for local HTTPS")
	}
	host := strings.TrimSuffix(strings.TrimPrefix(domain, "["), "]")
	if net.ParseIP(host) != nil {
		return errors.New("Let's Encrypt requires a domain name, not an IP address")
	}
	for _, bad := range []string{".", "-"} {
		if strings.HasPrefix(domain, bad) || strings.HasSuffix(domain, bad) {
			return fmt.Errorf("invalid domain format: %s", domain)
		}
	}
	if strings.Contains(domain, "..") {
		return fmt.Errorf("invalid domain format: %s", domain)
	}
	return nil
}

// NewAutocertManager creates an autocert.Manager for domain caching
// certificates in certDir.
func NewAutocertManager(domain, certDir string) *autocert.Manager {
	return &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(domain),
		Cache:      autocert.DirCache(certDir),
	}
}

// NewTLSConfig creates a TLS config using the autocert manager.
func NewTLSConfig(manager *autocert.Manager) *tls.Config {
	return &tls.Config{
		GetCertificate: manager.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
	}
}

// HTTPRedirectHandler redirects plain HTTP requests to HTTPS. Wrap it with
// autocert.Manager.HTTPHandler so ACME challenges are answered first.
func HTTPRedirectHandler(domain string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		target := "https://" + domain + r.URL.RequestURI()
		http.Redirect(w, r, target, http.StatusMovedPermanently)
	})
}

// ListenAndServeTLS serves the router over HTTPS with a Let's Encrypt
// certificate and runs the HTTP redirect listener alongside it.
func (s *Server) ListenAndServeTLS(cfg HTTPSConfig) error {
	if err := ValidateDomain(cfg.Domain); err != nil {
		return err
	}
	if cfg.CertDir == "" {
		cfg.CertDir = "./certs"
	}
	if cfg.Addr == "" {
		cfg.Addr = ":443"
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":80"
	}

	s.autocertMgr = NewAutocertManager(cfg.Domain, cfg.CertDir)
	s.httpRedirect = &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: s.autocertMgr.HTTPHandler(HTTPRedirectHandler(cfg.Domain)),
	}
	s.httpsServer = &http.Server{
		Addr:      cfg.Addr,
		Handler:   s.router,
		TLSConfig: NewTLSConfig(s.autocertMgr),
	}

	go func() {
		if err := s.httpRedirect.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server: HTTP redirect listener failed", "addr", cfg.HTTPAddr, "error", err.Error())
		}
	}()

	log.Info("server: serving HTTPS", "domain", cfg.Domain, "addr", cfg.Addr, "cert_dir", cfg.CertDir)
	return s.httpsServer.ListenAndServeTLS("", "")
}
