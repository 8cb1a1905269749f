package main

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
)

// loadTLSConfig builds a *tls.Config from spec.md §6's "<pem-or-key,cert>"
// certificate option: either a single PEM file holding both the key and
// the certificate chain, or a "key,cert" pair of separate files. verify
// names a CA file or directory to verify peer certificates against (server
// side: client certs; client side: the remote's certificate), "" to accept
// the system pool, and "<default>" is treated the same as "".
//
// Grounded on chasquid.go's certs/<domain>/{fullchain,privkey}.pem loading
// (tls.LoadX509KeyPair), adapted to spec.md's single comma-pair option
// instead of a certs/ directory scan.
func loadTLSConfig(certSpec, verify string, requireClientCert bool) (*tls.Config, error) {
	if certSpec == "" {
		return nil, nil
	}

	keyFile, certFile, err := splitCertSpec(certSpec)
	if err != nil {
		return nil, err
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("loading certificate %q: %w", certSpec, err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if verify != "" && verify != "<default>" {
		pool, err := loadCAPool(verify)
		if err != nil {
			return nil, fmt.Errorf("loading CA verification set %q: %w", verify, err)
		}
		cfg.ClientCAs = pool
		cfg.RootCAs = pool
	}

	if requireClientCert {
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return cfg, nil
}

// splitCertSpec accepts either "key,cert" (two paths) or a single path
// naming a combined PEM; LoadX509KeyPair happily reads the key and the
// certificate from the same file when both are passed the same path.
func splitCertSpec(spec string) (keyFile, certFile string, err error) {
	parts := strings.SplitN(spec, ",", 2)
	if len(parts) == 1 {
		return parts[0], parts[0], nil
	}
	return parts[0], parts[1], nil
}

// loadCAPool reads verify as a single PEM bundle; spec.md's
// "<ca-file-or-dir>" allows a directory too, so a directory is read as the
// concatenation of every regular file within it.
func loadCAPool(verify string) (*x509.CertPool, error) {
	pool := x509.NewCertPool()

	fi, err := os.Stat(verify)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		data, err := os.ReadFile(verify)
		if err != nil {
			return nil, err
		}
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("no certificates found in %q", verify)
		}
		return pool, nil
	}

	entries, err := os.ReadDir(verify)
	if err != nil {
		return nil, err
	}
	found := false
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(verify + "/" + e.Name())
		if err != nil {
			return nil, err
		}
		if pool.AppendCertsFromPEM(data) {
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("no certificates found under %q", verify)
	}
	return pool, nil
}
