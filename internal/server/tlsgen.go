package server

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"time"
)

// EnsureCertificate makes sure cert and key files exist before the listener
// opens. When either is missing and autoGenerate is set, a self-signed
// RSA-4096 certificate valid for ten years is minted; otherwise an error is
// returned and the caller refuses to start.
func EnsureCertificate(certFile, keyFile, host string, autoGenerate bool) error {
	_, certErr := os.Stat(certFile)
	_, keyErr := os.Stat(keyFile)
	if certErr == nil && keyErr == nil {
		return nil
	}
	if !autoGenerate {
		return fmt.Errorf("server: TLS material missing (%s, %s) and tls.auto_generate is disabled", certFile, keyFile)
	}
	return generateSelfSigned(certFile, keyFile, host)
}

// generateSelfSigned writes a fresh self-signed certificate and key. The
// key file is created 0600; the certificate is public and readable.
func generateSelfSigned(certFile, keyFile, host string) error {
	key, err := rsa.GenerateKey(rand.Reader, 4096)
	if err != nil {
		return fmt.Errorf("server: generate RSA key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("server: generate serial: %w", err)
	}

	now := time.Now()
	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "whisperd", Organization: []string{"whisperd self-signed"}},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	hosts := []string{"localhost", "127.0.0.1", "::1"}
	if host != "" {
		hosts = append(hosts, host)
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("server: create certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	if err := os.WriteFile(certFile, certPEM, 0o644); err != nil {
		return fmt.Errorf("server: write certificate %q: %w", certFile, err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		return fmt.Errorf("server: write key %q: %w", keyFile, err)
	}

	slog.Info("generated self-signed TLS certificate",
		"cert", certFile,
		"key", keyFile,
		"hosts", hosts,
		"not_after", tmpl.NotAfter.Format(time.RFC3339),
	)
	return nil
}
