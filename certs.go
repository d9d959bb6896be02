package blocker

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCertCacheSize is the number of leaf certificates kept in memory.
const DefaultCertCacheSize = 1024

// CertManager issues leaf certificates signed by the proxy CA.
type CertManager struct {
	// Organization is written into leaf certificate subjects.
	Organization string

	// Validity is the lifetime of generated leaf certificates.
	Validity time.Duration

	// Metrics records cache hits and misses (optional).
	Metrics *Metrics

	caCert *x509.Certificate
	caKey  crypto.Signer

	// genMu serializes generation so concurrent misses for the same host
	// produce a single certificate.
	genMu sync.Mutex
	cache *lru.Cache[string, *tls.Certificate]
}

// NewCertManager creates a CertManager from existing CA certificate and key files.
func NewCertManager(caCertPath, caKeyPath string) (*CertManager, error) {
	caCertPEM, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("read CA cert: %w", err)
	}

	caKeyPEM, err := os.ReadFile(caKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read CA key: %w", err)
	}

	return NewCertManagerFromPEM(caCertPEM, caKeyPEM)
}

// NewCertManagerFromPEM creates a CertManager from PEM-encoded CA cert and key.
// RSA (PKCS#1), EC and PKCS#8 keys are accepted.
func NewCertManagerFromPEM(caCertPEM, caKeyPEM []byte) (*CertManager, error) {
	certBlock, _ := pem.Decode(caCertPEM)
	if certBlock == nil {
		return nil, errors.New("failed to decode CA certificate PEM")
	}

	caCert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA cert: %w", err)
	}

	keyBlock, _ := pem.Decode(caKeyPEM)
	if keyBlock == nil {
		return nil, errors.New("failed to decode CA key PEM")
	}

	caKey, err := parsePrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, err
	}

	return &CertManager{
		Organization: "Domain Blocker",
		Validity:     365 * 24 * time.Hour,
		caCert:       caCert,
		caKey:        caKey,
		cache:        mustNewCertCache(DefaultCertCacheSize),
	}, nil
}

// LoadOrGenerateCA loads the CA from certPath/keyPath, creating and saving a
// new one when neither file exists yet.
func LoadOrGenerateCA(certPath, keyPath, org string, logger *slog.Logger) (*CertManager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	switch {
	case errors.Is(certErr, fs.ErrNotExist) && errors.Is(keyErr, fs.ErrNotExist):
		logger.Info("no CA found, generating one", "cert", certPath, "key", keyPath)
		if err := WriteCA(certPath, keyPath, org, 10); err != nil {
			return nil, err
		}
		logger.Info("CA certificate generated; add it to your browser or system trust store", "cert", certPath)
	case certErr != nil:
		return nil, fmt.Errorf("stat CA cert: %w", certErr)
	case keyErr != nil:
		return nil, fmt.Errorf("stat CA key: %w", keyErr)
	}

	cm, err := NewCertManager(certPath, keyPath)
	if err != nil {
		return nil, err
	}
	if org != "" {
		cm.Organization = org
	}
	return cm, nil
}

// WriteCA generates a CA and writes it to certPath (0644) and keyPath (0600).
// Existing files are never overwritten.
func WriteCA(certPath, keyPath, org string, validYears int) error {
	if _, err := os.Stat(certPath); err == nil {
		return fmt.Errorf("CA certificate already exists at %s", certPath)
	}
	if _, err := os.Stat(keyPath); err == nil {
		return fmt.Errorf("CA key already exists at %s", keyPath)
	}

	certPEM, keyPEM, err := GenerateCA(org, validYears)
	if err != nil {
		return err
	}

	for _, dir := range []string{filepath.Dir(certPath), filepath.Dir(keyPath)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create CA directory: %w", err)
		}
	}
	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return fmt.Errorf("write CA cert: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return fmt.Errorf("write CA key: %w", err)
	}
	return nil
}

// SetCacheSize replaces the leaf certificate cache with one holding size
// entries. Call it before serving.
func (cm *CertManager) SetCacheSize(size int) error {
	c, err := lru.New[string, *tls.Certificate](size)
	if err != nil {
		return fmt.Errorf("cert cache: %w", err)
	}
	cm.genMu.Lock()
	cm.cache = c
	cm.genMu.Unlock()
	return nil
}

// CacheLen returns the number of cached leaf certificates.
func (cm *CertManager) CacheLen() int {
	return cm.cache.Len()
}

// CACertificate returns the CA certificate.
func (cm *CertManager) CACertificate() *x509.Certificate {
	return cm.caCert
}

// GetCertificate returns a TLS certificate for the SNI host.
// This is suitable for use as tls.Config.GetCertificate.
func (cm *CertManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if hello.ServerName == "" {
		return nil, errors.New("no SNI provided")
	}
	return cm.GetCertificateForHost(hello.ServerName)
}

// GetCertificateForHost returns a TLS certificate for the given hostname.
func (cm *CertManager) GetCertificateForHost(host string) (*tls.Certificate, error) {
	if cert, ok := cm.cache.Get(host); ok {
		if cm.Metrics != nil {
			cm.Metrics.RecordCertCacheHit()
		}
		return cert, nil
	}

	cm.genMu.Lock()
	defer cm.genMu.Unlock()

	if cert, ok := cm.cache.Get(host); ok {
		if cm.Metrics != nil {
			cm.Metrics.RecordCertCacheHit()
		}
		return cert, nil
	}

	cert, err := cm.generateCert(host)
	if err != nil {
		return nil, err
	}

	cm.cache.Add(host, cert)
	if cm.Metrics != nil {
		cm.Metrics.RecordCertCacheMiss()
		cm.Metrics.SetCertCacheSize(cm.cache.Len())
	}
	return cert, nil
}

func (cm *CertManager) generateCert(host string) (*tls.Certificate, error) {
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	serialNumber, err := randomSerial()
	if err != nil {
		return nil, err
	}

	validity := cm.Validity
	if validity <= 0 {
		validity = 365 * 24 * time.Hour
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   host,
			Organization: []string{cm.Organization},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, cm.caCert, &privKey.PublicKey, cm.caKey)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{certDER, cm.caCert.Raw},
		PrivateKey:  privKey,
	}, nil
}

// GenerateCA generates a new ECDSA P-256 CA certificate and private key.
// Returns PEM-encoded certificate and key.
func GenerateCA(org string, validYears int) (certPEM, keyPEM []byte, err error) {
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate CA key: %w", err)
	}

	serialNumber, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   org + " Root CA",
			Organization: []string{org},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Duration(validYears) * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &privKey.PublicKey, privKey)
	if err != nil {
		return nil, nil, fmt.Errorf("create CA certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(privKey)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal CA key: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	return certPEM, keyPEM, nil
}

func parsePrivateKey(der []byte) (crypto.Signer, error) {
	if k, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return k, nil
	}
	if k, err := x509.ParseECPrivateKey(der); err == nil {
		return k, nil
	}
	k, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse CA key: unsupported format: %w", err)
	}
	signer, ok := k.(crypto.Signer)
	if !ok {
		return nil, errors.New("parse CA key: key cannot sign")
	}
	return signer, nil
}

func randomSerial() (*big.Int, error) {
	n, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	return n, nil
}

func mustNewCertCache(size int) *lru.Cache[string, *tls.Certificate] {
	c, err := lru.New[string, *tls.Certificate](size)
	if err != nil {
		panic(err)
	}
	return c
}
