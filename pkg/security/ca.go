package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/homeroute/homeroute/pkg/storage"
	"github.com/homeroute/homeroute/pkg/types"
)

const (
	// Root CA validity: 10 years
	rootCAValidity = 10 * 365 * 24 * time.Hour
	// Leaf certificate validity: 90 days
	leafCertValidity = 90 * 24 * time.Hour
	// Root CA key size: 4096 bits (long-lived, high security)
	rootKeySize = 4096
	// Leaf key size: 2048 bits (shorter-lived, faster)
	leafKeySize = 2048

	// Certificates inside this window before expiry are due for renewal.
	DefaultRenewalThresholdDays = 14
)

// CertAuthority is the registry's internal certificate authority. It signs
// per-domain leaf certificates for agents, persists their metadata in the
// store, and writes the PEM material under certsDir.
type CertAuthority struct {
	store    storage.Store
	certsDir string

	renewalThresholdDays int

	mu       sync.RWMutex
	rootCert *x509.Certificate
	rootKey  *rsa.PrivateKey
}

// NewCertAuthority creates a certificate authority backed by the given
// store, with PEM material written under certsDir.
func NewCertAuthority(store storage.Store, certsDir string) *CertAuthority {
	return &CertAuthority{
		store:                store,
		certsDir:             certsDir,
		renewalThresholdDays: DefaultRenewalThresholdDays,
	}
}

// IsInitialized returns true if the CA has a root keypair, either in
// memory or persisted in the store.
func (ca *CertAuthority) IsInitialized() bool {
	ca.mu.RLock()
	loaded := ca.rootCert != nil && ca.rootKey != nil
	ca.mu.RUnlock()
	if loaded {
		return true
	}
	_, _, err := ca.store.GetCAKeyPair()
	return err == nil
}

// Init generates a new root CA keypair and persists it. Loading an
// existing root takes precedence; Init on an initialized CA is a no-op.
func (ca *CertAuthority) Init() error {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	if certPEM, keyPEM, err := ca.store.GetCAKeyPair(); err == nil {
		return ca.loadLocked(certPEM, keyPEM)
	}

	rootKey, err := rsa.GenerateKey(rand.Reader, rootKeySize)
	if err != nil {
		return fmt.Errorf("failed to generate root key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Homeroute"},
			CommonName:   "Homeroute Root CA",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(rootCAValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLen:            1,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &rootKey.PublicKey, rootKey)
	if err != nil {
		return fmt.Errorf("failed to create root certificate: %w", err)
	}

	rootCert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("failed to parse root certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(rootKey)})
	if err := ca.store.SaveCAKeyPair(certPEM, keyPEM); err != nil {
		return fmt.Errorf("failed to persist CA keypair: %w", err)
	}

	ca.rootCert = rootCert
	ca.rootKey = rootKey
	return nil
}

func (ca *CertAuthority) loadLocked(certPEM, keyPEM []byte) error {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return fmt.Errorf("invalid CA certificate PEM")
	}
	rootCert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse root certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return fmt.Errorf("invalid CA key PEM")
	}
	rootKey, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse root key: %w", err)
	}

	ca.rootCert = rootCert
	ca.rootKey = rootKey
	return nil
}

// RootCertPEM returns the root certificate in PEM form for distribution
// to agents.
func (ca *CertAuthority) RootCertPEM() ([]byte, error) {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil {
		return nil, fmt.Errorf("CA not initialized")
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.rootCert.Raw}), nil
}

// IssueCertificate signs a leaf certificate covering the given domains,
// persists its metadata and PEM material, and returns the record.
func (ca *CertAuthority) IssueCertificate(domains []string) (*types.CertificateInfo, error) {
	if len(domains) == 0 {
		return nil, fmt.Errorf("no domains given")
	}

	id := uuid.New().String()
	info, err := ca.signAndPersist(id, domains)
	if err != nil {
		return nil, err
	}

	if err := ca.store.CreateCertificate(info); err != nil {
		return nil, fmt.Errorf("failed to persist certificate record: %w", err)
	}
	return info, nil
}

// RenewCertificate re-signs the certificate's domains under the same id,
// replacing its PEM material and record in place.
func (ca *CertAuthority) RenewCertificate(id string) (*types.CertificateInfo, error) {
	existing, err := ca.store.GetCertificate(id)
	if err != nil {
		return nil, err
	}

	info, err := ca.signAndPersist(id, existing.Domains)
	if err != nil {
		return nil, err
	}

	if err := ca.store.UpdateCertificate(info); err != nil {
		return nil, fmt.Errorf("failed to persist certificate record: %w", err)
	}
	return info, nil
}

// RevokeCertificate removes the certificate's record and PEM material.
func (ca *CertAuthority) RevokeCertificate(id string) error {
	cert, err := ca.store.GetCertificate(id)
	if err != nil {
		return err
	}

	if err := ca.store.DeleteCertificate(id); err != nil {
		return err
	}

	// Removal of the on-disk material is best effort.
	os.Remove(cert.CertPath)
	os.Remove(cert.KeyPath)
	return nil
}

// CertificatesNeedingRenewal returns every stored certificate whose
// expiry falls within the renewal threshold.
func (ca *CertAuthority) CertificatesNeedingRenewal() ([]*types.CertificateInfo, error) {
	certs, err := ca.store.ListCertificates()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var due []*types.CertificateInfo
	for _, cert := range certs {
		if cert.NeedsRenewal(now, ca.renewalThresholdDays) {
			due = append(due, cert)
		}
	}
	return due, nil
}

// CertPEM reads the PEM material for a stored certificate.
func (ca *CertAuthority) CertPEM(info *types.CertificateInfo) (certPEM, keyPEM []byte, err error) {
	certPEM, err = os.ReadFile(info.CertPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read certificate: %w", err)
	}
	keyPEM, err = os.ReadFile(info.KeyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read key: %w", err)
	}
	return certPEM, keyPEM, nil
}

func (ca *CertAuthority) signAndPersist(id string, domains []string) (*types.CertificateInfo, error) {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil || ca.rootKey == nil {
		return nil, fmt.Errorf("CA not initialized")
	}

	leafKey, err := rsa.GenerateKey(rand.Reader, leafKeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate leaf key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Homeroute"},
			CommonName:   domains[0],
		},
		NotBefore:   now,
		NotAfter:    now.Add(leafCertValidity),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:    domains,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, ca.rootCert, &leafKey.PublicKey, ca.rootKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create leaf certificate: %w", err)
	}

	if err := os.MkdirAll(ca.certsDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create certs directory: %w", err)
	}

	certPath := filepath.Join(ca.certsDir, id+".crt")
	keyPath := filepath.Join(ca.certsDir, id+".key")

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(leafKey)})

	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return nil, fmt.Errorf("failed to write certificate: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return nil, fmt.Errorf("failed to write key: %w", err)
	}

	return &types.CertificateInfo{
		ID:           id,
		Domains:      domains,
		SerialNumber: serialNumber.String(),
		IssuedAt:     now,
		ExpiresAt:    now.Add(leafCertValidity),
		CertPath:     certPath,
		KeyPath:      keyPath,
	}, nil
}
