package storage

import "github.com/homeroute/homeroute/pkg/types"

// Store is the persistence interface for registry state.
type Store interface {
	// Application operations
	CreateApplication(app *types.Application) error
	GetApplication(id string) (*types.Application, error)
	GetApplicationBySlug(slug string) (*types.Application, error)
	ListApplications() ([]*types.Application, error)
	UpdateApplication(app *types.Application) error
	DeleteApplication(id string) error

	// Certificate operations
	CreateCertificate(cert *types.CertificateInfo) error
	GetCertificate(id string) (*types.CertificateInfo, error)
	ListCertificates() ([]*types.CertificateInfo, error)
	UpdateCertificate(cert *types.CertificateInfo) error
	DeleteCertificate(id string) error

	// CA material
	SaveCAKeyPair(certPEM, keyPEM []byte) error
	GetCAKeyPair() (certPEM, keyPEM []byte, err error)

	Close() error
}
