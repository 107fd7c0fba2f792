package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/homeroute/homeroute/pkg/types"
)

var (
	// Bucket names
	bucketApplications = []byte("applications")
	bucketCertificates = []byte("certificates")
	bucketCA           = []byte("ca")

	caCertKey = []byte("cert_pem")
	caKeyKey  = []byte("key_pem")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "homeroute.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketApplications,
			bucketCertificates,
			bucketCA,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Application operations
func (s *BoltStore) CreateApplication(app *types.Application) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketApplications)
		data, err := json.Marshal(app)
		if err != nil {
			return err
		}
		return b.Put([]byte(app.ID), data)
	})
}

func (s *BoltStore) GetApplication(id string) (*types.Application, error) {
	var app types.Application
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketApplications)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("application not found: %s", id)
		}
		return json.Unmarshal(data, &app)
	})
	if err != nil {
		return nil, err
	}
	return &app, nil
}

func (s *BoltStore) GetApplicationBySlug(slug string) (*types.Application, error) {
	var found *types.Application
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketApplications)
		return b.ForEach(func(k, v []byte) error {
			var app types.Application
			if err := json.Unmarshal(v, &app); err != nil {
				return err
			}
			if app.Slug == slug {
				found = &app
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("application not found: %s", slug)
	}
	return found, nil
}

func (s *BoltStore) ListApplications() ([]*types.Application, error) {
	var apps []*types.Application
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketApplications)
		return b.ForEach(func(k, v []byte) error {
			var app types.Application
			if err := json.Unmarshal(v, &app); err != nil {
				return err
			}
			apps = append(apps, &app)
			return nil
		})
	})
	return apps, err
}

func (s *BoltStore) UpdateApplication(app *types.Application) error {
	return s.CreateApplication(app) // Same as create (upsert)
}

func (s *BoltStore) DeleteApplication(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketApplications)
		return b.Delete([]byte(id))
	})
}

// Certificate operations
func (s *BoltStore) CreateCertificate(cert *types.CertificateInfo) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCertificates)
		data, err := json.Marshal(cert)
		if err != nil {
			return err
		}
		return b.Put([]byte(cert.ID), data)
	})
}

func (s *BoltStore) GetCertificate(id string) (*types.CertificateInfo, error) {
	var cert types.CertificateInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCertificates)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("certificate not found: %s", id)
		}
		return json.Unmarshal(data, &cert)
	})
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

func (s *BoltStore) ListCertificates() ([]*types.CertificateInfo, error) {
	var certs []*types.CertificateInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCertificates)
		return b.ForEach(func(k, v []byte) error {
			var cert types.CertificateInfo
			if err := json.Unmarshal(v, &cert); err != nil {
				return err
			}
			certs = append(certs, &cert)
			return nil
		})
	})
	return certs, err
}

func (s *BoltStore) UpdateCertificate(cert *types.CertificateInfo) error {
	return s.CreateCertificate(cert)
}

func (s *BoltStore) DeleteCertificate(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCertificates)
		return b.Delete([]byte(id))
	})
}

// CA material
func (s *BoltStore) SaveCAKeyPair(certPEM, keyPEM []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCA)
		if err := b.Put(caCertKey, certPEM); err != nil {
			return err
		}
		return b.Put(caKeyKey, keyPEM)
	})
}

func (s *BoltStore) GetCAKeyPair() ([]byte, []byte, error) {
	var certPEM, keyPEM []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCA)
		cert := b.Get(caCertKey)
		key := b.Get(caKeyKey)
		if cert == nil || key == nil {
			return fmt.Errorf("CA not initialized")
		}
		certPEM = append([]byte(nil), cert...)
		keyPEM = append([]byte(nil), key...)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return certPEM, keyPEM, nil
}
