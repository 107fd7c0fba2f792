// Package storage provides embedded persistence for registry state using
// BoltDB. Applications, issued certificates and the CA keypair are stored
// as JSON blobs in dedicated buckets; writes are upserts.
package storage
