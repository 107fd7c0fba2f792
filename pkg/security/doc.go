// Package security implements the registry's internal certificate
// authority. The root keypair lives in the store; leaf certificates for
// agent domains are written as PEM files and tracked as CertificateInfo
// records, with a renewal window checked by the registry's renewal loop.
package security
