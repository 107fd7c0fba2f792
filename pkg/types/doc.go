// Package types defines the registry's domain entities: applications, their
// endpoint declarations, and certificate records. Shared by the storage and
// registry packages.
package types
