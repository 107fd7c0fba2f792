// Package client provides an HTTP client for the registry's admin API.
// It is used by operator tooling to register applications, trigger
// service commands, and announce agent updates.
package client
