// Package api exposes the registry's admin HTTP surface: application
// CRUD, service commands, update announcements, and the health, readiness
// and metrics endpoints. Agents never talk to this API; they use the
// protocol stream.
package api
