// Package proxy implements the agent's SNI-routed reverse proxy. It
// terminates TLS on the agent's global IPv6 address, selects the backend
// by server name, optionally gates requests through a forward-auth
// service, and relays bytes to local backend ports. Route and certificate
// pushes swap an immutable table snapshot; only address changes rebind
// the listener.
package proxy
