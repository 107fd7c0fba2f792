/*
Package agent implements the per-application agent process.

The Supervisor owns the registry connection: it authenticates, applies
pushed messages strictly in arrival order, heartbeats every 30 seconds,
and reconnects with capped exponential backoff when the transport drops.
Side effects fan out to the address manager, the reverse proxy, the
service tracker and the self-updater through narrow interfaces, so the
session logic is testable with fakes.
*/
package agent
