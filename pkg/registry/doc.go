/*
Package registry implements the fleet control plane.

The Registry owns the Application set: stable address suffix allocation
from the delegated prefix, agent token minting and verification, route
derivation from each application's declared endpoints, and certificate
issuance through the internal CA. The Server accepts agent connections
over TLS, authenticates the first message, pushes the full Config, and
consumes heartbeats, config acks and service state reports for the rest
of the session. Periodic loops sweep stale agents to Disconnected and
renew certificates approaching expiry, pushing refreshed routes to the
affected agents.
*/
package registry
