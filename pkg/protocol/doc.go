/*
Package protocol defines the wire contract between agents and the registry.

Every message travels as a JSON envelope with a "type" discriminator and a
typed payload, streamed over a persistent TLS connection. The schema evolves
additively: unknown fields inside a known payload are ignored, and unknown
message types decode to an explicit Unknown value the receiver logs and
skips. Known variants stay exhaustively checkable through the RegistryMessage
and AgentMessage sum interfaces.

Message flow:

	Registry -> Agent: auth_result, config, ipv6_update, cert_update,
	                   update_available, service_command, shutdown
	Agent -> Registry: auth, heartbeat, config_ack, error, service_state

Config is the only message carrying a full route set and is idempotent.
Ipv6Update and CertUpdate are partial: each mutates only the dimension it
names. Messages on one connection are applied strictly in receipt order.
*/
package protocol
