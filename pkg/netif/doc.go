/*
Package netif manages the agent's public IPv6 address.

The registry allocates each agent a stable global unicast address and pushes
it over the control protocol. This package keeps the network interface in
agreement: it discovers an already-configured address on startup, classifies
interface records to find the authoritative one (stateful DHCPv6 beats SLAAC
beats manual), and applies registry pushes as remove-then-add with DAD
skipped, since addresses are centrally allocated and known unique.

The AddressController interface isolates the ip(8) shell-outs so the
lifecycle rules are testable with fakes.
*/
package netif
