/*
Package update performs in-place self-update of the agent binary.

The contract is download to a sibling temp path, sha256 verification over
the full payload, atomic rename over the live binary, then a service-manager
restart. A digest mismatch aborts with zero filesystem change to the live
binary. The relay process reuses the same verify-and-replace path through
ApplyFromStream with its length-prefixed transport framing unwrapped by
FrameReader.
*/
package update
