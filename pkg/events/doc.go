/*
Package events provides pub/sub event distribution for the registry.

The broker decouples state changes (agent connect/disconnect, config
application, service transitions, certificate renewals) from whatever
consumes them. Publishing never blocks: the broker buffers up to 100
events and each subscriber gets its own buffered channel; a subscriber
that falls behind misses events rather than stalling the publisher.
*/
package events
