// Package dedupe implements the receiver side of the delivery contract:
// every pushed or polled event carries a unique id, and a session applies
// each id at most once within the cache window.
package dedupe
