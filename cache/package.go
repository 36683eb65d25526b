/*
Package cache provides the session cache that sits in front of the price store.
It should not be of any concern to the callee where this cache is, simply that
it will speed up repeated lookups within a short window.

A miss is always safe: callers fall through to the store, so Nop is a correct,
if slow, implementation. Nothing here decides staleness.
*/
package cache
