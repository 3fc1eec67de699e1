// Package digest places gated intents: immediate ones go straight to the
// dispatcher, everything else waits in a bucket keyed by recipient, channel
// and due slot.
//
// # Buckets
//
// Two kinds of bucket exist. Digest buckets collapse their items into one
// synthetic digest intent when flushed. Deferred buckets hold high-priority
// intents delayed by quiet hours and release them one by one.
//
// # Locking
//
// The bucket map has its own lock; every bucket has a mutex of its own.
// A flush unlinks due buckets from the map first and then marks each one
// flushed under its mutex. An appender that loses that race sees the flag
// and retries against a fresh bucket, so no item is lost or flushed twice.
package digest
