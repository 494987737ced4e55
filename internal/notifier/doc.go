// Package notifier tells post owners what happened to their posts.
//
// It subscribes to the dispatcher's "post.*" events on the event bus, turns
// them into short HTML messages and sends them through the transport adapter
// with a bounded queue, a worker pool, a rate limit, retries and a dedup
// window. A small in-memory history is kept for diagnostics.
package notifier
