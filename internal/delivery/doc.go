// Package delivery sends posts through a pool of interchangeable clients.
//
// Clients advertise a size limit and the operations they support; Select
// picks one as a pure function of size, operation and health. The
// Dispatcher re-reads the post at fire time, applies bounded retries for
// transient errors, falls back to the alternate client once on capability
// or peer errors, and otherwise defers the post under a configurable policy.
package delivery
