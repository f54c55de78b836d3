// Package eventbox implements an aggregate update and event-commit pipeline
// for event-sourced applications. It couples an append-only event store with
// optimistic concurrency, snapshot-accelerated aggregate rehydration, and a
// two-phase fan-out of committed events: ordered synchronous delivery to
// read-model projections and subscribers, followed by best-effort
// asynchronous delivery through a pluggable scheduler.
//
// Typical usage looks like:
//   - Create an Eventbox with configuration
//   - Open a Store backed by Redis, PostgreSQL, or Bolt
//   - Define Appliers that fold events into your aggregate state
//   - Use an Executor to run Commands that raise events on an Aggregator
//   - Register projections and subscribers on the Dispatcher, or consume
//     events from the EventHub
//
// The examples/ directory contains runnable counter and order workflows that
// exercise the API in a small domain.
package eventbox
