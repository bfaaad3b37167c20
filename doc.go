// Package fishalarm ingests alarm frames from fish devices over TCP, stores
// them as alerts in SQLite and fans every stored alert out to NATS, webhooks,
// a local journal and websocket clients. A REST API manages devices, users,
// alerts and the per-device listeners.
//
// # Architecture
//
// One TCP listener runs per device that has an address and a port. Each
// accepted connection reads frames sequentially:
//
//	device ──TCP──▶ input/tcp ──frame.Decode──▶ alert.Normalize
//	                                                   │
//	                                          service.Pipeline
//	                                                   │
//	                       storage/sqlite (persist) ───┤
//	                                                   ▼
//	                 natspub · httppost · file · websocket notifiers
//
// The gateway/http API and the ingest service share the same store, so a
// device created or updated over HTTP starts, restarts or stops its listener
// immediately.
//
// # Packages
//
//   - alert: alert record, levels, normalisation and the outbound envelope
//   - frame: classifies raw device bytes (alarm, SENDIM, text or base64)
//   - input/tcp: listener registry, per-connection read loop, bind retry
//   - storage, storage/sqlite: device, user and alert persistence
//   - service: bootstrap, alert pipeline and the ingest lifecycle
//   - output/natspub, output/httppost, output/file, output/websocket: notifiers
//   - gateway/http: REST API, health and websocket mount
//   - config: layered JSON/YAML configuration with schema validation
//   - natsclient: NATS connection management and JetStream streams
//   - metric, health, errors: shared observability and error classification
//   - pkg/retry, pkg/worker, pkg/buffer, pkg/tlsutil: supporting utilities
//
// # Running
//
//	fishalarm --config fishalarm.yaml --log-level debug
//	fishalarm --config fishalarm.yaml --validate
//
// See cmd/fishalarm for the full flag list.
package fishalarm
