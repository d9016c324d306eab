// Command lighthouse runs the rendezvous server string nodes use to find
// each other.
//
// HTTP API (JSON bodies, signed requests carry an ed25519 proof)
//
//	POST /register   create or refresh an endpoint for the caller's ip:port
//	POST /attach     publish a public key at an endpoint
//	POST /connect    leave a pending connection request at an endpoint
//	POST /listconns  collect and consume pending requests (signed)
//	POST /lookup     find the freshest endpoint for a fingerprint
//	GET  /peers      list live endpoints with their keys
//	POST /wipe       remove an endpoint and everything attached (signed)
//	GET  /metrics    prometheus metrics
//	GET  /healthz    liveness
//
// Endpoints not refreshed within endpoint_ttl are swept together with
// their keys and pending requests. State lives in SQLite unless the
// memory store is selected.
//
// Configuration comes from an optional YAML file (--config) overlaid with
// LIGHTHOUSE_* environment variables; --listen and --store override both.
package main
