// Package main hosts the labnode entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes /state, /about, /resources and /action for the workflow engine, plus
//     /healthz, /readyz, /metrics and /history for operators. Action requests are decoded into node.ActionRequest
//     values; malformed input is answered with a failed step result without touching the device.
//   - Executor: one status register per process (UNKNOWN, IDLE, BUSY, ERROR) admits a single action at a time.
//     Callers wait for the slot up to node.admission_timeout; a node in ERROR reconnects before admitting work.
//   - Devices: device/ot2 drives the Opentrons HTTP API (upload, create run, play, poll) and device/uc2 drives the
//     ImSwitch REST API. Both implement node.Device, so the rest of the process is family-agnostic.
//   - Persistence & fanout: protocols, resource snapshots and run logs land in the working directory and are
//     optionally mirrored to GCS. Finished actions are recorded in memory, SQLite or Postgres. Progress events are
//     batched by the hub and sent to the log, Prometheus and Pub/Sub sinks.
//   - Configuration & plumbing: cobra flags, LABNODE_* env vars and an optional file are merged by Viper; zap
//     provides structured logging; OpenTelemetry trace context travels with published events.
//
// Quick checklist:
//   - Run an OT-2 node: labnode ot2 --alias ot2_alpha --ot2-ip 10.0.0.12 --port 2005
//   - Run a UC2 node: labnode uc2 --alias uc2_a --uc2-ip 10.0.0.20 --uc2-port 8001 --port 8002
//   - YAML protocols need LABNODE_OT2_COMPILER_COMMAND pointing at the protocol compiler.
//   - The process drains in-flight HTTP requests and flushes queued events on SIGINT or SIGTERM.
package main
