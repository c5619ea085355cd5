// Package ot2 drives an Opentrons OT-2 liquid handler over the robot's HTTP
// API. It implements node.Device with a single run_protocol action: the
// uploaded protocol is materialized into the node's working directory,
// compiled when it is a YAML document, transferred to the robot, run to a
// terminal state and its command log archived.
package ot2
