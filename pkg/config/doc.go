// Package config is cdcflow's typed configuration tree: a strict-decoded
// YAML document where every recognized key gets a named field, and Load
// rejects any key it doesn't recognize rather than silently ignoring it.
//
// A typed struct loaded from YAML rather than flattened into CLI flags,
// since the configuration surface (per-source connector configs,
// queue/task backend selection, HA peers) is too nested for flags alone.
// Strict unknown-key rejection uses yaml.v3's Decoder.KnownFields(true),
// the standard replacement for yaml.v2's UnmarshalStrict now that v3
// dropped it as a top-level function.
package config
