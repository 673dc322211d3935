// Package ir holds the compiled, canonical representation of a pipeline.
//
// All other internal packages import ir; ir imports nothing internal. The
// manifest types here are what the compiler writes, what adapters execute and
// what the remote worker receives over the wire.
//
// Key constraints:
//   - Canonical JSON (RFC 8785 ordering, NFC strings) is the only byte form
//     used for hashing.
//   - Manifests carry secret placeholders (${ENV_VAR}), never secret values.
//   - All serialized field names use snake_case.
package ir
