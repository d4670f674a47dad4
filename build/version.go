package build

// Version is the current version of the wookiee-unicaster binary. Unlike
// some peer-to-peer protocols, the two relay endpoints never negotiate protocol
// versions with each other (the control subprotocol is fixed, see
// internal/control), so this is surfaced only for operator-facing
// diagnostics (the `version` CLI subcommand and startup log line).
const Version = "1.0.0"
