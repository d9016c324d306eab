// Package commands defines the string CLI.
//
// Commands
//
//   - init         Create the local identity
//   - fingerprint  Print the identity fingerprint, optionally as a QR code
//   - chat         Join the mesh and chat interactively
//   - serve        Run a headless node that keeps the mesh connected
//   - peers        List peers whose keys are known
//   - history      Print a channel's stored messages
//
// # Implementation
//
// The root command loads the configuration (file, STRING_* environment,
// then flags) and builds the stores before any subcommand runs. The
// passphrase comes from -p or the variable named by passphrase_env.
package commands
