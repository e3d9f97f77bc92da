// Package dispatch runs the controller's command loop.
//
// The loop opens the command channel, then reads newline-terminated
// records from it one at a time, parses each into a command, and hands
// valid commands to the launcher. Every blocking step (the open and each
// read) is performed as a cancellable call on a shared cancel.Token, so
// the liveness watchdog can end the loop when the parent process dies.
//
// States:
//   - AwaitingChannel: opening the command channel
//   - Reading: waiting for or processing a record
//   - TerminatedNormal: the channel reached end-of-stream
//   - TerminatedFatal: the open or a read failed or was cancelled
//
// Error handling:
//   - Empty record → ignored
//   - Malformed record or unknown verb → logged, parse_error event
//   - Target not allow-listed → logged, denied event
//   - Spawn failure → logged, launch_failed event
//   - Cancellation during open or read → TerminatedFatal, ErrParentGone
//   - Any other open or read error → TerminatedFatal
//
// Only TerminatedNormal yields a zero exit code.
package dispatch
