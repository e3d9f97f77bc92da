// Package cancel implements cancellable blocking calls.
//
// A Token represents the one blocking operation the main goroutine may
// have in flight at any time (opening a named pipe, reading the next
// command record). The main goroutine arms the token around the call with
// Call or Do; a second goroutine (the parent-liveness watchdog) may invoke
// Cancel at any point. Cancel forces the pending operation to return by
// running the interrupt function registered for that call, and the call
// then reports ErrCancelled instead of whatever the operation returned.
//
// Token lifecycle:
//
//	Unarmed --arm--> Armed --op returns--> Completed --ack--> Unarmed
//	                   |
//	                   +--Cancel--> Cancelled --ack--> Unarmed
//
// Cancel after Completed is a no-op. Once Cancel has been called the token
// stays poisoned: later calls fail immediately with ErrCancelled without
// running their operation, so a parent death observed between two calls
// is never lost.
//
// The interrupt mechanism is supplied by the caller (see internal/pipe);
// this package only guarantees the observable contract.
package cancel
