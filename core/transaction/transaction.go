package transaction

import "fmt"

// Status is the persisted state of a transaction. The numeric values are the
// bytes stored in the status file.
type Status byte

const (
	StatusActive    Status = iota // Transaction has begun and not yet finished
	StatusCommitted               // Transaction has committed
	StatusAborted                 // Transaction has rolled back
)

// SuperXID is the reserved id of the super transaction. It is never stored in
// the status file and is treated as committed by upper layers.
const SuperXID uint64 = 0

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusCommitted:
		return "committed"
	case StatusAborted:
		return "aborted"
	default:
		return fmt.Sprintf("unknown(%d)", byte(s))
	}
}
