package wire

import (
	"fmt"

	"github.com/nwtnni/paxos/internal/types"
)

// TimeoutError reports that a quorum-driving phase (prepare or accept)
// failed to collect a majority of replies before its retransmission
// deadline. Callers retransmit under the same ballot rather than treat
// this as fatal.
type TimeoutError struct {
	Ballot   types.Ballot
	Received int
	Needed   int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("wire: timeout waiting on ballot %s: got %d of %d needed replies", e.Ballot, e.Received, e.Needed)
}

// BallotError reports that a reply or persisted record carried a
// ballot strictly greater than the one a Scout or Commander was
// driving, meaning the round was preempted.
type BallotError struct {
	Attempted types.Ballot
	Seen      types.Ballot
}

func (e *BallotError) Error() string {
	return fmt.Sprintf("wire: ballot %s preempted by %s", e.Attempted, e.Seen)
}

// DecodeError reports that a frame's length prefix or gob body could
// not be decoded into a valid Envelope. The connection carrying it
// cannot be trusted and should be torn down.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("wire: decode error: %s", e.Reason)
}
