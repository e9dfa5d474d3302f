package ranklink

import (
	"errors"
	"fmt"

	"github.com/raskyld/ranklink/pkg/msg"
)

var (
	ErrInvalidCfg     = errors.New("job: invalid options")
	ErrInvalidRank    = errors.New("job: rank out of range")
	ErrAborted        = errors.New("job: aborted")
	ErrFinalized      = errors.New("job: already finalized")
	ErrNoRoute        = errors.New("job: no transport reaches the peer")
	ErrCliqueSyntax   = errors.New("selector: invalid clique list")
	ErrUnknownBackend = errors.New("selector: unknown via provider")
)

// AbortError is what pending requests fail with once the job aborts.
type AbortError struct {
	Rank msg.Rank
	Host string
	Op   string
	Err  error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("rank %d on %s aborted during %s: %v", e.Rank, e.Host, e.Op, e.Err)
}

func (e *AbortError) Unwrap() []error {
	return []error{ErrAborted, e.Err}
}
