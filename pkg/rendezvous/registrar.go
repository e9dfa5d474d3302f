package rendezvous

import (
	"context"

	"github.com/raskyld/ranklink/pkg/directory"
	"github.com/raskyld/ranklink/pkg/msg"
)

// Registrar is how a rank publishes itself, learns where its peers are and
// takes part in the two job-wide barriers.
type Registrar interface {
	// Register publishes entry and returns once every rank of the job is
	// registered.
	Register(ctx context.Context, entry directory.ProcessEntry) error

	// Lookup returns the full record of rank, waiting a bounded time for
	// it to register.
	Lookup(ctx context.Context, rank msg.Rank) (directory.ProcessEntry, error)

	// ConnectInfo returns what is needed to open a data connection to rank.
	ConnectInfo(ctx context.Context, rank msg.Rank) (directory.ConnectInfo, error)

	// Finish announces this rank is done and returns once every rank is.
	Finish(ctx context.Context) error

	// Abort asks rank to abort the job.
	Abort(ctx context.Context, rank msg.Rank, reason string) error

	Close() error
}
