package ranklink

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/raskyld/ranklink/pkg/directory"
	"github.com/raskyld/ranklink/pkg/msg"
	"github.com/raskyld/ranklink/pkg/shmem"
	"github.com/raskyld/ranklink/pkg/socket"
	"github.com/raskyld/ranklink/pkg/via"
)

// Cliques restricts which rank pairs may use a transport.
//
// The textual form is either empty (decide automatically), "*" (every
// pair) or a list of groups such as "(0..3)(4,6,8..9)": two ranks may use
// the transport when one group holds both.
type Cliques struct {
	all    bool
	groups [][]span
}

// span is an inclusive range of ranks. Groups keep them sorted and
// disjoint.
type span struct {
	lo, hi msg.Rank
}

// ParseCliques parses the textual form.
func ParseCliques(spec string) (Cliques, error) {
	spec = strings.TrimSpace(spec)
	switch spec {
	case "":
		return Cliques{}, nil
	case "*":
		return Cliques{all: true}, nil
	}

	var c Cliques
	rest := spec
	for rest != "" {
		if rest[0] != '(' {
			return Cliques{}, fmt.Errorf("%w: %q: expected '(' at %q", ErrCliqueSyntax, spec, rest)
		}
		end := strings.IndexByte(rest, ')')
		if end < 0 {
			return Cliques{}, fmt.Errorf("%w: %q: unclosed group", ErrCliqueSyntax, spec)
		}
		group, err := parseGroup(rest[1:end])
		if err != nil {
			return Cliques{}, fmt.Errorf("%w: %q: %w", ErrCliqueSyntax, spec, err)
		}
		c.groups = append(c.groups, group)
		rest = strings.TrimSpace(rest[end+1:])
	}
	return c, nil
}

func parseRank(s string) (msg.Rank, bool) {
	r, err := strconv.ParseInt(strings.TrimSpace(s), 10, 32)
	return msg.Rank(r), err == nil && r >= 0
}

func parseGroup(s string) ([]span, error) {
	var group []span
	for _, item := range strings.Split(s, ",") {
		lo, hi, isRange := strings.Cut(strings.TrimSpace(item), "..")
		first, ok := parseRank(lo)
		if !ok {
			return nil, fmt.Errorf("invalid rank %q", item)
		}
		last := first
		if isRange {
			if last, ok = parseRank(hi); !ok || last < first {
				return nil, fmt.Errorf("invalid range %q", item)
			}
		}
		group = append(group, span{first, last})
	}

	slices.SortFunc(group, func(a, b span) int { return int(a.lo) - int(b.lo) })
	merged := group[:1]
	for _, sp := range group[1:] {
		last := &merged[len(merged)-1]
		if int(sp.lo) <= int(last.hi)+1 {
			last.hi = max(last.hi, sp.hi)
			continue
		}
		merged = append(merged, sp)
	}
	return merged, nil
}

// Check reports a rank of the list that is not part of a job of size
// ranks.
func (c Cliques) Check(size int) error {
	for _, g := range c.groups {
		if top := g[len(g)-1].hi; int(top) >= size {
			return fmt.Errorf("%w: rank %d in a job of %d", ErrCliqueSyntax, top, size)
		}
	}
	return nil
}

// Auto reports whether the choice is left to the job.
func (c Cliques) Auto() bool {
	return !c.all && c.groups == nil
}

func contains(g []span, r msg.Rank) bool {
	return slices.ContainsFunc(g, func(sp span) bool { return sp.lo <= r && r <= sp.hi })
}

// Together reports whether a and b share a group.
func (c Cliques) Together(a, b msg.Rank) bool {
	if c.all {
		return true
	}
	for _, g := range c.groups {
		if contains(g, a) && contains(g, b) {
			return true
		}
	}
	return false
}

// Peers lists the ranks of [0, size) sharing a group with r.
func (c Cliques) Peers(r msg.Rank, size int) []msg.Rank {
	var peers []msg.Rank
	for p := range msg.Rank(size) {
		if p != r && c.Together(r, p) {
			peers = append(peers, p)
		}
	}
	return peers
}

func (c Cliques) String() string {
	switch {
	case c.all:
		return "*"
	case c.groups == nil:
		return ""
	}
	var b strings.Builder
	for _, g := range c.groups {
		b.WriteByte('(')
		for i, sp := range g {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Itoa(int(sp.lo)))
			if sp.hi != sp.lo {
				b.WriteString("..")
				b.WriteString(strconv.Itoa(int(sp.hi)))
			}
		}
		b.WriteByte(')')
	}
	return b.String()
}

type lookupFunc func(ctx context.Context, rank msg.Rank) (directory.ConnectInfo, error)

// selector picks the transport of every peer. The choice only depends on
// facts both ends share, so both pick the same one.
type selector struct {
	rank msg.Rank
	size int
	host string

	shm     Cliques
	hasShm  bool
	via     Cliques
	hasVia  bool
	viaAddr string
}

// shmCandidates are the peers that may end up on shared memory, known
// before any peer is.
func (s *selector) shmCandidates() []msg.Rank {
	if !s.hasShm {
		return nil
	}
	if s.shm.Auto() {
		return Cliques{all: true}.Peers(s.rank, s.size)
	}
	return s.shm.Peers(s.rank, s.size)
}

func (s *selector) choose(ctx context.Context, peer msg.Rank, lookup lookupFunc) (string, error) {
	var ci *directory.ConnectInfo
	info := func() (directory.ConnectInfo, error) {
		if ci == nil {
			got, err := lookup(ctx, peer)
			if err != nil {
				return directory.ConnectInfo{}, err
			}
			ci = &got
		}
		return *ci, nil
	}

	// Shared memory never crosses hosts, whatever the cliques say.
	if s.hasShm && (s.shm.Auto() || s.shm.Together(s.rank, peer)) {
		got, err := info()
		if err != nil {
			return "", err
		}
		if got.Host == s.host {
			return shmem.Kind, nil
		}
	}

	if s.hasVia && (s.via.Auto() || s.via.Together(s.rank, peer)) {
		got, err := info()
		if err != nil {
			return "", err
		}
		if len(got.NICs) > 0 {
			return via.Kind, nil
		}
	}
	return socket.Kind, nil
}
