package logs

import (
	"context"

	"github.com/benbjohnson/clock"
)

// Feed is the result of one incremental read. A feed without entries
// marshals to {} so the caller can skip notifying clients.
type Feed struct {
	Time int64   `json:"time,omitempty"`
	Logs []Entry `json:"logs,omitempty"`
}

func (f Feed) Present() bool {
	return len(f.Logs) > 0
}

// FetchFunc returns the entries of a stream with Seq > afterSeq, oldest first.
type FetchFunc func(ctx context.Context, afterSeq uint64) ([]Entry, error)

type Reader struct {
	clock clock.Clock
}

func NewReader(clk clock.Clock) *Reader {
	if clk == nil {
		clk = clock.New()
	}
	return &Reader{clock: clk}
}

// Read returns everything in stream the cursor has not seen yet and moves the
// cursor past it. Time is the collection time in unix milliseconds.
func (r *Reader) Read(ctx context.Context, cur *Cursor, stream string, fetch FetchFunc) (Feed, error) {
	if fetch == nil {
		return Feed{}, nil
	}
	after := cur.Position(stream)
	entries, err := fetch(ctx, after)
	if err != nil {
		return Feed{}, err
	}

	fresh := make([]Entry, 0, len(entries))
	last := after
	for _, e := range entries {
		if e.Seq <= after {
			continue
		}
		fresh = append(fresh, e)
		if e.Seq > last {
			last = e.Seq
		}
	}
	if len(fresh) == 0 {
		return Feed{}, nil
	}
	cur.Advance(stream, last)
	return Feed{Time: r.clock.Now().UnixMilli(), Logs: fresh}, nil
}
