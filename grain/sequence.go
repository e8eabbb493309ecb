package grain

import (
	"context"
	"strings"
)

// Sequence runs its handlers in order until one halts the conn or the
// conn's context is cancelled. BeforeSend runs every element's hook in
// reverse order regardless of where the run stopped.
type Sequence []Handler

// NewSequence returns a Sequence of hs.
func NewSequence(hs ...Handler) Sequence {
	return Sequence(hs)
}

// Then returns a new sequence with h appended.
func (s Sequence) Then(h Handler) Sequence {
	out := make(Sequence, len(s), len(s)+1)
	copy(out, s)
	return append(out, h)
}

func (s Sequence) Run(c *Conn) *Conn {
	for _, h := range s {
		c = Run(h, c)
		if c.IsHalted() || c.Context().Err() != nil {
			break
		}
	}
	return c
}

func (s Sequence) BeforeSend(c *Conn) *Conn {
	for i := len(s) - 1; i >= 0; i-- {
		c = RunBeforeSend(s[i], c)
	}
	return c
}

func (s Sequence) Name() string {
	names := make([]string, len(s))
	for i, h := range s {
		names[i] = NameOf(h)
	}
	return "sequence[" + strings.Join(names, ", ") + "]"
}

func (s Sequence) Init(ctx context.Context, info *Info) error {
	for _, h := range s {
		if err := InitHandler(ctx, h, info); err != nil {
			return err
		}
	}
	return nil
}
