// Package ledger is the execution context every registry operation runs in.
//
// A mutating operation runs inside a call frame:
//
//	ctx = ledger.WithCaller(ctx, addr)
//	err := lc.Execute(ctx, "withdraw", func(ctx context.Context, call *ledger.Call) error {
//	    // call.Caller is addr, call.State is the frame's view of the ledger
//	})
//
// Frames are serialized and atomic: either every write made through
// call.State is kept, or (on any error) none is.
//
// RE-ENTRY:
// The ctx passed to fn carries the open frame. If code running inside the
// frame calls Execute or Read again with that ctx (a payout transport calling
// back into the registry, for example), the inner call joins the open frame
// instead of opening a new one. It observes the outer frame's writes so far,
// and it cannot deadlock against the lock or connection the outer frame holds.
// A call made with an unrelated ctx from inside a frame would wait for the
// frame to finish, so re-entrant code must pass its ctx through.
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ethcentivize/issue-registry/internal/apperror"
	"github.com/ethcentivize/issue-registry/internal/model"
	"github.com/ethcentivize/issue-registry/internal/repository"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/xid"
)

// ErrReadFrame is returned by Execute when ctx carries a read-only frame.
var ErrReadFrame = errors.New("ledger: mutating call inside a read frame")

// Call is one open frame.
type Call struct {
	ID     xid.ID
	Caller common.Address
	Op     string
	At     time.Time
	State  repository.State
	// Depth is 0 for the frame that opened the transaction and increases by
	// one for each re-entrant call that joined it.
	Depth int
}

// Emit appends e to the event feed, stamped with this frame's id, caller and
// time.
func (c *Call) Emit(ctx context.Context, e *model.Event) error {
	e.CallID = c.ID.String()
	e.Actor = c.Caller
	if e.At.IsZero() {
		e.At = c.At
	}
	return c.State.AppendEvent(ctx, e)
}

type Context struct {
	store  repository.Store
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Context)

// WithClock overrides time.Now for frame timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Context) { c.now = now }
}

func New(store repository.Store, logger *slog.Logger, opts ...Option) *Context {
	c := &Context{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type (
	callerKey struct{}
	frameKey  struct{}
)

type frame struct {
	owner    *Context
	call     *Call
	readOnly bool
}

// WithCaller attaches the caller identity for subsequent calls.
func WithCaller(ctx context.Context, caller common.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFrom returns the caller attached to ctx. The zero address is never a
// caller, so it reports false.
func CallerFrom(ctx context.Context) (common.Address, bool) {
	caller, ok := ctx.Value(callerKey{}).(common.Address)
	return caller, ok && caller != (common.Address{})
}

// InFrame reports whether ctx carries an open frame of c.
func (c *Context) InFrame(ctx context.Context) bool {
	return c.frameFrom(ctx) != nil
}

func (c *Context) frameFrom(ctx context.Context) *frame {
	f, ok := ctx.Value(frameKey{}).(*frame)
	if !ok || f.owner != c {
		return nil
	}
	return f
}

// Execute runs fn in a call frame. It fails with Unauthenticated when ctx
// carries no caller.
func (c *Context) Execute(ctx context.Context, op string, fn func(ctx context.Context, call *Call) error) error {
	caller, ok := CallerFrom(ctx)
	if !ok {
		return apperror.Unauthenticated()
	}

	if outer := c.frameFrom(ctx); outer != nil {
		if outer.readOnly {
			return ErrReadFrame
		}
		nested := &Call{
			ID:     outer.call.ID,
			Caller: caller,
			Op:     op,
			At:     outer.call.At,
			State:  outer.call.State,
			Depth:  outer.call.Depth + 1,
		}
		c.logger.Debug("joining open call frame",
			slog.String("call_id", nested.ID.String()),
			slog.String("op", op),
			slog.Int("depth", nested.Depth),
		)
		return fn(context.WithValue(ctx, frameKey{}, &frame{owner: c, call: nested}), nested)
	}

	call := &Call{
		ID:     xid.New(),
		Caller: caller,
		Op:     op,
		At:     c.now(),
	}
	err := c.store.Atomically(ctx, func(st repository.State) error {
		call.State = st
		return fn(context.WithValue(ctx, frameKey{}, &frame{owner: c, call: call}), call)
	})

	attrs := []any{
		slog.String("call_id", call.ID.String()),
		slog.String("op", op),
		slog.String("caller", caller.Hex()),
	}
	if err != nil {
		c.logger.Debug("call aborted", append(attrs, slog.String("error", err.Error()))...)
		return err
	}
	c.logger.Debug("call committed", attrs...)
	return nil
}

// Read runs fn against a consistent view of the ledger. Inside an open frame
// it uses that frame's state, so it sees uncommitted writes of the same call.
// No caller is required.
func (c *Context) Read(ctx context.Context, fn func(ctx context.Context, st repository.State) error) error {
	if f := c.frameFrom(ctx); f != nil {
		return fn(ctx, f.call.State)
	}

	return c.store.View(ctx, func(st repository.State) error {
		call := &Call{ID: xid.New(), At: c.now(), State: st}
		return fn(context.WithValue(ctx, frameKey{}, &frame{owner: c, call: call, readOnly: true}), st)
	})
}
