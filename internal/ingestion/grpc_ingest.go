package ingestion

import (
	"context"
	"errors"

	"NFTLend/internal/core"
	"NFTLend/internal/errs"
	"NFTLend/internal/event"

	"github.com/rs/zerolog"
)

// Submitter hands commands to the engine goroutine and waits for the
// result. The API surface and the NATS dispatcher share it.
type Submitter struct {
	requests chan<- core.Request
}

func NewSubmitter(requests chan<- core.Request) *Submitter {
	return &Submitter{requests: requests}
}

// Submit sends cmd to the engine and blocks until it is processed or ctx
// ends. A rejected command returns its domain error in Result.Err.
func (s *Submitter) Submit(ctx context.Context, cmd event.Command) (core.Result, error) {
	reply := make(chan core.Reply, 1)
	select {
	case s.requests <- core.Request{Command: cmd, Reply: reply}:
	case <-ctx.Done():
		return core.Result{}, ctx.Err()
	}

	select {
	case r := <-reply:
		return r.Result, r.Err
	case <-ctx.Done():
		// the engine still processes the command; the reply is buffered
		return core.Result{}, ctx.Err()
	}
}

// Exec runs fn on the engine goroutine and waits for it.
func (s *Submitter) Exec(ctx context.Context, fn func(e *core.Engine) error) error {
	reply := make(chan core.Reply, 1)
	select {
	case s.requests <- core.Request{Exec: fn, Reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case r := <-reply:
		return r.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispatcher parses raw NATS messages and submits them to the engine.
type Dispatcher struct {
	parser    *Parser
	submitter *Submitter
	log       zerolog.Logger
}

func NewDispatcher(parser *Parser, submitter *Submitter, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{parser: parser, submitter: submitter, log: logger}
}

// Run consumes raw events until ctx is done or the channel closes.
func (d *Dispatcher) Run(ctx context.Context, in <-chan RawEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-in:
			if !ok {
				return nil
			}
			d.handle(ctx, raw)
		}
	}
}

// handle acks once the command is logged (applied, rejected or duplicate),
// terminates malformed messages and naks the rest for redelivery.
func (d *Dispatcher) handle(ctx context.Context, raw RawEvent) {
	cmd, err := d.parser.ParseRawEvent(raw)
	if err != nil {
		d.log.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping malformed message")
		call(raw.TermFunc)
		return
	}

	res, err := d.submitter.Submit(ctx, cmd)
	switch {
	case err == nil:
		if res.Err != nil {
			d.log.Debug().Str("subject", raw.Subject).Str("code", errs.CodeOf(res.Err)).Msg("command rejected")
		}
		call(raw.AckFunc)
	case errors.Is(err, errs.ErrInvalidCommand):
		d.log.Warn().Err(err).Str("subject", raw.Subject).Msg("command refused")
		call(raw.TermFunc)
	default:
		// ordering errors and shutdown: let JetStream redeliver
		d.log.Warn().Err(err).Str("subject", raw.Subject).Msg("command not processed, will retry")
		call(raw.NakFunc)
	}
}

func call(fn func()) {
	if fn != nil {
		fn()
	}
}
