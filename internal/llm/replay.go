package llm

import (
	"context"

	"github.com/Rul1an/assay/internal/assayerr"
	"github.com/Rul1an/assay/internal/trace"
)

// TraceClient answers Complete calls entirely from a loaded trace file,
// never reaching the network. It is the Client a replay run substitutes for
// the real provider.
type TraceClient struct {
	trace *trace.Client
}

// NewTraceClient wraps a loaded trace file as a Client.
func NewTraceClient(t *trace.Client) *TraceClient {
	return &TraceClient{trace: t}
}

func (c *TraceClient) Complete(ctx context.Context, req Request) (Response, error) {
	resp, err := c.trace.Lookup(req.Prompt)
	if err != nil {
		return Response{}, err
	}
	return Response{Text: resp.Text, Model: resp.Model, Meta: resp.Meta}, nil
}

// StrictClient wraps an underlying Client (normally a TraceClient) and
// forwards every call to it, turning a *trace.TraceMissError from it into a
// typed E_STRICT_REPLAY_VIOLATION error. It does not block calls when the
// underlying client is itself live, and this package has no corresponding
// strict wrapper for the judge or the embedder.
type StrictClient struct {
	underlying Client
}

// NewStrictClient enforces replay_strict over underlying, which must already
// be trace-backed (a TraceClient) — StrictClient does not itself decide
// whether a call is "live"; it exists to turn the underlying trace miss into
// the stable reason code replay_strict mode contracts to produce.
func NewStrictClient(underlying Client) *StrictClient {
	return &StrictClient{underlying: underlying}
}

func (c *StrictClient) Complete(ctx context.Context, req Request) (Response, error) {
	resp, err := c.underlying.Complete(ctx, req)
	if err != nil {
		if _, ok := err.(*trace.TraceMissError); ok {
			return Response{}, assayerr.New(assayerr.EStrictReplayViol, assayerr.ClassTrace, err.Error())
		}
		return Response{}, err
	}
	return resp, nil
}
