package recall

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Operation is a context-aware unit of work a Recorder can wrap.
type Operation[In, Out any] func(ctx context.Context, in In) (Out, error)

// ArgsFunc is an operation taking positional arguments.
type ArgsFunc func(ctx context.Context, args ...any) (any, error)

// Serializer turns call inputs and results into log entries.
type Serializer interface {
	Inputs(args ...any) ([]byte, error)
	Output(v any) ([]byte, error)
}

// DefaultSerializer writes inputs as a JSON array of the positional
// arguments and outputs as text: strings and byte slices verbatim, errors and
// fmt.Stringer values by their text, everything else as JSON.
var DefaultSerializer Serializer = textSerializer{}

type textSerializer struct{}

func (textSerializer) Inputs(args ...any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, arg := range args {
		if i > 0 {
			buf.WriteByte(',')
		}
		body, err := json.Marshal(arg)
		if err != nil {
			body, _ = json.Marshal(fmt.Sprint(arg))
		}
		buf.Write(body)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func (textSerializer) Output(v any) ([]byte, error) {
	switch t := v.(type) {
	case string:
		return []byte(t), nil
	case []byte:
		return cloneBytes(t), nil
	case error:
		return []byte(t.Error()), nil
	case fmt.Stringer:
		return []byte(t.String()), nil
	}
	body, err := json.Marshal(v)
	if err != nil {
		return []byte(fmt.Sprint(v)), nil
	}
	return body, nil
}

// Recorder counts calls and keeps input/output logs per operation identity.
type Recorder struct {
	store      Store
	serializer Serializer
	logger     *slog.Logger
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithSerializer replaces the DefaultSerializer.
func WithSerializer(s Serializer) RecorderOption {
	return func(r *Recorder) {
		if s != nil {
			r.serializer = s
		}
	}
}

// WithRecorderLogger sets the logger used for debug output.
func WithRecorderLogger(l *slog.Logger) RecorderOption {
	return func(r *Recorder) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRecorder creates a recorder writing to store.
// @group Recorder
//
// Example: count and record an operation
//
//	ctx := context.Background()
//	r := recall.NewRecorder(recall.NewMemoryStore(ctx))
//	square := recall.Record(r, "square", func(_ context.Context, n int) (int, error) { return n * n, nil })
//	_, _ = square(ctx, 3)
//	trace, _ := r.Replay(ctx, "square")
//	fmt.Println(trace.Lines()[1]) // square(*[3]) -> 9
func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:      store,
		serializer: DefaultSerializer,
		logger:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Store returns the backing store.
func (r *Recorder) Store() Store { return r.store }

// CounterKey is the key holding the call counter for identity.
func CounterKey(identity string) string { return identity }

// InputsKey is the key holding the serialized inputs for identity.
func InputsKey(identity string) string { return identity + ":inputs" }

// OutputsKey is the key holding the serialized outputs for identity.
func OutputsKey(identity string) string { return identity + ":outputs" }

// Calls reads the call counter for identity. A missing counter is zero.
// @group Recorder
func (r *Recorder) Calls(ctx context.Context, identity string) (int64, error) {
	return readCounter(ctx, r.store, CounterKey(identity))
}

func (r *Recorder) count(ctx context.Context, identity string) error {
	n, err := r.store.Increment(ctx, CounterKey(identity), 1)
	if err != nil {
		return fmt.Errorf("count calls of %s: %w", identity, err)
	}
	r.logger.Debug("recorded call", "identity", identity, "calls", n)
	return nil
}

func (r *Recorder) appendInput(ctx context.Context, identity string, args ...any) error {
	body, err := r.serializer.Inputs(args...)
	if err != nil {
		return fmt.Errorf("serialize inputs of %s: %w", identity, err)
	}
	if _, err := r.store.Append(ctx, InputsKey(identity), body); err != nil {
		return fmt.Errorf("record inputs of %s: %w", identity, err)
	}
	return nil
}

func (r *Recorder) appendOutput(ctx context.Context, identity string, out any) error {
	body, err := r.serializer.Output(out)
	if err != nil {
		return fmt.Errorf("serialize output of %s: %w", identity, err)
	}
	if _, err := r.store.Append(ctx, OutputsKey(identity), body); err != nil {
		return fmt.Errorf("record output of %s: %w", identity, err)
	}
	return nil
}

// CountCalls wraps op so every invocation increments the identity counter
// before op runs.
// @group Recorder
func CountCalls[In, Out any](r *Recorder, identity string, op Operation[In, Out]) Operation[In, Out] {
	return func(ctx context.Context, in In) (Out, error) {
		if err := r.count(ctx, identity); err != nil {
			var zero Out
			return zero, err
		}
		return op(ctx, in)
	}
}

// CallHistory wraps op so its input is logged before it runs and its result
// after it returns. Failed invocations log no output.
//
// The two appends are independent, so concurrent callers of one identity
// can interleave the logs: a slow call's output lands after a faster call's
// output, and a replay then pairs inputs with the wrong outputs. Both logs
// still hold one entry per successful call.
// @group Recorder
func CallHistory[In, Out any](r *Recorder, identity string, op Operation[In, Out]) Operation[In, Out] {
	return func(ctx context.Context, in In) (Out, error) {
		var zero Out
		if err := r.appendInput(ctx, identity, in); err != nil {
			return zero, err
		}
		out, err := op(ctx, in)
		if err != nil {
			return zero, err
		}
		if err := r.appendOutput(ctx, identity, out); err != nil {
			return zero, err
		}
		return out, nil
	}
}

// Record combines CountCalls and CallHistory: count, log input, run, log
// output, return the result unchanged.
//
// The counter stays exact under concurrent calls. The input and output logs
// do not: see CallHistory. Serialize calls per identity when replay pairing
// matters.
// @group Recorder
func Record[In, Out any](r *Recorder, identity string, op Operation[In, Out]) Operation[In, Out] {
	return CountCalls(r, identity, CallHistory(r, identity, op))
}

// RecordArgs is Record for operations with positional arguments. Each
// argument becomes one element of the logged input array. Concurrent
// callers can interleave the logs as described on CallHistory.
// @group Recorder
func RecordArgs(r *Recorder, identity string, fn ArgsFunc) ArgsFunc {
	return func(ctx context.Context, args ...any) (any, error) {
		if err := r.count(ctx, identity); err != nil {
			return nil, err
		}
		if err := r.appendInput(ctx, identity, args...); err != nil {
			return nil, err
		}
		out, err := fn(ctx, args...)
		if err != nil {
			return nil, err
		}
		if err := r.appendOutput(ctx, identity, out); err != nil {
			return nil, err
		}
		return out, nil
	}
}
