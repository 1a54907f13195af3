package recall

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Trace is the recorded history of one operation identity.
type Trace struct {
	Identity string
	Calls    int64
	Inputs   []string
	Outputs  []string
}

// Replay reads the counter and call logs written by a Recorder for identity.
// A missing counter reads as zero calls.
// @group Replay
//
// Example: print a trace
//
//	ctx := context.Background()
//	s := recall.NewMemoryStore(ctx)
//	c := recall.NewCache(s)
//	_, _ = c.Store("Ada")
//	trace, _ := recall.Replay(ctx, s, "Cache.Store")
//	fmt.Println(trace.Lines()[0]) // Cache.Store was called 1 times:
func Replay(ctx context.Context, store Store, identity string) (Trace, error) {
	calls, err := readCounter(ctx, store, CounterKey(identity))
	if err != nil {
		return Trace{}, err
	}
	inputs, err := store.Range(ctx, InputsKey(identity), 0, -1)
	if err != nil {
		return Trace{}, fmt.Errorf("read inputs of %s: %w", identity, err)
	}
	outputs, err := store.Range(ctx, OutputsKey(identity), 0, -1)
	if err != nil {
		return Trace{}, fmt.Errorf("read outputs of %s: %w", identity, err)
	}
	return Trace{
		Identity: identity,
		Calls:    calls,
		Inputs:   toStrings(inputs),
		Outputs:  toStrings(outputs),
	}, nil
}

// Replay reads the trace recorded for identity and logs a debug line when
// the counter and logs disagree.
// @group Replay
func (r *Recorder) Replay(ctx context.Context, identity string) (Trace, error) {
	trace, err := Replay(ctx, r.store, identity)
	if err != nil {
		return Trace{}, err
	}
	if !trace.Consistent() {
		r.logger.Debug("replay mismatch", "identity", identity, "calls", trace.Calls, "inputs", len(trace.Inputs), "outputs", len(trace.Outputs))
	}
	return trace, nil
}

// Lines renders the trace. Inputs and outputs are paired in order and the
// longer log is truncated. Pairing is positional: when calls overlapped, an
// input may be shown with another call's output, and Consistent cannot tell.
func (t Trace) Lines() []string {
	n := min(len(t.Inputs), len(t.Outputs))
	lines := make([]string, 0, n+1)
	lines = append(lines, fmt.Sprintf("%s was called %d times:", t.Identity, t.Calls))
	for i := 0; i < n; i++ {
		lines = append(lines, fmt.Sprintf("%s(*%s) -> %s", t.Identity, t.Inputs[i], t.Outputs[i]))
	}
	return lines
}

// Consistent reports whether the counter and both logs have the same length.
func (t Trace) Consistent() bool {
	return int64(len(t.Inputs)) == t.Calls && len(t.Inputs) == len(t.Outputs)
}

// Diagnostic describes a count mismatch, or returns "" for a consistent trace.
func (t Trace) Diagnostic() string {
	if t.Consistent() {
		return ""
	}
	return fmt.Sprintf("%s: %d calls, %d inputs, %d outputs; replay shows %d pairs",
		t.Identity, t.Calls, len(t.Inputs), len(t.Outputs), min(len(t.Inputs), len(t.Outputs)))
}

// WriteTo writes Lines to w, one per line.
func (t Trace) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	for _, line := range t.Lines() {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	n, err := io.WriteString(w, b.String())
	return int64(n), err
}

func readCounter(ctx context.Context, store Store, key string) (int64, error) {
	body, ok, err := store.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, &DecodeError{Key: key, Mode: "integer", Err: err}
	}
	return n, nil
}

func toStrings(items [][]byte) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = string(item)
	}
	return out
}
