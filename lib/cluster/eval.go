package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/ValentinKolb/dShard/rpc/common"
)

// EvalFunc is a named remote operation. Args is the raw JSON sent by the caller.
type EvalFunc func(ctx context.Context, args json.RawMessage) (any, error)

// EvalRegistry is the allow-list of operations an EVAL may name. There is no
// way to run code that was not registered up front.
type EvalRegistry struct {
	mu    sync.RWMutex
	funcs map[string]EvalFunc
}

// NewEvalRegistry creates an empty registry
func NewEvalRegistry() *EvalRegistry {
	return &EvalRegistry{funcs: make(map[string]EvalFunc)}
}

// Register adds or replaces an evaluator
func (r *EvalRegistry) Register(code string, fn EvalFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[code] = fn
}

// Names returns all registered codes, sorted
func (r *EvalRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute runs the evaluator named by the request. Errors and panics are
// reduced to their serialized form, Execute itself never fails.
func (r *EvalRegistry) Execute(ctx context.Context, req *common.EvalRequest) (resp *common.EvalResponse) {
	r.mu.RLock()
	fn, ok := r.funcs[req.Code]
	r.mu.RUnlock()

	if !ok {
		return &common.EvalResponse{
			Error: common.SerializeError(fmt.Errorf("%w: %s", ErrUnknownEval, req.Code), ""),
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			Logger.Errorf("Eval %s panicked: %v", req.Code, rec)
			resp = &common.EvalResponse{
				Error: &common.SerializedError{
					Name:    "Panic",
					Message: fmt.Sprint(rec),
					Stack:   string(debug.Stack()),
				},
			}
		}
	}()

	result, err := fn(ctx, req.Args)
	if err != nil {
		return &common.EvalResponse{Error: common.SerializeError(err, "")}
	}
	if result == nil {
		return &common.EvalResponse{}
	}

	data, err := json.Marshal(result)
	if err != nil {
		return &common.EvalResponse{Error: common.SerializeError(fmt.Errorf("eval %s: unencodable result: %w", req.Code, err), "")}
	}
	return &common.EvalResponse{Result: data}
}
