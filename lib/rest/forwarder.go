package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/ValentinKolb/dShard/lib/gateway"
)

// ErrMethodNotAllowed is returned for method names outside the allow-list
var ErrMethodNotAllowed = errors.New("rest: method not allowed for forwarding")

// Names of the forwardable REST operations
const (
	MethodFetchGatewayBot                  = "fetchGatewayBot"
	MethodFetchApplicationCommands         = "fetchApplicationCommands"
	MethodBulkOverwriteApplicationCommands = "bulkOverwriteApplicationCommands"
)

// CommandsArgs are the arguments of the application command methods.
// An empty ApplicationID is derived from the token.
type CommandsArgs struct {
	ApplicationID string                       `json:"application_id,omitempty"`
	Commands      []gateway.ApplicationCommand `json:"commands,omitempty"`
}

// MethodFunc executes one forwardable REST operation
type MethodFunc func(ctx context.Context, args json.RawMessage) (any, error)

// Forwarder executes REST operations by name. Only methods registered in the
// allow-list can be called.
type Forwarder struct {
	methods map[string]MethodFunc
}

// NewForwarder creates a forwarder exposing the default allow-list on top of
// the given client. token is used to derive the application id.
func NewForwarder(c IRestClient, token string) *Forwarder {
	f := &Forwarder{methods: make(map[string]MethodFunc)}

	appID := func(args CommandsArgs) (string, error) {
		if args.ApplicationID != "" {
			return args.ApplicationID, nil
		}
		return ApplicationIDFromToken(token)
	}

	f.methods[MethodFetchGatewayBot] = func(ctx context.Context, _ json.RawMessage) (any, error) {
		return c.FetchGatewayBot(ctx)
	}
	f.methods[MethodFetchApplicationCommands] = func(ctx context.Context, raw json.RawMessage) (any, error) {
		args, err := decodeArgs[CommandsArgs](raw)
		if err != nil {
			return nil, err
		}
		id, err := appID(args)
		if err != nil {
			return nil, err
		}
		return c.FetchApplicationCommands(ctx, id)
	}
	f.methods[MethodBulkOverwriteApplicationCommands] = func(ctx context.Context, raw json.RawMessage) (any, error) {
		args, err := decodeArgs[CommandsArgs](raw)
		if err != nil {
			return nil, err
		}
		id, err := appID(args)
		if err != nil {
			return nil, err
		}
		return c.BulkOverwriteApplicationCommands(ctx, id, args.Commands)
	}
	return f
}

// Call executes the named method and returns its JSON encoded result
func (f *Forwarder) Call(ctx context.Context, method string, args json.RawMessage) (json.RawMessage, error) {
	fn, ok := f.methods[method]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMethodNotAllowed, method)
	}
	result, err := fn(ctx, args)
	if err != nil {
		return nil, err
	}
	return json.Marshal(result)
}

// Allowed reports whether method is part of the allow-list
func (f *Forwarder) Allowed(method string) bool {
	_, ok := f.methods[method]
	return ok
}

// Methods returns the allow-list in alphabetical order
func (f *Forwarder) Methods() []string {
	names := make([]string, 0, len(f.methods))
	for name := range f.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func decodeArgs[T any](raw json.RawMessage) (T, error) {
	var args T
	if len(raw) == 0 || string(raw) == "null" {
		return args, nil
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return args, fmt.Errorf("invalid arguments: %w", err)
	}
	return args, nil
}
