// Package ipc is the typed command surface the desktop shell invokes: a
// flat dispatch table mapping command names to handlers, every reply a
// Result<T, AppError> with a machine-readable kind and a human message.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mantragw/mantra-gateway/internal/adapters"
	"github.com/mantragw/mantra-gateway/internal/aggregator"
	"github.com/mantragw/mantra-gateway/internal/crypto"
	"github.com/mantragw/mantra-gateway/internal/db"
	"github.com/mantragw/mantra-gateway/internal/oauth"
	"github.com/mantragw/mantra-gateway/internal/process"
	"github.com/mantragw/mantra-gateway/internal/takeover"
	"github.com/mantragw/mantra-gateway/internal/transport"
	"github.com/rs/zerolog/log"
)

// ErrorKind is the machine-readable error taxonomy.
type ErrorKind string

const (
	KindInvalidInput       ErrorKind = "InvalidInput"
	KindNotFound           ErrorKind = "NotFound"
	KindDuplicateName      ErrorKind = "DuplicateName"
	KindInvalidFormat      ErrorKind = "InvalidFormat"
	KindIo                 ErrorKind = "Io"
	KindHashMismatch       ErrorKind = "HashMismatch"
	KindBackupFileMissing  ErrorKind = "BackupFileMissing"
	KindBackupHashMismatch ErrorKind = "BackupHashMismatch"
	KindTimeout            ErrorKind = "Timeout"
	KindProcessExited      ErrorKind = "ProcessExited"
	KindServiceNotFound    ErrorKind = "ServiceNotFound"
	KindCommunication      ErrorKind = "CommunicationError"
	KindNetwork            ErrorKind = "NetworkError"
	KindAuth               ErrorKind = "AuthError"
	KindInternal           ErrorKind = "Internal"
)

// AppError crosses the IPC boundary instead of a raw error.
type AppError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *AppError) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

func appErr(kind ErrorKind, format string, args ...interface{}) *AppError {
	return &AppError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// classify maps internal errors to the taxonomy.
func classify(err error) *AppError {
	var app *AppError
	if errors.As(err, &app) {
		return app
	}
	switch {
	case errors.Is(err, db.ErrNotFound):
		return appErr(KindNotFound, "%v", err)
	case errors.Is(err, db.ErrDuplicateName):
		return appErr(KindDuplicateName, "%v", err)
	case errors.Is(err, takeover.ErrBackupFileMissing):
		return appErr(KindBackupFileMissing, "%v", err)
	case errors.Is(err, takeover.ErrBackupHashMismatch):
		return appErr(KindBackupHashMismatch, "%v", err)
	case errors.Is(err, process.ErrTimeout):
		return appErr(KindTimeout, "%v", err)
	case errors.Is(err, process.ErrProcessExited):
		return appErr(KindProcessExited, "%v", err)
	case errors.Is(err, process.ErrServiceNotFound), errors.Is(err, aggregator.ErrServiceNotFound):
		return appErr(KindServiceNotFound, "%v", err)
	case errors.Is(err, transport.ErrUnauthorized),
		errors.Is(err, oauth.ErrStateMismatch),
		errors.Is(err, oauth.ErrTokenExpiredNoRefresh),
		errors.Is(err, oauth.ErrAuthorizationDenied),
		errors.Is(err, oauth.ErrNoToken):
		return appErr(KindAuth, "%v", err)
	case errors.Is(err, transport.ErrInvalidResponse):
		return appErr(KindCommunication, "%v", err)
	default:
		return appErr(KindInternal, "%v", err)
	}
}

// Handler is one command implementation.
type Handler func(ctx context.Context, payload json.RawMessage) (interface{}, error)

// Deps carries everything the command handlers reach into.
type Deps struct {
	DB         *db.DB
	Crypto     *crypto.CryptoManager
	Registry   *adapters.Registry
	Executor   *takeover.Executor
	Aggregator *aggregator.Aggregator
	Procs      *process.Manager
	OAuth      *oauth.Manager
	// Endpoint supplies the current gateway URL + token for injection.
	Endpoint func() takeover.GatewayEndpoint
}

// Dispatcher is the flat command table.
type Dispatcher struct {
	deps     Deps
	handlers map[string]Handler
}

func NewDispatcher(deps Deps) *Dispatcher {
	d := &Dispatcher{deps: deps, handlers: make(map[string]Handler)}
	d.registerEnvCommands()
	d.registerTakeoverCommands()
	d.registerInspectorCommands()
	d.registerProjectCommands()
	d.registerServiceCommands()
	return d
}

// Commands lists every registered command name.
func (d *Dispatcher) Commands() []string {
	out := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		out = append(out, name)
	}
	return out
}

func (d *Dispatcher) register(name string, h Handler) {
	if _, dup := d.handlers[name]; dup {
		panic("ipc: duplicate command " + name)
	}
	d.handlers[name] = h
}

// Dispatch invokes one command. The reply is the marshaled result;
// failures come back as *AppError, never as a raw error.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, payload json.RawMessage) (json.RawMessage, *AppError) {
	h, ok := d.handlers[name]
	if !ok {
		return nil, appErr(KindNotFound, "unknown command %q", name)
	}
	result, err := h(ctx, payload)
	if err != nil {
		app := classify(err)
		log.Debug().Str("command", name).Str("kind", string(app.Kind)).Msg(app.Message)
		return nil, app
	}
	raw, marshalErr := json.Marshal(result)
	if marshalErr != nil {
		return nil, appErr(KindInternal, "encode %s reply: %v", name, marshalErr)
	}
	return raw, nil
}

// decode unmarshals a command payload into its typed args struct.
func decode[T any](payload json.RawMessage) (T, error) {
	var args T
	if len(payload) == 0 {
		return args, nil
	}
	if err := json.Unmarshal(payload, &args); err != nil {
		var zero T
		return zero, appErr(KindInvalidFormat, "decode payload: %v", err)
	}
	return args, nil
}
