package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// reply is the wire shape every IPC invocation returns: exactly one of
// Result or Error is set.
type reply struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *AppError       `json:"error,omitempty"`
}

// ServeUnix exposes the dispatch table to the desktop shell over a
// unix-domain socket: POST /invoke/<command> with the JSON payload as the
// body. The socket is owner-only; the filesystem is the auth boundary.
func ServeUnix(ctx context.Context, socketPath string, d *Dispatcher) error {
	_ = os.Remove(socketPath)
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return err
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		listener.Close()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/invoke/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimPrefix(r.URL.Path, "/invoke/")
		body, _ := io.ReadAll(r.Body)
		var payload json.RawMessage
		if len(bytes.TrimSpace(body)) > 0 {
			payload = body
		}
		result, appError := d.Dispatch(r.Context(), command, payload)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(reply{Result: result, Error: appError})
	})

	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		_ = os.Remove(socketPath)
	}()

	log.Info().Str("socket", socketPath).Msg("ipc bridge listening")
	err = server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
