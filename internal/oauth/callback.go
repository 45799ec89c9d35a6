package oauth

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// CallbackResult is what the browser leg delivered: either a code+state
// pair or the provider's error.
type CallbackResult struct {
	Code           string
	State          string
	Err            string
	ErrDescription string
}

// Denied reports whether the provider refused authorization.
func (r CallbackResult) Denied() bool { return r.Err != "" }

// callbackServer is the ephemeral loopback HTTP server that receives the
// provider redirect. It serves exactly one callback, then the manager
// closes it.
type callbackServer struct {
	listener net.Listener
	server   *http.Server
	result   chan CallbackResult
	once     sync.Once
}

func newCallbackServer(port int) (*callbackServer, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("oauth: bind callback port: %w", err)
	}

	cs := &callbackServer{
		listener: listener,
		result:   make(chan CallbackResult, 1),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/callback", cs.handle)
	cs.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go cs.server.Serve(listener) //nolint:errcheck // closed via Close

	return cs, nil
}

// Port returns the bound loopback port (OS-assigned when created with 0).
func (cs *callbackServer) Port() int {
	return cs.listener.Addr().(*net.TCPAddr).Port
}

// Result returns the one-shot delivery channel.
func (cs *callbackServer) Result() <-chan CallbackResult { return cs.result }

func (cs *callbackServer) handle(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res := CallbackResult{
		Code:           q.Get("code"),
		State:          q.Get("state"),
		Err:            q.Get("error"),
		ErrDescription: q.Get("error_description"),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if res.Denied() {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, errorPage, htmlEscape(res.Err), htmlEscape(res.ErrDescription))
	} else {
		fmt.Fprint(w, successPage)
	}

	cs.once.Do(func() { cs.result <- res })
}

// Close tears the server down; safe to call more than once.
func (cs *callbackServer) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = cs.server.Shutdown(ctx)
}

func htmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
	return r.Replace(s)
}

// revoke POSTs the token to the provider's revocation endpoint (RFC 7009).
func revoke(ctx context.Context, revokeURL, clientID, clientSecret, token string) error {
	form := url.Values{}
	form.Set("token", token)
	form.Set("token_type_hint", "access_token")
	form.Set("client_id", clientID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if clientSecret != "" {
		req.SetBasicAuth(clientID, clientSecret)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("oauth: revoke returned status %d", resp.StatusCode)
	}
	return nil
}

const successPage = `<!doctype html>
<html><head><title>Connected</title><style>
body{font-family:system-ui,sans-serif;display:flex;align-items:center;justify-content:center;height:100vh;margin:0;background:#f6f7f9}
.card{background:#fff;border-radius:12px;padding:40px 48px;box-shadow:0 4px 24px rgba(0,0,0,.08);text-align:center}
h1{font-size:20px;margin:0 0 8px;color:#16a34a}p{margin:0;color:#475569}
</style></head><body><div class="card">
<h1>Connected</h1><p>Authorization complete. You can close this window.</p>
</div><script>setTimeout(function(){window.close()},1500)</script></body></html>
`

const errorPage = `<!doctype html>
<html><head><title>Authorization failed</title><style>
body{font-family:system-ui,sans-serif;display:flex;align-items:center;justify-content:center;height:100vh;margin:0;background:#f6f7f9}
.card{background:#fff;border-radius:12px;padding:40px 48px;box-shadow:0 4px 24px rgba(0,0,0,.08);text-align:center;max-width:480px}
h1{font-size:20px;margin:0 0 8px;color:#dc2626}p{margin:0;color:#475569}code{color:#0f172a}
</style></head><body><div class="card">
<h1>Authorization failed</h1><p><code>%s</code></p><p>%s</p>
</div></body></html>
`
