package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"path"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/conneroisu/devloop/internal/errors"
	"github.com/conneroisu/devloop/internal/logging"
	"github.com/conneroisu/devloop/internal/plugins"
	"github.com/conneroisu/devloop/internal/validation"
	"github.com/conneroisu/devloop/internal/watcher"
)

const (
	LiveReloadName           = "livereload"
	DefaultLiveReloadAddress = "127.0.0.1:35729"
	DefaultLiveReloadPath    = "/livereload"

	writeTimeout   = 5 * time.Second
	sendBufferSize = 16
)

// DefaultAssetPatterns are the browser assets reloaded without a restart.
var DefaultAssetPatterns = []string{
	"static/**/*.{html,css,js}",
	"web/**/*.{html,css,js}",
}

// Message types sent to browsers.
const (
	MessageRestarting = "restarting"
	MessageReload     = "reload"
	MessageCSS        = "css"
)

// Message is the JSON payload broadcast to connected browsers.
type Message struct {
	Type string    `json:"type"`
	File string    `json:"file,omitempty"`
	Time time.Time `json:"time"`
}

// LiveReloadOptions configures the livereload plugin.
type LiveReloadOptions struct {
	Address string
	Path    string
	// AllowedOrigins lists hosts browsers may connect from besides localhost.
	AllowedOrigins []string
	AssetPatterns  []string
}

// LiveReload tells connected browsers to reload around restarts and when
// static assets change.
type LiveReload struct {
	opts   LiveReloadOptions
	logger logging.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewLiveReload creates the plugin. The server starts in OnInitialize.
func NewLiveReload(opts LiveReloadOptions, logger logging.Logger) *LiveReload {
	if opts.Address == "" {
		opts.Address = DefaultLiveReloadAddress
	}
	if opts.Path == "" {
		opts.Path = DefaultLiveReloadPath
	}
	if len(opts.AssetPatterns) == 0 {
		opts.AssetPatterns = DefaultAssetPatterns
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	return &LiveReload{
		opts:    opts,
		logger:  logger.WithComponent(LiveReloadName),
		clients: make(map[*client]struct{}),
	}
}

// Plugin returns the plugin record.
func (lr *LiveReload) Plugin() *plugins.Plugin {
	return &plugins.Plugin{
		Name:        LiveReloadName,
		Description: "Reloads connected browsers after restarts and on static asset changes",
		Watcher: plugins.WatcherSettings{
			WatchFilePatterns: lr.opts.AssetPatterns,
			Listeners: plugins.ListenerSettings{
				App:    plugins.AppListenerSettings{IgnoreFilePatterns: lr.opts.AssetPatterns},
				Plugin: plugins.PluginListenerSettings{AllowFilePatterns: lr.opts.AssetPatterns},
			},
		},
		Hooks: plugins.Hooks{
			OnInitialize: lr.Start,
			OnShutdown:   lr.Stop,
			OnBeforeWatcherRestart: func(ctx context.Context) error {
				lr.Broadcast(Message{Type: MessageRestarting})
				return nil
			},
			OnAfterWatcherRestart: func(ctx context.Context) error {
				lr.Broadcast(Message{Type: MessageReload})
				return nil
			},
			OnFileWatcherEvent: lr.handleAssetEvent,
		},
	}
}

// Start listens on the configured address and serves the websocket endpoint.
func (lr *LiveReload) Start(ctx context.Context) error {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	if lr.server != nil {
		return nil
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", lr.opts.Address)
	if err != nil {
		return errors.NewConfigError(errors.ErrCodeConfigInvalid, "livereload listen failed", err).
			WithContext("address", lr.opts.Address)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(lr.opts.Path, lr.handleWebSocket)
	mux.HandleFunc(lr.opts.Path+".js", lr.handleScript)

	lr.listener = ln
	lr.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := lr.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			lr.logger.Error(context.Background(), err, "Livereload server stopped")
		}
	}()

	lr.logger.Info(ctx, "Livereload listening", "address", ln.Addr().String(), "path", lr.opts.Path)
	return nil
}

// Stop closes every client and shuts the server down.
func (lr *LiveReload) Stop(ctx context.Context) error {
	lr.mu.Lock()
	server := lr.server
	lr.server = nil
	lr.listener = nil
	lr.mu.Unlock()

	if server == nil {
		return nil
	}

	lr.clientsMu.Lock()
	for c := range lr.clients {
		close(c.send)
		delete(lr.clients, c)
	}
	lr.clientsMu.Unlock()

	return server.Shutdown(ctx)
}

// Addr returns the bound address, or "" before Start.
func (lr *LiveReload) Addr() string {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	if lr.listener == nil {
		return ""
	}
	return lr.listener.Addr().String()
}

// Clients returns the number of connected browsers.
func (lr *LiveReload) Clients() int {
	lr.clientsMu.RLock()
	defer lr.clientsMu.RUnlock()
	return len(lr.clients)
}

// Broadcast sends msg to every connected browser. Clients whose buffer is
// full are disconnected.
func (lr *LiveReload) Broadcast(msg Message) {
	if msg.Time.IsZero() {
		msg.Time = time.Now()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		lr.logger.Error(context.Background(), err, "Failed to encode livereload message")
		return
	}

	lr.clientsMu.Lock()
	defer lr.clientsMu.Unlock()

	for c := range lr.clients {
		select {
		case c.send <- payload:
		default:
			close(c.send)
			delete(lr.clients, c)
		}
	}

	lr.logger.Debug(context.Background(), "Livereload broadcast", "type", msg.Type, "file", msg.File, "clients", len(lr.clients))
}

func (lr *LiveReload) handleAssetEvent(ctx context.Context, ev watcher.ChangeEvent, _ plugins.Controls) error {
	msgType := MessageReload
	if path.Ext(ev.File) == ".css" && ev.Kind != watcher.KindUnlink {
		msgType = MessageCSS
	}
	lr.Broadcast(Message{Type: msgType, File: ev.File})
	return nil
}

func (lr *LiveReload) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if origin := r.Header.Get("Origin"); origin != "" {
		allowed := append([]string{"localhost", "127.0.0.1", "::1"}, lr.opts.AllowedOrigins...)
		if err := validation.ValidateOrigin(origin, allowed); err != nil {
			lr.logger.Warn(r.Context(), err, "Livereload connection rejected", "origin", origin)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Origins are validated above.
		OriginPatterns:  []string{"*"},
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		lr.logger.Debug(r.Context(), "Websocket upgrade failed", "error", err.Error())
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBufferSize)}
	lr.clientsMu.Lock()
	lr.clients[c] = struct{}{}
	lr.clientsMu.Unlock()

	// Browsers never send anything; CloseRead handles pings and close frames.
	ctx := conn.CloseRead(context.Background())
	lr.writePump(ctx, c)

	lr.clientsMu.Lock()
	if _, ok := lr.clients[c]; ok {
		close(c.send)
		delete(lr.clients, c)
	}
	lr.clientsMu.Unlock()
}

func (lr *LiveReload) writePump(ctx context.Context, c *client) {
	defer c.conn.Close(websocket.StatusNormalClosure, "")

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-c.send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

const liveReloadScript = `(function () {
  var url = (location.protocol === "https:" ? "wss://" : "ws://") + %q + %q;
  function connect() {
    var ws = new WebSocket(url);
    ws.onmessage = function (e) {
      var msg = JSON.parse(e.data);
      if (msg.type === "reload") { location.reload(); }
      if (msg.type === "css") {
        document.querySelectorAll('link[rel="stylesheet"]').forEach(function (l) {
          var u = new URL(l.href); u.searchParams.set("devloop", Date.now()); l.href = u.toString();
        });
      }
    };
    ws.onclose = function () { setTimeout(connect, 500); };
  }
  connect();
})();
`

func (lr *LiveReload) handleScript(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/javascript")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = fmt.Fprintf(w, liveReloadScript, r.Host, lr.opts.Path)
}
