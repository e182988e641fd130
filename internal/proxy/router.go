package proxy

import (
	"log/slog"
	"net"
	"time"

	"github.com/fasthttp/router"
	"github.com/fasthttp/websocket"
	"github.com/valyala/fasthttp"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the gateway routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// upgrader accepts WebSocket attach requests from browser extensions and
// agents. Origin is not restricted: attachment is the trust boundary the
// deployment controls at the network level.
var upgrader = websocket.FastHTTPUpgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*fasthttp.RequestCtx) bool { return true },
}

// Handler builds the full routed and middleware-wrapped request handler.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	r.GET("/", g.handleRoot)
	r.GET("/health", g.handleHealth)
	r.GET("/stats", g.handleStats)
	r.GET("/v1/models", g.handleModels)
	r.GET("/ws", g.handleWS)
	r.POST("/v1/chat/completions", g.handleChatCompletions)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		observe(g.metrics),
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

// Start starts the HTTP server on addr (e.g. ":8080").
func (g *Gateway) Start(addr string, mgmt *ManagementRoutes) error {
	return g.server(mgmt).ListenAndServe(addr)
}

// Serve serves on an existing listener. Used by tests with in-memory listeners.
func (g *Gateway) Serve(ln net.Listener, mgmt *ManagementRoutes) error {
	return g.server(mgmt).Serve(ln)
}

func (g *Gateway) server(mgmt *ManagementRoutes) *fasthttp.Server {
	return &fasthttp.Server{
		Handler:      g.Handler(mgmt),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 180 * time.Second,
	}
}

// ── Route handlers ───────────────────────────────────────────────────────────

func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatchChat(ctx)
}

// handleWS upgrades the connection and hands the socket to the pool. The
// upgrade goroutine blocks in the session's read loop until disconnect.
func (g *Gateway) handleWS(ctx *fasthttp.RequestCtx) {
	err := upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
		g.hub.ServeConn(conn)
	})
	if err != nil {
		g.log.Warn("ws_upgrade_failed", slog.String("error", err.Error()))
	}
}

func (g *Gateway) handleRoot(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{
		"status":      "online",
		"service":     serviceName,
		"timestamp":   time.Now().UTC().Format(time.RFC3339Nano),
		"connections": g.hub.Snapshot(),
	})
}

// handleHealth reports degraded when no client is attached: the gateway
// process is fine but cannot serve completions.
func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	st := g.hub.Snapshot()
	status := "healthy"
	if st.Total == 0 {
		status = "degraded"
	}
	writeJSON(ctx, map[string]any{
		"status":             status,
		"active_connections": st.Total,
		"idle_connections":   st.Idle,
		"pending_requests":   st.Pending,
		"timestamp":          time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (g *Gateway) handleStats(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, g.hub.Snapshot())
}

// handleModels returns a static model list. The models a deployment actually
// serves depend on what the attached clients are logged into; these ids exist
// so OpenAI SDK clients that probe /v1/models before chatting keep working.
func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	created := time.Now().Unix()
	writeJSON(ctx, map[string]any{
		"object": "list",
		"data": []map[string]any{
			{"id": "gpt-3.5-turbo", "object": "model", "created": created, "owned_by": serviceName},
			{"id": "gpt-4", "object": "model", "created": created, "owned_by": serviceName},
		},
	})
}
