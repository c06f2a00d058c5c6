// Package httpserver is the gateway's HTTP surface: the WebSocket
// upgrade endpoint, health check, static file serving for whatever
// browser UI an operator deploys alongside the binary, and the
// admin-only Prometheus/whitelist-reload endpoints.
package httpserver

import (
	"net/http"
	"path"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/incomudon/mumble-ws-gateway/internal/supervisor"
	"github.com/incomudon/mumble-ws-gateway/internal/whitelist"
)

// Config bundles what New needs to assemble the HTTP surface.
type Config struct {
	WebRoot   string
	CoopCoep  bool
	Whitelist *whitelist.Whitelist
	Admin     *AdminAuth
	Logger    *zap.Logger
}

// Server wraps the echo router plus the CORS-wrapping http.Handler the
// process's http.Server actually listens with.
type Server struct {
	Echo    *echo.Echo
	Handler http.Handler

	cfg        Config
	supervisor *supervisor.Supervisor
	upgrader   websocket.Upgrader
}

// New assembles the router. sup runs every upgraded WebSocket
// connection's lifecycle.
func New(cfg Config, sup *supervisor.Supervisor) *Server {
	if cfg.Admin == nil {
		cfg.Admin = &AdminAuth{mode: AdminAuthNone}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger(cfg.Logger))

	s := &Server{
		Echo:       e,
		cfg:        cfg,
		supervisor: sup,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	s.registerRoutes()

	s.Handler = cors.AllowAll().Handler(e)
	if cfg.CoopCoep {
		s.Handler = coopCoepMiddleware(s.Handler)
	}

	return s
}

func (s *Server) registerRoutes() {
	s.Echo.GET("/healthz", s.handleHealthz)
	s.Echo.GET("/ws", s.handleWebSocket)
	s.Echo.GET("/", s.handleRootOrWebSocket)

	admin := s.Echo.Group("", s.cfg.Admin.Middleware())
	admin.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	admin.POST("/admin/whitelist/reload", s.handleWhitelistReload)

	s.Echo.GET("/*", s.handleStatic)
}

func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// handleRootOrWebSocket lets "/" double as the WebSocket endpoint:
// it only upgrades when the request actually asks to, otherwise it
// falls through to static serving (typically the UI's index.html).
func (s *Server) handleRootOrWebSocket(c echo.Context) error {
	if isWebSocketUpgrade(c.Request()) {
		return s.handleWebSocket(c)
	}
	return s.handleStatic(c)
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func (s *Server) handleWebSocket(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return nil
	}
	s.supervisor.Serve(conn)
	return nil
}

func (s *Server) handleWhitelistReload(c echo.Context) error {
	if err := s.cfg.Whitelist.Reload(); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]int{"servers": s.cfg.Whitelist.Count()})
}

func (s *Server) handleStatic(c echo.Context) error {
	reqPath := c.Request().URL.Path
	if reqPath == "/" {
		reqPath = "/index.html"
	}
	full := path.Join(s.cfg.WebRoot, path.Clean(reqPath))

	for k, v := range cacheHeaders(reqPath) {
		c.Response().Header().Set(k, v)
	}
	return c.File(full)
}

// cacheHeaders picks the cache policy for a static asset path:
// immutable, far-future for hashed Next.js/asset bundles, conservative
// revalidate-always for everything else (HTML, in particular).
func cacheHeaders(reqPath string) map[string]string {
	if strings.HasPrefix(reqPath, "/_next/static/") || strings.HasPrefix(reqPath, "/assets/") {
		return map[string]string{"Cache-Control": "public, max-age=31536000, immutable"}
	}
	return map[string]string{"Cache-Control": "public, max-age=0, must-revalidate"}
}

func coopCoepMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Cross-Origin-Embedder-Policy", "require-corp")
		next.ServeHTTP(w, r)
	})
}

func requestLogger(logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			logger.Debug("httpserver: request",
				zap.String("method", c.Request().Method),
				zap.String("path", c.Request().URL.Path),
				zap.Int("status", c.Response().Status),
			)
			return err
		}
	}
}
