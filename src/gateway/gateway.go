// Package gateway exposes the session state to a local UI over HTTP
// and WebSocket. It ships state out and commands in; rendering is the
// UI's job.
package gateway

import (
	"strings"

	"github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	"github.com/partway/chat/src/session"
)

var upgrader = websocket.FastHTTPUpgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Command is an inbound UI instruction.
type Command struct {
	// Op is one of "input", "send".
	Op   string `json:"op"`
	Text string `json:"text,omitempty"`
}

// Gateway serves the local UI endpoints for one session.
type Gateway struct {
	session *session.Session
	logger  zerolog.Logger
	app     *fiber.App
	server  *fasthttp.Server
}

// New creates a gateway for the given session.
func New(sess *session.Session, logger zerolog.Logger) *Gateway {
	g := &Gateway{
		session: sess,
		logger:  logger.With().Str("component", "gateway").Logger(),
	}
	g.app = fiber.New()
	g.app.Get("/chat/info", g.handleInfo)
	g.app.Get("/chat/state", g.handleState)
	return g
}

func (g *Gateway) handleInfo(c fiber.Ctx) error {
	snap := g.session.Snapshot()
	return c.JSON(fiber.Map{
		"channel":  g.session.Channel(),
		"userId":   g.session.UserID(),
		"username": g.session.Username(),
		"messages": len(snap.Messages),
		"online":   len(snap.Online),
	})
}

func (g *Gateway) handleState(c fiber.Ctx) error {
	return c.JSON(g.session.Snapshot())
}

// Listen serves the gateway on addr and blocks until Shutdown.
func (g *Gateway) Listen(addr string) error {
	g.server = &fasthttp.Server{Handler: g.handler()}
	g.logger.Info().Str("addr", addr).Msg("gateway listening")
	return g.server.ListenAndServe(addr)
}

// Shutdown stops the gateway server.
func (g *Gateway) Shutdown() error {
	if g.server == nil {
		return nil
	}
	return g.server.Shutdown()
}

// handler routes the WebSocket upgrade at the raw fasthttp level,
// since Fiber does not expose *fasthttp.RequestCtx, and delegates
// everything else to the Fiber app.
func (g *Gateway) handler() fasthttp.RequestHandler {
	appHandler := g.app.Handler()
	return func(ctx *fasthttp.RequestCtx) {
		if string(ctx.Path()) == "/chat/ws" {
			g.handleWS(ctx)
			return
		}
		appHandler(ctx)
	}
}

func (g *Gateway) handleWS(ctx *fasthttp.RequestCtx) {
	upgrade := string(ctx.Request.Header.Peek("Upgrade"))
	if !strings.EqualFold(upgrade, "websocket") {
		ctx.SetStatusCode(fasthttp.StatusUpgradeRequired)
		ctx.SetBodyString(`{"error":"upgrade_required","message":"WebSocket upgrade required"}`)
		return
	}

	err := upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
		g.serveConn(conn)
	})
	if err != nil {
		g.logger.Error().Err(err).Msg("websocket upgrade failed")
	}
}

// serveConn pushes a snapshot on every session update and applies
// inbound commands until the UI disconnects.
func (g *Gateway) serveConn(conn *websocket.Conn) {
	defer conn.Close()

	updates, cancel := g.session.Subscribe()
	defer cancel()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			var cmd Command
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			g.apply(cmd)
		}
	}()

	if err := conn.WriteJSON(g.session.Snapshot()); err != nil {
		return
	}
	for {
		select {
		case <-updates:
			if err := conn.WriteJSON(g.session.Snapshot()); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

func (g *Gateway) apply(cmd Command) {
	switch cmd.Op {
	case "input":
		g.session.InputChanged(cmd.Text)
	case "send":
		if err := g.session.Send(cmd.Text); err != nil {
			g.logger.Warn().Err(err).Msg("send rejected")
		}
	default:
		g.logger.Debug().Str("op", cmd.Op).Msg("unknown command")
	}
}
