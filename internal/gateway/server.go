package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/aether/aether/internal/common/errors"
	gws "github.com/aether/aether/internal/gateway/websocket"
	v1 "github.com/aether/aether/pkg/api/v1"
)

// maxHookBody bounds inbound webhook request bodies.
const maxHookBody = 1 << 20

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server fronts the gateway with an HTTP listener: the WebSocket
// endpoint plus the small REST surface for bootstrapping and inbound
// webhooks.
type Server struct {
	gateway *Gateway
	http    *http.Server
	cancel  context.CancelFunc
}

// NewServer builds the router and the listener. Run the hub and accept
// connections with Start.
func NewServer(g *Gateway) *Server {
	if g.cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{gateway: g}
	s.registerRoutes(router)

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", g.cfg.Server.Host, g.cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  g.cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: g.cfg.Server.WriteTimeoutDuration(),
	}
	return s
}

func (s *Server) registerRoutes(router *gin.Engine) {
	g := s.gateway

	router.GET("/ws", s.handleWS)
	router.GET("/api/kernel", s.handleKernelInfo)

	api := router.Group("/api/auth")
	api.POST("/register", s.handleRegister)
	api.POST("/login", s.handleLogin)

	if g.inbound != nil {
		router.POST("/hook/:token", s.handleInboundHook)
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start runs the hub and the listener; it blocks until the listener
// stops.
func (s *Server) Start(ctx context.Context) error {
	hubCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.gateway.hub.Run(hubCtx)

	s.gateway.logger.Info("gateway listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		cancel()
		return err
	}
	return nil
}

// Shutdown drains the listener and closes every client connection.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	if s.cancel != nil {
		s.cancel()
	}
	return err
}

func (s *Server) handleWS(c *gin.Context) {
	g := s.gateway
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := gws.NewClient(uuid.NewString(), conn, g.hub, g.bus, g.auth, g.dispatcher, g.logger)
	g.hub.Register(client)

	// The request context dies when this handler returns; the hijacked
	// connection outlives it.
	go client.WritePump()
	go client.ReadPump(context.Background())
}

type credentialsBody struct {
	Username    string `json:"username" binding:"required"`
	Password    string `json:"password" binding:"required"`
	DisplayName string `json:"displayName"`
	TOTP        string `json:"totp"`
}

func (s *Server) handleRegister(c *gin.Context) {
	var body credentialsBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
		return
	}
	user, token, err := s.gateway.auth.Register(c.Request.Context(), body.Username, body.Password, body.DisplayName)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"user": user.Public(), "token": token})
}

func (s *Server) handleLogin(c *gin.Context) {
	var body credentialsBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
		return
	}
	user, token, err := s.gateway.auth.Login(c.Request.Context(), body.Username, body.Password, body.TOTP)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user.Public(), "token": token})
}

// handleKernelInfo reports liveness; with a valid bearer token it also
// returns cluster details.
func (s *Server) handleKernelInfo(c *gin.Context) {
	resp := gin.H{"status": "ok"}
	if header := c.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
		token := strings.TrimPrefix(header, "Bearer ")
		user, err := s.gateway.auth.VerifyToken(c.Request.Context(), token)
		if err != nil {
			s.writeError(c, err)
			return
		}
		resp["user"] = user.Public()
		if user.Role == v1.RoleAdmin {
			resp["cluster"] = s.gateway.kernel.Cluster()
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleInboundHook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxHookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	info, err := s.gateway.inbound.Trigger(c.Request.Context(), c.Param("token"), body)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"pid": info.PID})
}

func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) && appErr.HTTPStatus != 0 {
		status = appErr.HTTPStatus
	}
	c.JSON(status, gin.H{
		"error": apperrors.MessageOf(err),
		"code":  apperrors.CodeOf(err),
	})
}
