package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"whatsapp-karl-bot/types"
	"whatsapp-karl-bot/utils"
	"whatsapp-karl-bot/whatsapp"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/skip2/go-qrcode"
)

// Controller is what the HTTP surface needs from the bot
type Controller interface {
	Status() types.BotStatus
	Connected() bool
	Uptime() time.Duration
	Phone() string
	LatestQR() string
	Start(ctx context.Context) error
	// Pair reconnects unless the connection is open, then requests a pairing code
	Pair(ctx context.Context) (types.PairingRecord, error)
	SendText(ctx context.Context, to, text string) (types.SendResult, error)
}

var routes = []string{
	"GET /",
	"GET /health",
	"GET /status",
	"GET /qr",
	"GET /metrics",
	"POST /pair",
	"POST /start",
	"POST /send/:number",
}

// Server holds the routes of the management API
type Server struct {
	bot         Controller
	logger      zerolog.Logger
	name        string
	development bool
}

// New builds the gin engine. Detailed panic messages are only returned in development.
func New(bot Controller, name string, development bool, logger zerolog.Logger) *gin.Engine {
	s := &Server{
		bot:         bot,
		logger:      logger.With().Str("component", "http").Logger(),
		name:        name,
		development: development,
	}

	if !development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(s.requestLogger(), gin.CustomRecovery(s.recovery))

	r.GET("/", s.index)
	r.GET("/health", s.health)
	r.GET("/status", s.status)
	r.GET("/qr", s.qr)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.POST("/pair", s.pair)
	r.POST("/start", s.start)
	r.POST("/send/:number", s.send)
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found", "available": routes})
	})
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

func (s *Server) recovery(c *gin.Context, recovered any) {
	s.logger.Error().Interface("panic", recovered).Str("path", c.Request.URL.Path).Msg("handler panicked")
	message := "Something went wrong"
	if s.development {
		message = fmt.Sprint(recovered)
	}
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal server error", "message": message})
}

func (s *Server) index(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service":   s.name + " WhatsApp AI assistant",
		"status":    "running",
		"connected": s.bot.Connected(),
		"endpoints": routes,
	})
}

func (s *Server) health(c *gin.Context) {
	wa := "disconnected"
	if s.bot.Connected() {
		wa = "connected"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"service":   s.name,
		"whatsapp":  wa,
		"uptime":    s.bot.Uptime().Seconds(),
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.bot.Status())
}

func (s *Server) qr(c *gin.Context) {
	code := s.bot.LatestQR()
	if code == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "QR code not available"})
		return
	}
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to render QR code", "message": err.Error()})
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

func (s *Server) pair(c *gin.Context) {
	record, err := s.bot.Pair(c.Request.Context())
	switch {
	case errors.Is(err, whatsapp.ErrAlreadyPaired):
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": "Already paired", "message": err.Error()})
		return
	case err != nil:
		s.logger.Warn().Err(err).Msg("pairing request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to get pairing code", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"message":      "Pairing code generated",
		"phone":        record.Phone,
		"code":         record.Code,
		"instructions": whatsapp.PairingInstructions,
	})
}

func (s *Server) start(c *gin.Context) {
	if err := s.bot.Start(c.Request.Context()); err != nil {
		s.logger.Error().Err(err).Msg("manual start failed")
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to start WhatsApp connection", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"message":   "WhatsApp connection started",
		"status":    s.bot.Status(),
		"endpoints": routes,
	})
}

type sendRequest struct {
	Message string `json:"message"`
}

func (s *Server) send(c *gin.Context) {
	var req sendRequest
	// an empty or malformed body is treated as a missing message
	_ = c.ShouldBindJSON(&req)
	if req.Message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Message required"})
		return
	}

	jid, err := utils.PhoneToJID(c.Param("number"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid phone number"})
		return
	}

	res, err := s.bot.SendText(c.Request.Context(), jid.String(), req.Message)
	if err != nil {
		s.logger.Error().Err(err).Str("to", jid.String()).Msg("send failed")
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to send message", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Message sent", "to": res.To, "id": res.ID})
}
