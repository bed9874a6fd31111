package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/uniport-net/uniport/internal/chat"
	intnet "github.com/uniport-net/uniport/internal/network"
	"github.com/uniport-net/uniport/internal/server"
)

// parseSessionID reads the :id path parameter (8 hex digits). It writes
// the error response itself.
func parseSessionID(c *gin.Context) (uint32, bool) {
	id, err := intnet.ParseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return 0, false
	}
	return id, true
}

// handleGetSessions lists the connected sessions.
func (s *Server) handleGetSessions(c *gin.Context) {
	sessions := s.manager.Sessions()
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

// handleGetSession returns one session and its last reported position.
func (s *Server) handleGetSession(c *gin.Context) {
	id, ok := parseSessionID(c)
	if !ok {
		return
	}
	sess, found := s.manager.Network().Session(id)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	resp := gin.H{"session": sess.Info()}
	if pos, ok := chat.LastPosition(sess); ok {
		resp["position"] = gin.H{"x": pos.X, "y": pos.Y, "z": pos.Z}
	}
	c.JSON(http.StatusOK, resp)
}

// handleKickSession closes a session. An optional ?reason= is sent to the
// peer first.
func (s *Server) handleKickSession(c *gin.Context) {
	id, ok := parseSessionID(c)
	if !ok {
		return
	}

	reason := c.Query("reason")
	if err := s.manager.Kick(id, reason, "api"); err != nil {
		if errors.Is(err, server.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	user, _ := c.Get("api_user")
	s.logger.Info().
		Str("session", intnet.FormatID(id)).
		Interface("user", user).
		Msg("API: session kicked")

	c.JSON(http.StatusOK, gin.H{
		"status":  "kicked",
		"session": intnet.FormatID(id),
	})
}

// handleBroadcast sends an operator notice to every peer.
func (s *Server) handleBroadcast(c *gin.Context) {
	var body struct {
		Text string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	report, err := s.manager.Announce(body.Text, "api")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "sent",
		"report": report,
	})
}
