package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "uniport",
		"version": s.manager.Version(),
	})
}

// handleGetServerInfo returns what a discovery datagram would: name, motd,
// player count and version, plus the bound addresses.
func (s *Server) handleGetServerInfo(c *gin.Context) {
	st := s.manager.Status()
	c.JSON(http.StatusOK, gin.H{
		"name":          st.Name,
		"motd":          st.Motd,
		"players":       st.Sessions,
		"version":       st.Version,
		"reliable_addr": st.ReliableAddr,
		"datagram_addr": st.DatagramAddr,
	})
}
