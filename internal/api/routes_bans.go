package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/uniport-net/uniport/internal/db"
)

// defaultHistoryLimit is used when ?limit= is missing or invalid.
const defaultHistoryLimit = 50

// handleGetHistory returns recent session history rows.
func (s *Server) handleGetHistory(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultHistoryLimit)))
	if err != nil || limit <= 0 || limit > 1000 {
		limit = defaultHistoryLimit
	}

	rows, err := s.manager.History(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"history": rows,
		"total":   len(rows),
	})
}

// handleGetBans lists the active bans.
func (s *Server) handleGetBans(c *gin.Context) {
	bans, err := s.manager.Bans()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"bans":  bans,
		"total": len(bans),
	})
}

// handleAddBan bans an IP address. Minutes of zero ban permanently.
func (s *Server) handleAddBan(c *gin.Context) {
	var body struct {
		IP      string `json:"ip" binding:"required"`
		Reason  string `json:"reason"`
		Minutes int    `json:"minutes" binding:"min=0"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ban, kicked, err := s.manager.Ban(body.IP, body.Reason, time.Duration(body.Minutes)*time.Minute, "api")
	if err != nil {
		if errors.Is(err, db.ErrInvalidIP) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ip address"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "banned",
		"ban":    ban,
		"kicked": kicked,
	})
}

// handleRemoveBan lifts a ban.
func (s *Server) handleRemoveBan(c *gin.Context) {
	ip := c.Param("ip")
	if err := s.manager.Unban(ip); err != nil {
		switch {
		case errors.Is(err, db.ErrInvalidIP):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ip address"})
		case errors.Is(err, db.ErrBanNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "ban not found"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "unbanned", "ip": ip})
}
