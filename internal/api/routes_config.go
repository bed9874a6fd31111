package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/uniport-net/uniport/internal/config"
	"github.com/uniport-net/uniport/internal/events"
)

// handleGetConfig returns the current configuration with secrets masked.
func (s *Server) handleGetConfig(c *gin.Context) {
	app := s.cfg.GetApplicationData()
	if app.API.Token != "" {
		app.API.Token = "********"
	}
	c.JSON(http.StatusOK, gin.H{
		"server":           s.cfg.GetServer(),
		"application_data": app,
	})
}

// handleSetConfig updates one field, validates the result and saves it.
// Networking changes apply on the next start; filter changes immediately.
func (s *Server) handleSetConfig(c *gin.Context) {
	var body struct {
		Section string      `json:"section" binding:"required,oneof=server application_data"`
		Key     string      `json:"key" binding:"required"`
		Value   interface{} `json:"value"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	prevServer, prevApp := s.cfg.GetServer(), s.cfg.GetApplicationData()

	var err error
	if body.Section == "server" {
		err = s.cfg.UpdateServerField(body.Key, body.Value)
	} else {
		err = s.cfg.UpdateAppField(body.Key, body.Value)
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if result := config.Validate(s.cfg); !result.IsValid() {
		s.cfg.SetServer(prevServer)
		s.cfg.SetApplicationData(prevApp)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid configuration", "details": result.Errors})
		return
	}

	if s.cfg.Path() != "" {
		if err := s.cfg.Save(); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save config"})
			return
		}
	}

	s.eventBus.Emit(c.Request.Context(), events.Event{
		Type:   events.EventConfigChanged,
		Source: "api",
		Payload: events.ConfigChangedPayload{
			Section: body.Section,
			Key:     body.Key,
			Value:   body.Value,
		},
	})

	user, _ := c.Get("api_user")
	s.logger.Info().
		Str("section", body.Section).
		Str("key", body.Key).
		Interface("user", user).
		Msg("API: configuration updated")

	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}
