package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// listModels serves GET /v1/models with the aggregated catalog across every
// configured provider, ids prefixed provider/model.
func (s *Server) listModels(c *gin.Context) {
	models := s.rotor.AllModels(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   models,
	})
}
