package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	log "github.com/nghyane/llm-rotor/internal/logging"
	"github.com/nghyane/llm-rotor/internal/usage"
)

const (
	// eventsWriteWait bounds one websocket write.
	eventsWriteWait = 10 * time.Second
	// eventsPongWait is how long a client may stay silent before the feed
	// drops it; pings go out at 9/10 of it.
	eventsPongWait   = 60 * time.Second
	eventsPingPeriod = eventsPongWait * 9 / 10
)

var eventsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The admin surface is already key-gated; dashboards connect cross-origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// usageStats serves GET /admin/usage. An optional ?provider= narrows the
// snapshot to one provider.
func (s *Server) usageStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"object":    "usage",
		"providers": s.rotor.Stats(c.Query("provider")),
	})
}

// forceRefresh serves POST /admin/refresh. Provider and credential filters
// come from the JSON body or query parameters; both empty means everything.
func (s *Server) forceRefresh(c *gin.Context) {
	providerName := c.Query("provider")
	credential := c.Query("credential")
	if body, err := c.GetRawData(); err == nil && len(body) > 0 && gjson.ValidBytes(body) {
		if v := gjson.GetBytes(body, "provider").String(); v != "" {
			providerName = v
		}
		if v := gjson.GetBytes(body, "credential").String(); v != "" {
			credential = v
		}
	}

	report := s.rotor.ForceRefresh(c.Request.Context(), providerName, credential)
	status := http.StatusOK
	if report.Requested == 0 {
		status = http.StatusNotFound
	}
	c.JSON(status, report)
}

// usageEvents serves GET /admin/events: a websocket that pushes usage
// snapshots as they are broadcast, with ping/pong keepalive.
func (s *Server) usageEvents(c *gin.Context) {
	ws, err := eventsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		log.Debugf("events upgrade failed: %v", err)
		return
	}
	defer ws.Close()

	updates, cancel := s.rotor.SubscribeStats()
	defer cancel()

	// First frame immediately so dashboards render without waiting a tick.
	if err := writeStatsFrame(ws, s.rotor.Stats("")); err != nil {
		return
	}

	readerDone := make(chan struct{})
	_ = ws.SetReadDeadline(time.Now().Add(eventsPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(eventsPongWait))
	})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(eventsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case snaps, ok := <-updates:
			if !ok {
				return
			}
			if err := writeStatsFrame(ws, snaps); err != nil {
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(eventsWriteWait)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Debugf("events ping failed: %v", err)
				return
			}
		case <-readerDone:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

func writeStatsFrame(ws *websocket.Conn, snaps []*usage.ProviderSnapshot) error {
	_ = ws.SetWriteDeadline(time.Now().Add(eventsWriteWait))
	return ws.WriteJSON(gin.H{
		"type":      "usage",
		"at":        time.Now().UTC().Format(time.RFC3339),
		"providers": snaps,
	})
}
