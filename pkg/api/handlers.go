package api

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-mesh/pkg/mesh"
	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// HealthResponse contains node health information
type HealthResponse struct {
	Status         string           `json:"status"` // "healthy", "degraded", "unhealthy"
	State          mesh.EngineState `json:"state"`
	ConnectedPeers int              `json:"connected_peers"`
	Uptime         string           `json:"uptime"`
}

// NodeInfoResponse describes this node
type NodeInfoResponse struct {
	LocalID     protocol.PeerID  `json:"local_id"`
	SessionID   string           `json:"session_id"`
	State       mesh.EngineState `json:"state"`
	BatteryMode mesh.BatteryMode `json:"battery_mode"`
	DutyCycle   DutyCycleInfo    `json:"duty_cycle"`
	StartedAt   time.Time        `json:"started_at"`
}

// DutyCycleInfo is a DutyCycle in milliseconds
type DutyCycleInfo struct {
	ScanActiveMs   int64 `json:"scan_active_ms"`
	ScanPauseMs    int64 `json:"scan_pause_ms"`
	MaxConnections int   `json:"max_connections"`
}

// PeersResponse lists the peer table
type PeersResponse struct {
	Count     int         `json:"count"`
	Connected int         `json:"connected"`
	Peers     []mesh.Peer `json:"peers"`
}

// CacheResponse lists the store-and-forward cache
type CacheResponse struct {
	Count    int            `json:"count"`
	Messages []CachedPacket `json:"messages"`
}

// CachedPacket summarizes one cached packet
type CachedPacket struct {
	ID        protocol.MessageID   `json:"id"`
	Type      protocol.MessageType `json:"type"`
	Sender    protocol.PeerID      `json:"sender"`
	Recipient protocol.PeerID      `json:"recipient,omitempty"`
	TTL       uint8                `json:"ttl"`
	Timestamp uint64               `json:"timestamp"`
	Size      int                  `json:"size"`
	StoredAt  time.Time            `json:"stored_at"`
}

// ArchiveResponse lists archived packets
type ArchiveResponse struct {
	Total   int            `json:"total"`
	Packets []CachedPacket `json:"packets"`
}

// BatteryModeRequest switches the duty cycle
type BatteryModeRequest struct {
	Mode *mesh.BatteryMode `json:"mode" binding:"required"`
}

// SendMessageRequest originates a packet. Exactly one of Text and Data
// (base64) carries the payload.
type SendMessageRequest struct {
	Type      string `json:"type"`
	Recipient string `json:"recipient"`
	Text      string `json:"text"`
	Data      string `json:"data"`
}

// SendMessageResponse reports the originated message ID
type SendMessageResponse struct {
	ID protocol.MessageID `json:"id"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(c *gin.Context) {
	stats := s.node.Stats()

	status, code := "healthy", http.StatusOK
	switch {
	case stats.State != mesh.StateActive:
		status, code = "unhealthy", http.StatusServiceUnavailable
	case stats.ConnectedPeers == 0:
		status = "degraded"
	}

	c.JSON(code, HealthResponse{
		Status:         status,
		State:          stats.State,
		ConnectedPeers: stats.ConnectedPeers,
		Uptime:         formatDuration(stats.Uptime),
	})
}

// handleNodeInfo handles GET /api/v1/node
func (s *Server) handleNodeInfo(c *gin.Context) {
	dc := s.node.DutyCycle()
	c.JSON(http.StatusOK, NodeInfoResponse{
		LocalID:     s.node.LocalID(),
		SessionID:   s.node.SessionID(),
		State:       s.node.State(),
		BatteryMode: s.node.BatteryMode(),
		DutyCycle: DutyCycleInfo{
			ScanActiveMs:   dc.ScanActive.Milliseconds(),
			ScanPauseMs:    dc.ScanPause.Milliseconds(),
			MaxConnections: dc.MaxConnections,
		},
		StartedAt: s.startedAt,
	})
}

// handlePeers handles GET /api/v1/peers
func (s *Server) handlePeers(c *gin.Context) {
	peers := s.node.Peers()
	connected := 0
	for _, p := range peers {
		if p.State == mesh.PeerConnected {
			connected++
		}
	}
	c.JSON(http.StatusOK, PeersResponse{Count: len(peers), Connected: connected, Peers: peers})
}

// handleStats handles GET /api/v1/stats
func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.node.Stats())
}

// handleCache handles GET /api/v1/cache
func (s *Server) handleCache(c *gin.Context) {
	cached := s.node.CachedMessages()
	out := make([]CachedPacket, 0, len(cached))
	for _, m := range cached {
		out = append(out, summarize(m.ID, &m.Packet, m.StoredAt))
	}
	c.JSON(http.StatusOK, CacheResponse{Count: len(out), Messages: out})
}

// handleArchive handles GET /api/v1/archive?limit=N
func (s *Server) handleArchive(c *gin.Context) {
	if s.archive == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Archive disabled"})
		return
	}

	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid limit", Message: err.Error()})
		return
	}

	recent, err := s.archive.Recent(limit)
	if err != nil {
		s.logger.Error("Failed to read archive", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to read archive"})
		return
	}
	total, err := s.archive.Count()
	if err != nil {
		s.logger.Error("Failed to count archive", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to read archive"})
		return
	}

	out := make([]CachedPacket, 0, len(recent))
	for _, a := range recent {
		p, err := a.Packet()
		if err != nil {
			s.logger.Warn("Skipping undecodable archived packet", zap.Stringer("id", a.MessageID), zap.Error(err))
			continue
		}
		out = append(out, summarize(a.MessageID, &p, time.Unix(a.StoredAt, 0).UTC()))
	}
	c.JSON(http.StatusOK, ArchiveResponse{Total: total, Packets: out})
}

// handleSetBatteryMode handles PUT /api/v1/battery-mode
func (s *Server) handleSetBatteryMode(c *gin.Context) {
	var req BatteryModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid battery mode", Message: err.Error()})
		return
	}
	if err := s.node.SetBatteryMode(*req.Mode); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid battery mode", Message: err.Error()})
		return
	}
	s.handleNodeInfo(c)
}

// handleSendMessage handles POST /api/v1/messages
func (s *Server) handleSendMessage(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.config.MaxBodyBytes)

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	msgType := protocol.MsgTypeMessage
	if req.Type != "" {
		t, err := protocol.ParseMessageType(req.Type)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid message type", Message: err.Error()})
			return
		}
		msgType = t
	}

	var recipient protocol.PeerID
	if req.Recipient != "" {
		id, err := protocol.ParsePeerID(req.Recipient)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid recipient", Message: err.Error()})
			return
		}
		recipient = id
	}

	payload := []byte(req.Text)
	if req.Data != "" {
		if req.Text != "" {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: "set either text or data"})
			return
		}
		data, err := base64.StdEncoding.DecodeString(req.Data)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid data", Message: "data must be base64"})
			return
		}
		payload = data
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.config.SendTimeout)
	defer cancel()

	id, err := s.node.Send(ctx, msgType, payload, recipient)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, SendMessageResponse{ID: id})
	case errors.Is(err, mesh.ErrNotInitialized), errors.Is(err, mesh.ErrStopped):
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "Node not running", Message: err.Error()})
	default:
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Send failed", Message: err.Error()})
	}
}

func summarize(id protocol.MessageID, p *protocol.Packet, storedAt time.Time) CachedPacket {
	return CachedPacket{
		ID:        id,
		Type:      p.Type,
		Sender:    p.SenderID,
		Recipient: p.RecipientID,
		TTL:       p.TTL,
		Timestamp: p.Timestamp,
		Size:      len(p.Payload),
		StoredAt:  storedAt,
	}
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}

// formatDuration renders d as a compact human-readable string
func formatDuration(d time.Duration) string {
	return d.Truncate(time.Second).String()
}
