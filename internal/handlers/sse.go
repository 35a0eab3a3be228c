package handlers

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/studyloop/studyloop-backend/internal/sse"
)

// SSEHandler owns the live connections: each stream gets a client subscribed
// to the user's own channel, and subscribe/unsubscribe manage extra channels
// for an open stream by client id.
type SSEHandler struct {
	hub *sse.SSEHub

	mu      sync.Mutex
	clients map[uuid.UUID]*sse.SSEClient
}

func NewSSEHandler(hub *sse.SSEHub) *SSEHandler {
	return &SSEHandler{
		hub:     hub,
		clients: make(map[uuid.UUID]*sse.SSEClient),
	}
}

// GET /sse/stream
func (h *SSEHandler) SSEStream(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		RespondError(c, http.StatusUnauthorized, "unauthorized", fmt.Errorf("missing user"))
		return
	}

	client := h.hub.NewSSEClient(userID)
	h.hub.AddChannel(client, userID.String())

	h.mu.Lock()
	h.clients[client.ID] = client
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, client.ID)
		h.mu.Unlock()
		h.hub.CloseClient(client)
	}()

	c.Writer.Header().Set("X-SSE-Client-ID", client.ID.String())
	h.hub.ServeHTTP(c.Writer, c.Request, client)
}

type sseChannelRequest struct {
	ClientID string `json:"client_id"`
	Channel  string `json:"channel"`
}

// POST /sse/subscribe
func (h *SSEHandler) SSESubscribe(c *gin.Context) {
	client, channel, ok := h.resolveChannelRequest(c)
	if !ok {
		return
	}
	h.hub.AddChannel(client, channel)
	RespondOK(c, gin.H{"subscribed": channel})
}

// POST /sse/unsubscribe
func (h *SSEHandler) SSEUnsubscribe(c *gin.Context) {
	client, channel, ok := h.resolveChannelRequest(c)
	if !ok {
		return
	}
	h.hub.RemoveChannel(client, channel)
	RespondOK(c, gin.H{"unsubscribed": channel})
}

func (h *SSEHandler) resolveChannelRequest(c *gin.Context) (*sse.SSEClient, string, bool) {
	userID, ok := requestUserID(c)
	if !ok {
		RespondError(c, http.StatusUnauthorized, "unauthorized", fmt.Errorf("missing user"))
		return nil, "", false
	}
	var body sseChannelRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return nil, "", false
	}
	clientID, err := uuid.Parse(body.ClientID)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_client_id", err)
		return nil, "", false
	}
	if body.Channel == "" {
		RespondError(c, http.StatusBadRequest, "invalid_channel", fmt.Errorf("channel required"))
		return nil, "", false
	}

	h.mu.Lock()
	client, exists := h.clients[clientID]
	h.mu.Unlock()
	if !exists || client.UserID != userID {
		RespondError(c, http.StatusNotFound, "client_not_found", fmt.Errorf("no active stream for client"))
		return nil, "", false
	}
	return client, body.Channel, true
}
