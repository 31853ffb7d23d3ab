package server

import (
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/offsetledger/internal/credits"
	"github.com/gin-gonic/gin"
)

type heartbeatPayload struct {
	Source    string        `json:"source"`
	RecordID  string        `json:"record_id"`
	State     credits.State `json:"state"`
	Timestamp time.Time     `json:"timestamp"`
}

type recordChangePayload struct {
	Source    string        `json:"source"`
	RecordID  string        `json:"record_id"`
	Change    string        `json:"change"`
	Amount    int64         `json:"amount"`
	State     credits.State `json:"state"`
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
}

// handleRecordStream emits server-sent events for one record: a heartbeat carrying the current state
// on connect and at every interval, then a record-change for each committed create or retire.
func (h *httpHandler) handleRecordStream(c *gin.Context) {
	recordID := c.Param("id")
	ctx := c.Request.Context()

	// Subscribe before folding so a change committed in between still reaches the client.
	stream, cleanup := h.dispatcher.Subscribe(ctx, recordID)
	defer cleanup()

	state, err := h.ledger.FoldState(ctx, recordID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	h.writeHeartbeat(c, recordID, state)

	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.writeHeartbeat(c, recordID, state)
		case message, ok := <-stream:
			if !ok {
				return
			}
			state = message.State
			c.SSEvent(message.EventType, recordChangePayload{
				Source:    realtimeSourceBackend,
				RecordID:  message.RecordID,
				Change:    string(message.Change),
				Amount:    message.Amount,
				State:     message.State,
				Status:    string(message.State.Status()),
				Timestamp: message.Timestamp.UTC(),
			})
			c.Writer.Flush()
		}
	}
}

func (h *httpHandler) writeHeartbeat(c *gin.Context, recordID string, state credits.State) {
	c.SSEvent(realtimeEventHeartbeat, heartbeatPayload{
		Source:    realtimeSourceBackend,
		RecordID:  recordID,
		State:     state,
		Timestamp: time.Now().UTC(),
	})
	c.Writer.Flush()
}
