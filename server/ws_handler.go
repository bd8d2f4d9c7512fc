package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/flowforge/kernel/kernel"
	"github.com/flowforge/kernel/kernelmodel"
)

// stateTickInterval is how often a state_update frame is pushed while a run
// is in flight (spec.md §6: "~250 ms tick").
const stateTickInterval = 250 * time.Millisecond

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type stateUpdateFrame struct {
	Type       string                        `json:"type"`
	State      *kernelmodel.RuntimeState     `json:"state"`
	Signatures map[kernelmodel.NodeID]string `json:"signatures"`
	Topology   kernel.TopologySnapshot       `json:"topology"`
	Timestamp  time.Time                     `json:"timestamp"`
}

type logEventFrame struct {
	Type      string            `json:"type"`
	AgentID   kernelmodel.NodeID `json:"agent_id"`
	Payload   any               `json:"payload"`
	Timestamp time.Time         `json:"timestamp"`
}

// streamRuntime handles GET /ws/runtime/{run_id} (spec.md §6). It pushes a
// state_update frame on a tick and forwards IntermediateLog events for the
// run as log_event frames, closing cleanly after the final terminal
// state_update.
func (h *handlers) streamRuntime(c *gin.Context) {
	runID := kernelmodel.RunID(c.Param("run_id"))
	if _, ok := h.facade.GetState(runID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown run"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn(c.Request.Context(), "websocket upgrade failed", "run_id", string(runID), "error", err.Error())
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	done := make(chan struct{})
	var closeOnce sync.Once
	stop := func() { closeOnce.Do(func() { close(done) }) }

	sub := h.facade.Bus().Subscribe()
	defer sub.Close()
	go func() {
		for {
			select {
			case <-done:
				return
			case event, ok := <-sub.Events():
				if !ok {
					return
				}
				if event.RunID != runID || event.EventType != kernelmodel.EventIntermediateLog {
					continue
				}
				frame := logEventFrame{Type: "log_event", AgentID: event.AgentID, Payload: event.Payload, Timestamp: event.Timestamp}
				writeMu.Lock()
				err := conn.WriteJSON(frame)
				writeMu.Unlock()
				if err != nil {
					stop()
					return
				}
			}
		}
	}()

	ticker := time.NewTicker(stateTickInterval)
	defer ticker.Stop()
	defer stop()

	for {
		select {
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
			state, ok := h.facade.GetState(runID)
			if !ok {
				return
			}
			signatures, _ := h.facade.GetAllSignatures(runID)
			topo, _ := h.facade.GetTopologySnapshot(runID)
			frame := stateUpdateFrame{
				Type:       "state_update",
				State:      state,
				Signatures: signatures,
				Topology:   topo,
				Timestamp:  time.Now(),
			}
			writeMu.Lock()
			err := conn.WriteJSON(frame)
			writeMu.Unlock()
			if err != nil {
				return
			}
			if state.Status.Terminal() {
				return
			}
		}
	}
}
