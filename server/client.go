package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/askdata/conductor/broker"
	"github.com/askdata/conductor/event"
	"github.com/askdata/conductor/graph"
	"github.com/askdata/conductor/job"
)

// Websocket timeout constants following Gorilla best practices
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024
)

// Inbound rate limit per client: sustained rate and burst allowance
const (
	inboundRate  = rate.Limit(10)
	inboundBurst = 20
)

// ClientMessage is the inbound wire format
type ClientMessage struct {
	Type string `json:"type"`

	// start_job
	Question        string                 `json:"question,omitempty"`
	User            string                 `json:"user,omitempty"`
	Project         string                 `json:"project,omitempty"`
	AutoConfirm     bool                   `json:"auto_confirm,omitempty"`
	ModuleOverrides map[string]interface{} `json:"module_overrides,omitempty"`

	// send_input / cancel
	JobID     string      `json:"job_id,omitempty"`
	InputType string      `json:"input_type,omitempty"`
	Value     interface{} `json:"input_value,omitempty"`
}

// Client is one websocket connection and its per-job event relays
type Client struct {
	server    *Server
	conn      *websocket.Conn
	send      chan []byte
	id        string
	limiter   *rate.Limiter
	closeOnce sync.Once

	relayWG sync.WaitGroup
	mu      sync.Mutex
	relays  map[string]broker.Subscription // job_id -> live event subscription
}

func newClient(s *Server, conn *websocket.Conn) *Client {
	return &Client{
		server:  s,
		conn:    conn,
		send:    make(chan []byte, 64),
		id:      uuid.NewString(),
		limiter: rate.NewLimiter(inboundRate, inboundBurst),
		relays:  make(map[string]broker.Subscription),
	}
}

// readPump consumes client messages until the connection drops
func (c *Client) readPump() {
	defer func() {
		c.server.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.server.logger.Warnw("Websocket read error", "client_id", c.id, "error", err)
			}
			return
		}

		if !c.limiter.Allow() {
			c.sendError("", "rate limit exceeded, slow down")
			continue
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.sendError("", "malformed message: "+err.Error())
			continue
		}
		c.routeMessage(&msg)
	}
}

// routeMessage dispatches one inbound message
func (c *Client) routeMessage(msg *ClientMessage) {
	switch msg.Type {
	case "start_job":
		c.handleStartJob(msg)
	case "send_input":
		c.handleSendInput(msg)
	case "cancel":
		c.handleCancel(msg)
	case "ping":
		// Deadline refresh is handled by the pong handler
	default:
		c.server.logger.Debugw("Unknown message type", "type", msg.Type, "client_id", c.id)
		c.sendError("", "unknown message type: "+msg.Type)
	}
}

// writePump flushes queued frames and keeps the connection alive with pings
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.server.ctx.Done():
			return
		case raw, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				c.server.logger.Debugw("Write error", "client_id", c.id, "error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleStartJob creates the job record, attaches the event relay, and
// pushes the first hop
func (c *Client) handleStartJob(msg *ClientMessage) {
	ctx := c.server.ctx
	log := c.server.logger.With("client_id", c.id)

	if msg.Question == "" {
		c.sendError("", "start_job requires a question")
		return
	}

	initial := job.State{
		"question":           msg.Question,
		"user":               msg.User,
		"project":            msg.Project,
		graph.KeyAutoConfirm: msg.AutoConfirm || c.server.cfg.Worker.AutoConfirmPlan,
	}
	if msg.ModuleOverrides != nil {
		initial["module_overrides"] = msg.ModuleOverrides
	}

	first := c.server.graph.First()
	j, err := c.server.store.Create(ctx, first, initial)
	if err != nil {
		log.Errorw("Failed to create job", "error", err)
		c.sendError("", "failed to create job: "+err.Error())
		return
	}

	// Subscribe before the first push so no event can slip past the relay
	sub, err := c.server.gw.Subscribe(ctx, broker.EventsChannel(j.ID))
	if err != nil {
		log.Errorw("Failed to subscribe to job events", "job_id", j.ID, "error", err)
		c.sendError(j.ID, "failed to attach event stream")
		return
	}
	c.mu.Lock()
	c.relays[j.ID] = sub
	c.mu.Unlock()
	c.relayWG.Add(1)
	go c.relayEvents(j.ID, sub)

	if err := c.server.gw.Push(ctx, broker.QueueName(first), job.EncodeQueuePayload(j.ID)); err != nil {
		log.Errorw("Failed to enqueue job", "job_id", j.ID, "error", err)
		c.sendError(j.ID, "failed to enqueue job")
		return
	}

	c.server.emitter.Emit(ctx, event.Event{
		JobID:        j.ID,
		Kind:         event.KindJobStarted,
		Module:       first,
		Status:       string(job.StatusQueued),
		ExpectedPath: c.server.graph.Path(),
	})
	log.Infow("Job submitted", "job_id", j.ID)
}

// relayEvents forwards one job's event channel to the connection until the
// job reaches a terminal event or the subscription drops
func (c *Client) relayEvents(jobID string, sub broker.Subscription) {
	defer c.relayWG.Done()
	defer func() {
		c.mu.Lock()
		delete(c.relays, jobID)
		c.mu.Unlock()
		sub.Close()
	}()

	for {
		select {
		case <-c.server.ctx.Done():
			return
		case raw, ok := <-sub.Channel():
			if !ok {
				return
			}
			c.enqueue(raw)

			ev, err := event.Decode(raw)
			if err != nil {
				continue
			}
			if ev.Kind == event.KindJobCompleted || ev.Kind == event.KindError {
				return
			}
		}
	}
}

// handleSendInput delivers a reply to a parked job. The reply is published
// on the resume channel and written to the resume key, so both a live
// waiting worker and a later janitor sweep can consume it.
func (c *Client) handleSendInput(msg *ClientMessage) {
	ctx := c.server.ctx
	log := c.server.logger.With("client_id", c.id, "job_id", msg.JobID)

	if msg.JobID == "" || msg.InputType == "" {
		c.sendError(msg.JobID, "send_input requires job_id and input_type")
		return
	}

	reply := job.EncodeInputReply(msg.InputType, msg.Value)
	key := broker.ResumeKey(msg.JobID, msg.InputType)
	if err := c.server.gw.Set(ctx, key, reply, c.server.cfg.WaitingTTL()); err != nil {
		log.Errorw("Failed to store input reply", "error", err)
		c.sendError(msg.JobID, "failed to deliver input")
		return
	}
	if err := c.server.gw.Publish(ctx, broker.ResumeChannel(msg.JobID), reply); err != nil {
		// Key polling still delivers it
		log.Debugw("Failed to publish input reply", "error", err)
	}
	log.Infow("Input delivered", "input_type", msg.InputType)
}

// handleCancel flags the job for cancellation at the next worker checkpoint
func (c *Client) handleCancel(msg *ClientMessage) {
	if msg.JobID == "" {
		c.sendError("", "cancel requires job_id")
		return
	}
	if _, err := c.server.store.RequestCancel(c.server.ctx, msg.JobID); err != nil {
		c.sendError(msg.JobID, "failed to request cancel: "+err.Error())
		return
	}
	c.server.logger.Infow("Cancel requested", "client_id", c.id, "job_id", msg.JobID)
}

// enqueue queues a frame for the write pump, dropping when the client
// cannot keep up
func (c *Client) enqueue(raw []byte) {
	select {
	case c.send <- raw:
	default:
		c.server.logger.Warnw("Client send channel full, dropping frame", "client_id", c.id)
	}
}

// sendError pushes a synthetic error event to the client only; nothing is
// published to the broker
func (c *Client) sendError(jobID, message string) {
	raw, err := json.Marshal(event.Event{
		JobID:     jobID,
		Kind:      event.KindError,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return
	}
	c.enqueue(raw)
}

// close tears down the relays and the send channel exactly once
func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		for _, sub := range c.relays {
			sub.Close()
		}
		c.mu.Unlock()
		c.relayWG.Wait()
		close(c.send)
	})
}
