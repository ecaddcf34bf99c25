// Package uigateway streams bus events to UI clients over WebSocket and
// accepts the manual commands of the tracker screen.
package uigateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/orvoice/internal/domain"
	"github.com/lexiqai/orvoice/internal/eventbus"
	"github.com/lexiqai/orvoice/internal/observability"
	"github.com/lexiqai/orvoice/internal/submission"
)

// Commands is the command surface of orchestrator.Service.
type Commands interface {
	ActivateCase(info domain.CaseInfo) (domain.CaseMilestoneState, error)
	RecordManual(kind domain.MilestoneKind, at time.Time) (domain.CaseMilestoneState, error)
	State() (domain.CaseMilestoneState, bool)
	ListDevices(ctx context.Context) ([]domain.AudioDevice, error)
	SelectDevice(ctx context.Context, id string) (domain.AudioDevice, error)
	StartListening(ctx context.Context, user domain.UserContext) (domain.SpeechSession, error)
	StopListening(ctx context.Context) error
	Submit(ctx context.Context) (submission.Receipt, error)
	Reset() (domain.CaseMilestoneState, error)
	RetryVoice(ctx context.Context) error
	Background(ctx context.Context) error
	Foreground(ctx context.Context) error
	DevicesChanged(ctx context.Context) error
}

// Source is the subscribing half of eventbus.Bus.
type Source interface {
	Subscribe(topic eventbus.Topic, handler eventbus.Handler, opts ...eventbus.SubscribeOption) eventbus.Handle
	Unsubscribe(h eventbus.Handle) bool
	Last(topic eventbus.Topic) (eventbus.Event, bool)
}

// Config tunes client connections.
type Config struct {
	QueueSize      int
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	CommandTimeout time.Duration
	// AllowedOrigins restricts browser origins. Empty allows any origin.
	AllowedOrigins []string
}

// DefaultConfig returns connection defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:      64,
		WriteTimeout:   5 * time.Second,
		PingInterval:   30 * time.Second,
		CommandTimeout: 30 * time.Second,
	}
}

// Gateway is the http.Handler for UI WebSocket connections.
type Gateway struct {
	cmds     Commands
	bus      Source
	cfg      Config
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// New creates a gateway.
func New(cmds Commands, bus Source, cfg Config) *Gateway {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = def.CommandTimeout
	}

	g := &Gateway{
		cmds:   cmds,
		bus:    bus,
		cfg:    cfg,
		logger: observability.Component("uigateway"),
	}
	g.upgrader = websocket.Upgrader{
		CheckOrigin:     g.checkOrigin,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range g.cfg.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the connection and serves one UI client until it
// disconnects.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn().Err(err).Msg("Failed to upgrade UI connection")
		return
	}

	c := &client{
		gw:      g,
		conn:    conn,
		send:    make(chan Frame, g.cfg.QueueSize),
		done:    make(chan struct{}),
		lastSeq: make(map[eventbus.Topic]uint64),
		logger:  observability.WithCorrelationID(observability.NewCorrelationID()).With().Str("remote", r.RemoteAddr).Logger(),
	}
	observability.UIClientConnected()
	c.logger.Info().Msg("UI client connected")

	c.serve(r.Context())

	observability.UIClientDisconnected()
	c.logger.Info().Msg("UI client disconnected")
}

// client is one UI connection. Only the writer goroutine writes data frames
// once the initial snapshot has been sent.
type client struct {
	gw     *Gateway
	conn   *websocket.Conn
	logger zerolog.Logger

	send      chan Frame
	done      chan struct{}
	closeOnce sync.Once

	handles []eventbus.Handle
	lastSeq map[eventbus.Topic]uint64
}

func (c *client) serve(ctx context.Context) {
	defer c.conn.Close()

	// subscribe before taking the snapshot so nothing published in between
	// is lost; the writer drops anything the snapshot already covered
	for _, topic := range eventbus.UITopics() {
		h := c.gw.bus.Subscribe(topic, c.forward, eventbus.WithQueue(c.gw.cfg.QueueSize), eventbus.WithName("uigateway"))
		if h.Valid() {
			c.handles = append(c.handles, h)
		}
	}
	defer c.unsubscribe()

	if err := c.sendSnapshot(); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to send snapshot")
		c.close()
		return
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()

	c.readLoop(ctx)
	c.close()
	wg.Wait()
}

func (c *client) forward(e eventbus.Event) error {
	select {
	case c.send <- eventFrame(e):
	case <-c.done:
	}
	return nil
}

func (c *client) sendSnapshot() error {
	for _, topic := range eventbus.UITopics() {
		e, ok := c.gw.bus.Last(topic)
		if !ok {
			continue
		}
		c.lastSeq[topic] = e.Seq
		if err := c.write(eventFrame(e)); err != nil {
			return err
		}
	}
	return nil
}

func (c *client) writeLoop() {
	ping := time.NewTicker(c.gw.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-c.done:
			return

		case f := <-c.send:
			if f.Type == frameEvent {
				if f.Seq <= c.lastSeq[f.Topic] {
					continue
				}
				c.lastSeq[f.Topic] = f.Seq
			}
			if err := c.write(f); err != nil {
				c.logger.Warn().Err(err).Msg("UI write failed")
				c.close()
				return
			}

		case <-ping.C:
			deadline := time.Now().Add(c.gw.cfg.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *client) write(f Frame) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.gw.cfg.WriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(f)
}

func (c *client) readLoop(ctx context.Context) {
	for {
		var cmd Command
		if err := c.conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("UI read error")
			}
			return
		}

		cmdCtx, cancel := context.WithTimeout(ctx, c.gw.cfg.CommandTimeout)
		data, err := c.gw.dispatch(cmdCtx, cmd)
		cancel()

		observability.RecordUICommand(cmd.Type, err == nil)
		if err != nil {
			c.logger.Info().Err(err).Str("command", cmd.Type).Str("id", cmd.ID).Msg("UI command failed")
		}

		select {
		case c.send <- resultFrame(cmd.ID, data, err):
		case <-c.done:
			return
		}
	}
}

func (c *client) unsubscribe() {
	for _, h := range c.handles {
		c.gw.bus.Unsubscribe(h)
	}
	c.handles = nil
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
