package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"voxelkeep.ai/internal/persistence/levelinfo"
	"voxelkeep.ai/internal/protocol"
	"voxelkeep.ai/internal/world/chunk"
	"voxelkeep.ai/internal/world/level"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait / 2
)

// World is the part of *level.Level a connection drives.
type World interface {
	Info() levelinfo.Data
	FetchChunks(ctx context.Context, positions []chunk.Pos, out chan<- level.Fetched)
	MarkWatched(positions []chunk.Pos)
	MarkNotWatched(positions []chunk.Pos) []chunk.Pos
	CleanChunks(positions []chunk.Pos)
}

type Config struct {
	MaxFetch   int
	FetchRate  float64
	FetchBurst int
	// OutQueue is the per-connection outbound message buffer.
	OutQueue int
	Logger   *log.Logger
}

type Stats struct {
	Connections  int64
	FetchesTotal uint64
	ChunksSent   uint64
	RateLimited  uint64
	Rejected     uint64
}

type Server struct {
	world World
	cfg   Config
	log   *log.Logger

	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	conns  sync.WaitGroup

	connections  atomic.Int64
	fetchesTotal atomic.Uint64
	chunksSent   atomic.Uint64
	rateLimited  atomic.Uint64
	rejected     atomic.Uint64
}

func NewServer(w World, cfg Config) *Server {
	if cfg.MaxFetch <= 0 {
		cfg.MaxFetch = 1024
	}
	if cfg.FetchRate <= 0 {
		cfg.FetchRate = 20
	}
	if cfg.FetchBurst <= 0 {
		cfg.FetchBurst = 40
	}
	if cfg.OutQueue <= 0 {
		cfg.OutQueue = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		world:  w,
		cfg:    cfg,
		log:    cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) printf(format string, args ...any) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}

// Close disconnects every client and waits until their watches are released.
func (s *Server) Close() {
	s.cancel()
	s.conns.Wait()
}

func (s *Server) Stats() Stats {
	return Stats{
		Connections:  s.connections.Load(),
		FetchesTotal: s.fetchesTotal.Load(),
		ChunksSent:   s.chunksSent.Load(),
		RateLimited:  s.rateLimited.Load(),
		Rejected:     s.rejected.Load(),
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if s.ctx.Err() != nil {
			http.Error(rw, "shutting down", http.StatusServiceUnavailable)
			return
		}
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		s.conns.Add(1)
		defer s.conns.Done()
		s.connections.Add(1)
		defer s.connections.Add(-1)

		c := newSession(s, conn)
		c.run()
	}
}

type session struct {
	s       *Server
	conn    *websocket.Conn
	id      string
	ctx     context.Context
	cancel  context.CancelFunc
	out     chan []byte
	limiter *rate.Limiter

	fetches sync.WaitGroup
	// Touched only by the reader goroutine.
	watched map[chunk.Pos]struct{}
}

func newSession(s *Server, conn *websocket.Conn) *session {
	ctx, cancel := context.WithCancel(s.ctx)
	return &session{
		s:       s,
		conn:    conn,
		id:      uuid.NewString(),
		ctx:     ctx,
		cancel:  cancel,
		out:     make(chan []byte, s.cfg.OutQueue),
		limiter: rate.NewLimiter(rate.Limit(s.cfg.FetchRate), s.cfg.FetchBurst),
		watched: map[chunk.Pos]struct{}{},
	}
}

func (c *session) run() {
	defer c.conn.Close()
	defer c.release()

	info := c.s.world.Info()
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       c.id,
		World: protocol.WorldParams{
			Name:      info.LevelName,
			Seed:      info.RandomSeed,
			Height:    int(info.Height),
			ChunkSize: chunk.Width,
			Format:    info.ChunkFormat,
		},
		Limits: protocol.Limits{
			MaxFetch:   c.s.cfg.MaxFetch,
			FetchRate:  c.s.cfg.FetchRate,
			FetchBurst: c.s.cfg.FetchBurst,
		},
	}
	if !c.send(welcome) {
		return
	}
	c.s.printf("ws connected session=%s remote=%s", c.id, c.conn.RemoteAddr())

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	c.readLoop()
	c.cancel()
	<-writerDone
}

// release waits for in-flight fetches, then drops every watch the session
// still holds and cleans the chunks nobody else watches.
func (c *session) release() {
	c.cancel()
	c.fetches.Wait()
	if len(c.watched) == 0 {
		return
	}
	ps := make([]chunk.Pos, 0, len(c.watched))
	for p := range c.watched {
		ps = append(ps, p)
	}
	c.watched = map[chunk.Pos]struct{}{}
	if zero := c.s.world.MarkNotWatched(ps); len(zero) > 0 {
		c.s.world.CleanChunks(zero)
	}
	c.s.printf("ws disconnected session=%s released=%d", c.id, len(ps))
}

func (c *session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			// Unblocks the reader.
			_ = c.conn.Close()
			return
		case b := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				c.cancel()
				_ = c.conn.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.cancel()
				_ = c.conn.Close()
				return
			}
		}
	}
}

func (c *session) readLoop() {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			c.reject("", protocol.ErrProtoBadRequest, "malformed json")
			continue
		}
		switch base.Type {
		case protocol.TypeFetch:
			var m protocol.FetchMsg
			if err := json.Unmarshal(msg, &m); err != nil {
				c.reject(base.ID, protocol.ErrBadRequest, err.Error())
				continue
			}
			c.handleFetch(m)
		case protocol.TypeWatch, protocol.TypeUnwatch:
			var m protocol.WatchMsg
			if err := json.Unmarshal(msg, &m); err != nil {
				c.reject(base.ID, protocol.ErrBadRequest, err.Error())
				continue
			}
			if base.Type == protocol.TypeWatch {
				c.watch(protocol.Positions(m.Chunks))
			} else {
				c.unwatch(protocol.Positions(m.Chunks))
			}
		default:
			c.reject(base.ID, protocol.ErrProtoBadRequest, "unknown type "+base.Type)
		}
	}
}

// watch forwards only positions this session does not watch yet.
func (c *session) watch(ps []chunk.Pos) {
	var fresh []chunk.Pos
	for _, p := range ps {
		if _, ok := c.watched[p]; ok {
			continue
		}
		c.watched[p] = struct{}{}
		fresh = append(fresh, p)
	}
	c.s.world.MarkWatched(fresh)
}

func (c *session) unwatch(ps []chunk.Pos) {
	var mine []chunk.Pos
	for _, p := range ps {
		if _, ok := c.watched[p]; !ok {
			continue
		}
		delete(c.watched, p)
		mine = append(mine, p)
	}
	if len(mine) == 0 {
		return
	}
	if zero := c.s.world.MarkNotWatched(mine); len(zero) > 0 {
		c.s.world.CleanChunks(zero)
	}
}

func (c *session) handleFetch(m protocol.FetchMsg) {
	if m.ID == "" {
		c.reject("", protocol.ErrBadRequest, "missing id")
		return
	}
	if len(m.Chunks) > c.s.cfg.MaxFetch {
		c.reject(m.ID, protocol.ErrTooManyChunks, "too many chunks in one fetch")
		return
	}
	if !c.limiter.Allow() {
		c.s.rateLimited.Add(1)
		c.reject(m.ID, protocol.ErrRateLimit, "fetch rate exceeded")
		return
	}
	ps := dedupe(protocol.Positions(m.Chunks))
	if m.Watch {
		c.watch(ps)
	}
	c.s.fetchesTotal.Add(1)
	c.fetches.Add(1)
	go func() {
		defer c.fetches.Done()
		c.stream(m.ID, ps)
	}()
}

func (c *session) stream(id string, ps []chunk.Pos) {
	results := make(chan level.Fetched, c.s.cfg.OutQueue)
	go func() {
		defer close(results)
		c.s.world.FetchChunks(c.ctx, ps, results)
	}()
	count := 0
	for f := range results {
		if !c.send(protocol.NewChunkMsg(id, f.Chunk, f.New)) {
			// Keep draining so the producer can observe ctx and return.
			continue
		}
		count++
		c.s.chunksSent.Add(1)
	}
	if c.ctx.Err() != nil {
		return
	}
	c.send(protocol.DoneMsg{Type: protocol.TypeDone, ID: id, Count: count})
}

func (c *session) reject(id, code, msg string) {
	c.s.rejected.Add(1)
	c.send(protocol.ErrorMsg{Type: protocol.TypeError, ID: id, Code: code, Message: msg})
}

// send queues v for the writer. It fails once the session is done.
func (c *session) send(v any) bool {
	b, err := json.Marshal(v)
	if err != nil {
		c.s.printf("ws marshal failed session=%s err=%v", c.id, err)
		return false
	}
	select {
	case c.out <- b:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func dedupe(ps []chunk.Pos) []chunk.Pos {
	seen := make(map[chunk.Pos]struct{}, len(ps))
	out := ps[:0]
	for _, p := range ps {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
