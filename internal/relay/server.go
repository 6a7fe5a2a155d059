package relay

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

type Options struct {
	// IdleTimeout ends parties that have seen no traffic for this long. Zero
	// keeps them until Close.
	IdleTimeout time.Duration
	// Headers is applied to every plain HTTP response.
	Headers func(w http.ResponseWriter)
	// Page wraps an HTML body for browsers visiting a party. Nil serves
	// JSON only.
	Page func(title, body string) string
	Logf func(format string, args ...any)
}

// Server holds a set of parties keyed by party id, so each party is its own
// isolated rendezvous.
type Server struct {
	opts   Options
	logf   func(format string, args ...any)
	prefix string

	mu      sync.Mutex
	parties map[string]*party

	quit      chan struct{}
	closeOnce sync.Once
}

func NewServer(opts Options) *Server {
	logf := opts.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}

	s := &Server{
		opts:    opts,
		logf:    logf,
		parties: make(map[string]*party),
		quit:    make(chan struct{}),
	}
	if opts.IdleTimeout > 0 {
		go s.reaperLoop()
	}

	return s
}

// Register sets up routes so that:
//   - prefix+path                  redirects to a new random party
//   - prefix+path/:partyid         describes the party as JSON
//   - prefix+path/:partyid/ws      is the websocket for that party
//   - prefix+path/:partyid/qr      is a PNG QR code for the invite URL
func (s *Server) Register(mux *httprouter.Router, prefix, path string) {
	s.prefix = prefix

	mux.GET(prefix+path, s.redirectNewParty(prefix+path))
	mux.GET(prefix+path+"/:partyid", s.serveParty)
	mux.GET(prefix+path+"/:partyid/ws", s.serveWS)
	mux.GET(prefix+path+"/:partyid/qr", s.serveQR)
}

// Close ends every party and stops the reaper.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.quit)

		s.mu.Lock()
		parties := s.parties
		s.parties = make(map[string]*party)
		s.mu.Unlock()

		for _, p := range parties {
			p.close()
		}
	})
}

func (s *Server) getParty(id string) *party {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.parties[id]; ok {
		return p
	}

	p := newParty(id, s.logf)
	s.parties[id] = p
	go p.run()

	s.logf("RELAY: Created party %s", id)

	return p
}

func (s *Server) lookup(id string) (*party, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.parties[id]

	return p, ok
}

// newPartyID generates a crypto-random party id that does not collide with an
// existing party.
func (s *Server) newPartyID() string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

	for {
		buf := make([]byte, 8)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		out := make([]byte, 8)
		for i := range out {
			out[i] = letters[int(buf[i])%len(letters)]
		}
		id := string(out)

		if _, exists := s.lookup(id); !exists {
			return id
		}
	}
}

// reaperLoop periodically ends parties idle longer than IdleTimeout.
func (s *Server) reaperLoop() {
	ticker := time.NewTicker(s.opts.IdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-s.quit:
			return
		}

		cutoff := time.Now().Add(-s.opts.IdleTimeout)

		s.mu.Lock()
		for id, p := range s.parties {
			if p.idleSince().Before(cutoff) {
				delete(s.parties, id)
				s.logf("RELAY: Reaped idle party %s", id)
				go p.close()
			}
		}
		s.mu.Unlock()
	}
}

func (s *Server) headers(w http.ResponseWriter) {
	if s.opts.Headers != nil {
		s.opts.Headers(w)
	}
}

func (s *Server) redirectNewParty(path string) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		id := s.newPartyID()

		s.logf("RELAY: Redirecting %s to new party %s", r.RemoteAddr, id)

		http.Redirect(w, r, path+"/"+id, http.StatusTemporaryRedirect)
	}
}

type partyInfo struct {
	Party string   `json:"party"`
	Peers []string `json:"peers"`
}

func (s *Server) serveParty(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("partyid")

	info := partyInfo{Party: id, Peers: []string{}}
	if p, ok := s.lookup(id); ok {
		info.Peers = p.peers()
	}

	w.Header().Set("Cache-Control", "no-store")
	s.headers(w)

	if s.opts.Page != nil && strings.Contains(r.Header.Get("Accept"), "text/html") {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, s.partyPage(r, info))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(info)
}

// partyPage tells a browser, typically one that scanned an invite, how to
// join the party from a terminal.
func (s *Server) partyPage(r *http.Request, info partyInfo) string {
	base := requestScheme(r) + "://" + r.Host + s.prefix

	cmd := "impostor play --relay " + base + " --party " + info.Party
	if host := r.URL.Query().Get("host"); host != "" {
		cmd += " --join " + host
	}

	var body strings.Builder
	body.WriteString("<h1>Party " + html.EscapeString(info.Party) + "</h1>")
	body.WriteString(fmt.Sprintf("<p>%d connected</p>", len(info.Peers)))
	body.WriteString("<p>Join from a terminal with</p>")
	body.WriteString("<p><code>" + html.EscapeString(cmd) + "</code></p>")

	return s.opts.Page(html.EscapeString("Party "+info.Party), body.String())
}

func requestScheme(r *http.Request) string {
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// serveQR encodes the invite URL for the party. A host query parameter is
// carried over so the scanned link joins that hub.
func (s *Server) serveQR(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if ps.ByName("partyid") == "" {
		http.Error(w, "missing party id", http.StatusBadRequest)
		return
	}

	invite := requestScheme(r) + "://" + r.Host + strings.TrimSuffix(r.URL.Path, "/qr")
	if host := r.URL.Query().Get("host"); host != "" {
		invite += "?host=" + url.QueryEscape(host)
	}

	const qrSize = 320

	png, err := qrcode.Encode(invite, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	s.headers(w)

	_, _ = w.Write(png)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	partyID := ps.ByName("partyid")
	if partyID == "" {
		http.Error(w, "missing party id", http.StatusBadRequest)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		id = uuid.NewString()
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logf("RELAY: Upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}

	c := &client{
		id:   id,
		conn: conn,
		send: make(chan Frame, sendBuffer),
	}

	p := s.getParty(partyID)

	go c.writePump()

	if !enqueue(p, p.register, c) {
		close(c.send)
		return
	}

	c.readPump(p)
}

type routedFrame struct {
	client *client
	frame  Frame
}

type party struct {
	id   string
	logf func(format string, args ...any)

	register chan *client
	unreg    chan *client
	route    chan routedFrame
	quit     chan struct{}
	stopped  chan struct{}
	once     sync.Once

	mu         sync.RWMutex
	clients    map[string]*client
	lastActive time.Time
}

func newParty(id string, logf func(string, ...any)) *party {
	return &party{
		id:         id,
		logf:       logf,
		register:   make(chan *client),
		unreg:      make(chan *client),
		route:      make(chan routedFrame),
		quit:       make(chan struct{}),
		stopped:    make(chan struct{}),
		clients:    make(map[string]*client),
		lastActive: time.Now(),
	}
}

// enqueue hands v to the run loop unless the party has ended.
func enqueue[T any](p *party, ch chan T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-p.quit:
		return false
	}
}

func (p *party) close() {
	p.once.Do(func() { close(p.quit) })
	<-p.stopped
}

func (p *party) idleSince() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.lastActive
}

func (p *party) peers() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids := make([]string, 0, len(p.clients))
	for id := range p.clients {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	return ids
}

func (p *party) run() {
	defer close(p.stopped)

	for {
		select {
		case c := <-p.register:
			p.join(c)

		case c := <-p.unreg:
			p.leave(c)

		case rf := <-p.route:
			p.forward(rf.client, rf.frame)

		case <-p.quit:
			p.mu.Lock()
			for id, c := range p.clients {
				delete(p.clients, id)
				close(c.send)
			}
			p.mu.Unlock()
			return
		}
	}
}

func (p *party) join(c *client) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastActive = time.Now()

	if _, taken := p.clients[c.id]; taken {
		p.logf("RELAY: Rejected duplicate id %s in party %s", c.id, p.id)
		c.send <- Frame{Kind: KindError, Message: "id " + c.id + " is already taken"}
		close(c.send)
		return
	}

	p.clients[c.id] = c
	c.send <- Frame{Kind: KindOpen, ID: c.id}

	p.logf("RELAY: Peer %s joined party %s", c.id, p.id)
}

func (p *party) leave(c *client) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastActive = time.Now()

	if p.clients[c.id] != c {
		return
	}
	delete(p.clients, c.id)
	close(c.send)

	p.logf("RELAY: Peer %s left party %s", c.id, p.id)

	for _, other := range p.clients {
		p.deliverLocked(other, Frame{Kind: KindLeave, From: c.id})
	}
}

func (p *party) forward(from *client, f Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastActive = time.Now()

	if p.clients[from.id] != from {
		return
	}

	f.From = from.id

	target, ok := p.clients[f.To]
	if !ok {
		if f.Kind == KindClose {
			return
		}
		p.logf("RELAY: Dropped %s from %s for unknown peer %s", f.Kind, from.id, f.To)
		p.deliverLocked(from, Frame{
			Kind:    KindError,
			To:      f.To,
			Channel: f.Channel,
			Message: "peer " + f.To + " is unavailable",
		})
		return
	}

	f.To = ""
	p.deliverLocked(target, f)
}

// deliverLocked queues f for c, disconnecting c if it has fallen too far
// behind.
func (p *party) deliverLocked(c *client, f Frame) {
	select {
	case c.send <- f:
	default:
		p.logf("RELAY: Disconnecting slow peer %s", c.id)
		delete(p.clients, c.id)
		close(c.send)
	}
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan Frame
}

func (c *client) readPump(p *party) {
	defer func() {
		enqueue(p, p.unreg, c)
		_ = c.conn.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if !f.routed() {
			continue
		}

		if !enqueue(p, p.route, routedFrame{client: c, frame: f}) {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case f, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(f); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
