package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/Mschirtzinger/studytrack/internal/store"
	"github.com/Mschirtzinger/studytrack/internal/types"
)

// sessionKeyPrefix prefixes session tokens in the server's kv table.
const sessionKeyPrefix = "session:"

// broadcastMsg is a change queued for the watchers of one feed.
type broadcastMsg struct {
	feed string // userID/collection
	data []byte
}

// Server is the remote store service. It keeps every user's collections in
// its own Record Store under "<userID>/<collection>" and pushes changes to
// websocket watchers.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server
	db       *store.DB

	// WebSocket watcher management, keyed by feed
	watchers   map[string]map[*websocket.Conn]bool
	watchersMu sync.RWMutex

	// Change broadcasting
	broadcast chan broadcastMsg

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	// Addr to listen on (default: :8080)
	Addr string

	// DB backs every collection. It must have its schema initialized.
	DB *store.DB

	// Logger for server activity (default: log.Default())
	Logger *log.Logger
}

// NewServer creates a server and starts its broadcast loop. Call Stop to
// release it.
func NewServer(config ServerConfig) *Server {
	if config.Addr == "" {
		config.Addr = ":8080"
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr:      config.Addr,
		db:        config.DB,
		watchers:  make(map[string]map[*websocket.Conn]bool),
		broadcast: make(chan broadcastMsg, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}

	s.wg.Add(1)
	go s.broadcastLoop()
	return s
}

// Handler returns the HTTP routes of the service.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/auth/anonymous", s.handleAnonymous)
	mux.HandleFunc("GET /v1/collections/{name}", s.handlePull)
	mux.HandleFunc("PUT /v1/collections/{name}", s.handlePush)
	mux.HandleFunc("GET /v1/collections/{name}/watch", s.handleWatch)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// Start begins serving on the configured address.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Cloud server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop closes every watcher and shuts the server down.
func (s *Server) Stop() error {
	s.logger.Println("Stopping cloud server")

	s.cancel()

	s.watchersMu.Lock()
	for feed, conns := range s.watchers {
		for conn := range conns {
			_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		}
		delete(s.watchers, feed)
	}
	s.watchersMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()
	s.logger.Println("Cloud server stopped")
	return nil
}

// GetAddr returns the server's listening address.
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// WatcherCount returns the number of open watch connections.
func (s *Server) WatcherCount() int {
	s.watchersMu.RLock()
	defer s.watchersMu.RUnlock()
	n := 0
	for _, conns := range s.watchers {
		n += len(conns)
	}
	return n
}

func (s *Server) handleAnonymous(w http.ResponseWriter, r *http.Request) {
	sess := Session{
		UserID:    uuid.NewString(),
		Token:     uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.SetValue(r.Context(), sessionKeyPrefix+sess.Token, sess.UserID); err != nil {
		s.logger.Printf("Failed to store session: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	s.logger.Printf("Created anonymous user %s", sess.UserID)
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	name := r.PathValue("name")

	recs, err := s.load(r.Context(), userID, name)
	if err != nil {
		s.logger.Printf("Failed to pull %s: %v", name, err)
		writeError(w, http.StatusInternalServerError, "failed to read collection")
		return
	}
	writeJSON(w, http.StatusOK, collectionBody{Records: recs})
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	name := r.PathValue("name")

	var body collectionBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxFrameSize)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	stored := make([]types.Record, 0, len(body.Records))
	out := make([]types.Record, 0, len(body.Records))
	for _, in := range body.Records {
		rec, err := types.RecordFromJSON(name, in.Data)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		out = append(out, rec)
		rec.Collection = feedKey(userID, name)
		stored = append(stored, rec)
	}

	if err := s.db.PutMany(r.Context(), stored); err != nil {
		s.logger.Printf("Failed to push %s: %v", name, err)
		writeError(w, http.StatusInternalServerError, "failed to write collection")
		return
	}

	s.publish(userID, Change{Collection: name, Records: out})
	writeJSON(w, http.StatusOK, map[string]int{"upserted": len(out)})
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	name := r.PathValue("name")

	recs, err := s.load(r.Context(), userID, name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read collection")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(maxFrameSize)

	snapshot, _ := json.Marshal(Change{Collection: name, Records: recs, Snapshot: true})
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	err = conn.Write(ctx, websocket.MessageText, snapshot)
	cancel()
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "snapshot failed")
		return
	}

	feed := feedKey(userID, name)
	s.watchersMu.Lock()
	if s.watchers[feed] == nil {
		s.watchers[feed] = make(map[*websocket.Conn]bool)
	}
	s.watchers[feed][conn] = true
	s.watchersMu.Unlock()

	s.logger.Printf("Watcher connected to %s (total: %d)", name, s.WatcherCount())

	// Block in the read loop so the handler owns the connection.
	s.readLoop(feed, conn)
}

// readLoop keeps the connection alive until the client goes away.
func (s *Server) readLoop(feed string, conn *websocket.Conn) {
	defer s.removeWatcher(feed, conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeWatcher(feed string, conn *websocket.Conn) {
	s.watchersMu.Lock()
	conns := s.watchers[feed]
	if _, exists := conns[conn]; !exists {
		s.watchersMu.Unlock()
		return
	}
	delete(conns, conn)
	if len(conns) == 0 {
		delete(s.watchers, feed)
	}
	s.watchersMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Printf("Watcher disconnected (total: %d)", s.WatcherCount())
}

// publish queues a change for the feed's watchers.
func (s *Server) publish(userID string, change Change) {
	data, err := json.Marshal(change)
	if err != nil {
		s.logger.Printf("Failed to marshal change: %v", err)
		return
	}
	select {
	case s.broadcast <- broadcastMsg{feed: feedKey(userID, change.Collection), data: data}:
	case <-s.ctx.Done():
	default:
		s.logger.Println("Warning: broadcast channel full, dropping change")
	}
}

// broadcastLoop delivers queued changes to watchers.
func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			s.watchersMu.RLock()
			conns := make([]*websocket.Conn, 0, len(s.watchers[msg.feed]))
			for conn := range s.watchers[msg.feed] {
				conns = append(conns, conn)
			}
			s.watchersMu.RUnlock()

			for _, conn := range conns {
				ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, msg.data)
				cancel()
				if err != nil {
					s.logger.Printf("Failed to send to watcher: %v", err)
					s.removeWatcher(msg.feed, conn)
				}
			}
		}
	}
}

// authenticate resolves the bearer token to a user id, writing 401 on
// failure.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	token, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !found || token == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return "", false
	}
	userID, err := s.db.GetValue(r.Context(), sessionKeyPrefix+token)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusUnauthorized, "unknown session")
		return "", false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check session")
		return "", false
	}
	return userID, true
}

// load reads a user's collection and strips the namespace.
func (s *Server) load(ctx context.Context, userID, name string) ([]types.Record, error) {
	recs, err := s.db.All(ctx, feedKey(userID, name))
	if err != nil {
		return nil, err
	}
	for i := range recs {
		recs[i].Collection = name
	}
	return recs, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"watchers": s.WatcherCount(),
	})
}

func feedKey(userID, collection string) string {
	return userID + "/" + collection
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
