// Package fakebackend is an in-process image-generation back-end speaking
// the ComfyUI-style protocol rendergate uses: /queue, /upload/image,
// /prompt, /ws, /history and /view. "Rendering" prefixes the uploaded image
// with RenderPrefix.
package fakebackend

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
)

// RenderPrefix is prepended to the input image to form the output.
const RenderPrefix = "rendered:"

// Fault stages accepted by Server.Fail.
const (
	FaultUpload  = "upload"
	FaultPrompt  = "prompt"
	FaultWait    = "wait"
	FaultHistory = "history"
	FaultQueue   = "queue"
)

type wsClient struct {
	mu   sync.Mutex
	conn net.Conn
}

func (c *wsClient) write(op ws.OpCode, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsutil.WriteServerMessage(c.conn, op, data)
}

type image struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// Server is a fake back-end. The zero value is not usable; call New.
type Server struct {
	delay      time.Duration
	comfyQueue bool
	logger     *slog.Logger

	mu        sync.Mutex
	uploads   map[string][]byte
	outputs   map[string][]byte
	history   map[string]image
	clients   map[string]*wsClient
	running   int
	forceBusy bool
	fault     string
	prompts   []map[string]any
}

// Option configures a Server.
type Option func(*Server)

// WithDelay sets how long a prompt "renders" before completion is reported.
func WithDelay(d time.Duration) Option {
	return func(s *Server) { s.delay = d }
}

// WithComfyQueue reports queue_running as a list of prompts, like ComfyUI,
// instead of a bool.
func WithComfyQueue() Option {
	return func(s *Server) { s.comfyQueue = true }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New returns a Server.
func New(opts ...Option) *Server {
	s := &Server{
		logger:  slog.Default(),
		uploads: make(map[string][]byte),
		outputs: make(map[string][]byte),
		history: make(map[string]image),
		clients: make(map[string]*wsClient),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the HTTP handler serving the protocol.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /queue", s.handleQueue)
	mux.HandleFunc("POST /upload/image", s.handleUpload)
	mux.HandleFunc("POST /prompt", s.handlePrompt)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /history/{id}", s.handleHistory)
	mux.HandleFunc("GET /view", s.handleView)
	return mux
}

// SetBusy forces /queue to report a running prompt.
func (s *Server) SetBusy(busy bool) {
	s.mu.Lock()
	s.forceBusy = busy
	s.mu.Unlock()
}

// Fail makes the given stage fail from now on. An empty stage clears it.
// FaultWait never reports completion.
func (s *Server) Fail(stage string) {
	s.mu.Lock()
	s.fault = stage
	s.mu.Unlock()
}

// Prompts returns copies of every accepted workflow graph, in order.
func (s *Server) Prompts() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, len(s.prompts))
	copy(out, s.prompts)
	return out
}

func (s *Server) faulty(stage string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fault == stage
}

func (s *Server) handleQueue(w http.ResponseWriter, _ *http.Request) {
	if s.faulty(FaultQueue) {
		http.Error(w, "queue unavailable", http.StatusServiceUnavailable)
		return
	}
	s.mu.Lock()
	busy := s.forceBusy || s.running > 0
	running := s.running
	s.mu.Unlock()

	if !s.comfyQueue {
		writeJSON(w, map[string]any{"queue_running": busy})
		return
	}
	if s.forceBusy && running == 0 {
		running = 1
	}
	list := make([][]any, running)
	for i := range list {
		list[i] = []any{i, uuid.NewString()}
	}
	writeJSON(w, map[string]any{"queue_running": list, "queue_pending": []any{}})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.faulty(FaultUpload) {
		http.Error(w, "upload rejected", http.StatusInternalServerError)
		return
	}
	f, hdr, err := r.FormFile("image")
	if err != nil {
		http.Error(w, "missing image: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.uploads[hdr.Filename] = data
	s.mu.Unlock()
	writeJSON(w, map[string]string{"name": hdr.Filename, "subfolder": "", "type": "input"})
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	if s.faulty(FaultPrompt) {
		http.Error(w, "prompt rejected", http.StatusInternalServerError)
		return
	}
	var req struct {
		Prompt   map[string]any `json:"prompt"`
		ClientID string         `json:"client_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Prompt == nil {
		http.Error(w, "invalid prompt", http.StatusBadRequest)
		return
	}

	input, ok := s.inputFor(req.Prompt)
	if !ok {
		http.Error(w, "prompt references no uploaded image", http.StatusBadRequest)
		return
	}

	id := uuid.NewString()
	s.mu.Lock()
	s.prompts = append(s.prompts, req.Prompt)
	s.running++
	s.mu.Unlock()

	go s.render(id, input, req.ClientID)
	writeJSON(w, map[string]any{"prompt_id": id, "number": 0})
}

// inputFor finds the uploaded image referenced by any node's "image" input.
func (s *Server) inputFor(prompt map[string]any) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, node := range prompt {
		n, _ := node.(map[string]any)
		in, _ := n["inputs"].(map[string]any)
		name, _ := in["image"].(string)
		if data, ok := s.uploads[name]; ok {
			return data, true
		}
	}
	return nil, false
}

func (s *Server) render(promptID string, input []byte, clientID string) {
	defer func() {
		s.mu.Lock()
		s.running--
		s.mu.Unlock()
	}()

	client := s.clientFor(clientID)

	s.send(client, ws.OpText, progress("executing", "3", promptID))
	time.Sleep(s.delay)
	s.send(client, ws.OpBinary, []byte{0, 0, 0, 1, 0xff})

	if s.faulty(FaultWait) {
		return
	}

	filename := "out_" + promptID + ".png"
	s.mu.Lock()
	s.outputs[filename] = append([]byte(RenderPrefix), input...)
	s.history[promptID] = image{Filename: filename, Type: "output"}
	s.mu.Unlock()

	s.send(client, ws.OpText, progress("executing", "", promptID))
}

// clientFor waits briefly for the socket: the client may POST /prompt before
// the upgrade handler has registered its connection.
func (s *Server) clientFor(id string) *wsClient {
	deadline := time.Now().Add(2 * time.Second)
	for {
		s.mu.Lock()
		c := s.clients[id]
		s.mu.Unlock()
		if c != nil || time.Now().After(deadline) {
			return c
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (s *Server) send(client *wsClient, op ws.OpCode, data []byte) {
	if client == nil {
		return
	}
	if err := client.write(op, data); err != nil {
		s.logger.Debug("fake back-end: websocket write failed", "error", err)
	}
}

func progress(typ, node, promptID string) []byte {
	var n any
	if node != "" {
		n = node
	}
	data, _ := json.Marshal(map[string]any{
		"type": typ,
		"data": map[string]any{"node": n, "prompt_id": promptID},
	})
	return data
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		http.Error(w, "missing clientId", http.StatusBadRequest)
		return
	}
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug("fake back-end: websocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{conn: conn}
	s.mu.Lock()
	s.clients[clientID] = c
	s.mu.Unlock()

	// Status frame sent on connect, as ComfyUI does.
	s.send(c, ws.OpText, []byte(`{"type":"status","data":{"status":{"exec_info":{"queue_remaining":0}}}}`))

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.clients, clientID)
			s.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := wsutil.ReadClientData(conn); err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.faulty(FaultHistory) {
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	id := r.PathValue("id")
	s.mu.Lock()
	img, ok := s.history[id]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, map[string]any{})
		return
	}
	writeJSON(w, map[string]any{
		id: map[string]any{
			"outputs": map[string]any{
				"9": map[string]any{"images": []image{img}},
			},
		},
	})
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("filename")
	s.mu.Lock()
	data, ok := s.outputs[name]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(data) //nolint:errcheck
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, fmt.Sprintf("encode: %v", err), http.StatusInternalServerError)
	}
}
