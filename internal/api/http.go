package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hashicorp/raft"

	"github.com/heysubinoy/pyazcart/internal/cart"
	"github.com/heysubinoy/pyazcart/pkg/kv"
)

// Server wraps a cart.Store and exposes HTTP endpoints for cart operations.
// When Raft is set, followers redirect clients to the leader's HTTP address
// looked up in PeerHTTP.
type Server struct {
	Cart     *cart.Store
	Raft     *raft.Raft
	PeerHTTP map[raft.ServerID]string
}

// NewServer creates a new HTTP server with the given cart.
func NewServer(c *cart.Store, raftNode *raft.Raft, peerHTTP map[raft.ServerID]string) *Server {
	return &Server{
		Cart:     c,
		Raft:     raftNode,
		PeerHTTP: peerHTTP,
	}
}

// RegisterRoutes registers all HTTP handlers on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/items", s.handleItems)
}

func (s *Server) handleItems(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleGetItems(w, r)
	case http.MethodPost:
		s.handleAddItem(w, r)
	case http.MethodDelete:
		s.handleDeleteItem(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// redirectToLeader answers the request itself when this node is a follower.
// It returns true if the request was handled.
func (s *Server) redirectToLeader(w http.ResponseWriter, r *http.Request) bool {
	if s.Raft == nil || s.Raft.State() == raft.Leader {
		return false
	}

	_, leaderID := s.Raft.LeaderWithID()
	addr, ok := s.PeerHTTP[leaderID]
	if leaderID == "" || !ok {
		http.Error(w, "Not leader and no leader known", http.StatusServiceUnavailable)
		return true
	}
	target := "http://" + addr + r.URL.RequestURI()
	w.Header().Set("Location", target)
	http.Error(w, "Not leader. Redirect to leader.", http.StatusTemporaryRedirect)
	return true
}

// handleGetItems handles GET /items requests.
// Returns {"items": [...]} ordered by name.
func (s *Server) handleGetItems(w http.ResponseWriter, r *http.Request) {
	if s.redirectToLeader(w, r) {
		return
	}

	items, err := s.Cart.GetItems(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string][]cart.Item{"items": items})
}

// handleAddItem handles POST /items requests with JSON body.
// Expects: {"name": "Book", "quantity": 2, "unit_price": 9.5}
func (s *Server) handleAddItem(w http.ResponseWriter, r *http.Request) {
	if s.redirectToLeader(w, r) {
		return
	}

	var item cart.Item
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if err := s.Cart.AddItem(r.Context(), item); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteItem handles DELETE /items?name=Book requests.
func (s *Server) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	if s.redirectToLeader(w, r) {
		return
	}

	name := r.URL.Query().Get("name")
	if name == "" {
		http.Error(w, "Missing name parameter", http.StatusBadRequest)
		return
	}

	if err := s.Cart.DeleteItem(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusServiceUnavailable
	switch {
	case errors.Is(err, cart.ErrInvalidArgument):
		code = http.StatusBadRequest
	case errors.Is(err, kv.ErrConflict):
		code = http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	case errors.Is(err, cart.ErrCorruptItem):
		code = http.StatusInternalServerError
	}
	http.Error(w, err.Error(), code)
}
