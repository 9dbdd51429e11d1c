package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/MONDERASDOR/SaverWorld/player"
	"github.com/MONDERASDOR/SaverWorld/protocol"
	"github.com/MONDERASDOR/SaverWorld/world"
)

// Handler routes the websocket endpoint and the bootstrap API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /api/world", s.handleWorld)
	mux.HandleFunc("GET /api/map/chunk/{x}/{z}", s.handleChunk)
	mux.HandleFunc("POST /api/auth", s.handleLogin)
	mux.HandleFunc("GET /api/player", s.handlePlayer)
	mux.HandleFunc("GET /api/chat", s.handleChatHistory)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return cors(mux)
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type worldResponse struct {
	Terrain   [][]world.TerrainCell `json:"terrain"`
	Objects   []world.WorldObject   `json:"objects"`
	Players   []protocol.Player     `json:"players"`
	Timestamp int64                 `json:"timestamp"`
}

func (s *Server) worldSnapshot() world.TerrainPayload {
	s.worldOnce.Do(func() {
		s.worldSnap = s.gen.Generate(world.WorldRegion(s.cfg.WorldSize))
	})
	return s.worldSnap
}

func (s *Server) handleWorld(w http.ResponseWriter, r *http.Request) {
	snap := s.worldSnapshot()
	players := make([]protocol.Player, 0)
	for _, p := range s.sessions.Roster() {
		players = append(players, wirePlayer(p))
	}
	writeJSON(w, http.StatusOK, worldResponse{
		Terrain:   snap.Terrain,
		Objects:   snap.Objects,
		Players:   players,
		Timestamp: s.now().UnixMilli(),
	})
}

func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	x, errX := strconv.Atoi(r.PathValue("x"))
	z, errZ := strconv.Atoi(r.PathValue("z"))
	if errX != nil || errZ != nil {
		writeError(w, http.StatusBadRequest, "Invalid chunk coordinates")
		return
	}
	payload, err := s.chunks.GetOrCreate(r.Context(), x, z)
	if err != nil {
		s.log.Error("load chunk", zap.Int("x", x), zap.Int("z", z), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Server error")
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

type loginRequest struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	rec, err := s.users.Resolve(r.Context(), req.UserID, req.Username)
	if errors.Is(err, player.ErrInvalidCredentials) {
		writeError(w, http.StatusBadRequest, "Username required")
		return
	}
	if err != nil {
		s.log.Error("login", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Server error")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type playerResponse struct {
	Position world.Position `json:"position"`
	Username string         `json:"username"`
}

func (s *Server) handlePlayer(w http.ResponseWriter, r *http.Request) {
	header := r.Header.Get("Authorization")
	if header == "" {
		writeError(w, http.StatusUnauthorized, "No authorization header")
		return
	}
	userID, ok := strings.CutPrefix(header, "Bearer ")
	userID = strings.TrimSpace(userID)
	if !ok || userID == "" {
		writeError(w, http.StatusUnauthorized, "Malformed authorization header")
		return
	}

	rec, err := s.users.Get(r.Context(), userID)
	if errors.Is(err, player.ErrUserNotFound) {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		s.log.Error("load player", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Server error")
		return
	}
	pos := rec.Position
	if pos.IsSentinel() {
		pos = player.DefaultPosition
	}
	writeJSON(w, http.StatusOK, playerResponse{Position: pos, Username: rec.Username})
}

func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.chat.History())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": len(s.sessions.Sessions()),
		"chunks":   s.chunks.Loaded(),
	})
}
