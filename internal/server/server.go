package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"depthbook/internal/orderbook"
)

const (
	defaultDepth = 20
	maxDepth     = 5000
)

// Book is the live order book the server reads from. *feed.Feed implements it.
type Book interface {
	Engine() *orderbook.Engine
	Register() (int, <-chan orderbook.Notification)
	Unregister(id int)
	Health() map[string]any
}

type Server struct {
	mux     *http.ServeMux
	book    Book
	metrics http.Handler
	log     zerolog.Logger
}

// New builds the HTTP surface over book. metrics may be nil.
func New(book Book, metrics http.Handler, log zerolog.Logger) *Server {
	srv := &Server{
		mux:     http.NewServeMux(),
		book:    book,
		metrics: metrics,
		log:     log.With().Str("component", "http").Logger(),
	}
	srv.routes()
	return srv
}

func (s *Server) routes() {
	s.mux.Handle("/api/book", http.HandlerFunc(s.handleBook))
	s.mux.Handle("/api/levels", http.HandlerFunc(s.handleLevels))
	s.mux.Handle("/stream/book", http.HandlerFunc(s.handleBookStream))
	s.mux.Handle("/healthz", http.HandlerFunc(s.handleHealth))
	if s.metrics != nil {
		s.mux.Handle("/metrics", s.metrics)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type bookPayload struct {
	Symbol  string                 `json:"symbol"`
	State   string                 `json:"state"`
	Cursor  *int64                 `json:"cursor,omitempty"`
	BestBid float64                `json:"bestBid"`
	BestAsk float64                `json:"bestAsk"`
	Bids    []orderbook.PriceLevel `json:"bids"`
	Asks    []orderbook.PriceLevel `json:"asks"`
	TS      int64                  `json:"ts"`
}

func (s *Server) handleBook(w http.ResponseWriter, r *http.Request) {
	eng := s.book.Engine()
	if eng == nil {
		http.Error(w, "book not started", http.StatusServiceUnavailable)
		return
	}
	depth := parseDepth(r, defaultDepth)
	d := eng.Depth(depth)
	out := bookPayload{
		Symbol:  eng.Symbol(),
		State:   eng.State().String(),
		BestBid: eng.BestBid(),
		BestAsk: eng.BestAsk(),
		Bids:    nonNil(d.Bids),
		Asks:    nonNil(d.Asks),
		TS:      time.Now().UnixMilli(),
	}
	if c, ok := eng.Cursor(); ok {
		out.Cursor = &c
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleLevels(w http.ResponseWriter, r *http.Request) {
	eng := s.book.Engine()
	if eng == nil {
		http.Error(w, "book not started", http.StatusServiceUnavailable)
		return
	}
	q := r.URL.Query()
	from, errFrom := strconv.ParseFloat(q.Get("from"), 64)
	to, errTo := strconv.ParseFloat(q.Get("to"), 64)
	if errFrom != nil || errTo != nil {
		http.Error(w, "from and to must be numbers", http.StatusBadRequest)
		return
	}

	var levels []orderbook.PriceLevel
	side := strings.ToLower(q.Get("side"))
	switch side {
	case "bid", "bids":
		side = "bid"
		levels = eng.BidLevelsBetween(from, to)
	case "ask", "asks":
		side = "ask"
		levels = eng.AskLevelsBetween(from, to)
	default:
		http.Error(w, "side must be bid or ask", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol": eng.Symbol(),
		"side":   side,
		"from":   from,
		"to":     to,
		"levels": nonNil(levels),
	})
}

type notificationPayload struct {
	Kind     string  `json:"kind"`
	Price    float64 `json:"price,omitempty"`
	Quantity float64 `json:"qty,omitempty"`
	New      float64 `json:"new,omitempty"`
	Old      float64 `json:"old,omitempty"`
	First    int64   `json:"U,omitempty"`
	Last     int64   `json:"u,omitempty"`
	Reason   string  `json:"reason,omitempty"`
	Error    string  `json:"error,omitempty"`
	TS       int64   `json:"ts"`
}

func toPayload(n orderbook.Notification) notificationPayload {
	p := notificationPayload{
		Kind:     n.Kind.String(),
		Price:    n.Price,
		Quantity: n.Quantity,
		New:      n.New,
		Old:      n.Old,
		Reason:   n.Reason,
		TS:       time.Now().UnixMilli(),
	}
	if n.Event != nil {
		p.First, p.Last = n.Event.FirstUpdateID, n.Event.LastUpdateID
	}
	if n.Err != nil {
		p.Error = n.Err.Error()
	}
	return p
}

func (s *Server) handleBookStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.log.Error().Type("writer", w).Msg("/stream/book flusher unsupported")
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	kinds := parseKinds(r)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	id, ch := s.book.Register()
	defer s.book.Unregister(id)

	for {
		select {
		case n, ok := <-ch:
			if !ok {
				return
			}
			if kinds != nil && !kinds[n.Kind.String()] {
				continue
			}
			data, err := json.Marshal(toPayload(n))
			if err != nil {
				continue
			}
			w.Write([]byte("event: " + n.Kind.String() + "\n"))
			w.Write([]byte("data: "))
			w.Write(data)
			w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"feed": s.book.Health(),
		"time": time.Now().UTC(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func parseDepth(r *http.Request, def int) int {
	depth := def
	if raw := r.URL.Query().Get("depth"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			depth = v
		}
	}
	return min(depth, maxDepth)
}

// parseKinds reads ?kinds=best-bid-changed,best-ask-changed. nil means all.
func parseKinds(r *http.Request) map[string]bool {
	raw := strings.TrimSpace(r.URL.Query().Get("kinds"))
	if raw == "" {
		return nil
	}
	out := make(map[string]bool)
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(strings.ToLower(k)); k != "" {
			out[k] = true
		}
	}
	return out
}

func nonNil(levels []orderbook.PriceLevel) []orderbook.PriceLevel {
	if levels == nil {
		return []orderbook.PriceLevel{}
	}
	return levels
}
