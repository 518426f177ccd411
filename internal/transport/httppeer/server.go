package httppeer

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/iudanet/flightlink/internal/transport"
	"github.com/iudanet/flightlink/pkg/wire"
)

// PingResponse представляет ответ на reachability probe.
type PingResponse struct {
	Status string `json:"status"`
}

// Routes builds the HTTP handler served to the remote peer: message
// delivery, the latest-state mailbox and the transfer mailbox, wrapped in
// recovery and request logging. Ping probes are excluded from the log to
// keep it readable at probe frequency.
func (p *Peer) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/ping", p.handlePing)
	mux.HandleFunc("/v1/message", p.handleMessage)
	mux.HandleFunc("/v1/context", p.handleContext)
	mux.HandleFunc("/v1/transfers", p.handleTransfers)

	var handler http.Handler = mux
	handler = LoggingWithSkip(p.logger, []string{"/v1/ping"})(handler)
	handler = RecoveryMiddleware(p.logger)(handler)
	return handler
}

// currentHandler возвращает зарегистрированный обработчик входящих.
func (p *Peer) currentHandler() transport.Handler {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handler
}

// handlePing обрабатывает GET /v1/ping
func (p *Peer) handlePing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := PingResponse{Status: "pong"}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		p.logger.Error("failed to encode ping response", slog.Any("error", err))
	}
}

// handleMessage обрабатывает POST /v1/message: немедленная доставка с
// опциональным синхронным ответом в теле.
func (p *Peer) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	handler := p.currentHandler()
	if handler == nil {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	var msg wire.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		p.logger.Warn("Rejecting malformed message", "error", err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	reply := handler.HandleMessage(msg)
	if reply == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(reply); err != nil {
		p.logger.Error("failed to encode reply", slog.Any("error", err))
	}
}

// handleContext обрабатывает latest-state канал:
// PUT — пир пушит свой full-state mirror, GET — пир забирает наш.
func (p *Peer) handleContext(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPut:
		handler := p.currentHandler()
		if handler == nil {
			http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
			return
		}

		var msg wire.Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			p.logger.Warn("Rejecting malformed context payload", "error", err)
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}

		handler.HandleContext(msg)
		w.WriteHeader(http.StatusNoContent)

	case http.MethodGet:
		p.mu.Lock()
		msg := p.lastContext
		p.mu.Unlock()

		if msg == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(msg); err != nil {
			p.logger.Error("failed to encode context payload", slog.Any("error", err))
		}

	default:
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

// handleTransfers обрабатывает канал гарантированной доставки:
// POST — пир доставляет один transfer, GET — пир забирает накопленный
// для него outbox (отдается ровно один раз).
func (p *Peer) handleTransfers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		handler := p.currentHandler()
		if handler == nil {
			http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
			return
		}

		var msg wire.Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			p.logger.Warn("Rejecting malformed transfer", "error", err)
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}

		handler.HandleTransfer(msg)
		w.WriteHeader(http.StatusNoContent)

	case http.MethodGet:
		p.mu.Lock()
		pending := p.outbox
		p.outbox = nil
		p.mu.Unlock()

		if pending == nil {
			pending = []wire.Message{}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(pending); err != nil {
			p.logger.Error("failed to encode transfer batch", slog.Any("error", err))
		}

	default:
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}
