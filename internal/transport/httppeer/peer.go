// Package httppeer is the HTTP rendition of the device-to-device channel.
// Each process runs both sides: an HTTP server receiving deliveries from
// the remote peer and an HTTP client sending to the remote's server. A
// periodic ping probe owns the reachability verdict; send failures flip
// the local flag immediately but the reachability event itself always
// comes from the probe, so the engine sees a single event source.
package httppeer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/iudanet/flightlink/internal/transport"
	"github.com/iudanet/flightlink/pkg/wire"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultProbeInterval  = 5 * time.Second
)

// Peer implements transport.Channel over HTTP against one remote endpoint.
type Peer struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
	interval   time.Duration

	mu        sync.Mutex
	handler   transport.Handler
	reachable bool
	// Последний mirrored full-state payload; отдается пиру по GET /v1/context
	lastContext *wire.Message
	// Transfers, ожидающие пира; сливаются при восстановлении связи
	outbox []wire.Message

	stopProbe chan struct{}
	probeWG   sync.WaitGroup
	sendWG    sync.WaitGroup
}

// NewPeer создает канал к пиру на baseURL. Связь считается потерянной,
// пока первый probe не доказал обратное.
func NewPeer(baseURL string, logger *slog.Logger) *Peer {
	return &Peer{
		baseURL:  baseURL,
		logger:   logger,
		interval: defaultProbeInterval,
		httpClient: &http.Client{
			Timeout: defaultRequestTimeout,
		},
		stopProbe: make(chan struct{}),
	}
}

// SetHandler registers the consumer of inbound traffic.
func (p *Peer) SetHandler(h transport.Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

// Reachable reports the last probe verdict.
func (p *Peer) Reachable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reachable
}

// StartProbing launches the periodic reachability probe.
func (p *Peer) StartProbing(ctx context.Context) {
	p.probeWG.Add(1)
	go func() {
		defer p.probeWG.Done()

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.Probe(ctx)
		for {
			select {
			case <-p.stopProbe:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Probe(ctx)
			}
		}
	}()
}

// StopProbing завершает probe-горутину и дожидается in-flight отправок.
// Повторный вызов паникует, останавливать можно только один раз.
func (p *Peer) StopProbing() {
	close(p.stopProbe)
	p.probeWG.Wait()
	p.sendWG.Wait()
}

// Probe performs one synchronous reachability check and fires the
// reachability event on a state transition. On transition to reachable the
// pending transfer outbox is drained before the event, mirroring the
// delivery order the engine expects.
func (p *Peer) Probe(ctx context.Context) {
	up := p.ping(ctx)

	p.mu.Lock()
	if p.reachable == up {
		p.mu.Unlock()
		return
	}
	p.reachable = up
	handler := p.handler
	var pending []wire.Message
	if up {
		pending = p.outbox
		p.outbox = nil
	}
	p.mu.Unlock()

	p.logger.Info("Peer reachability changed", "reachable", up, "peer", p.baseURL)

	if up {
		p.deliverOutbox(ctx, pending)
		p.pullTransfers(ctx, handler)
	}
	if handler != nil {
		handler.HandleReachability(up)
	}
}

// pullTransfers забирает transfers, скопившиеся на стороне пира, пока мы
// были недоступны. Пир отдает их ровно один раз, поэтому гонка с его
// собственным push безопасна.
func (p *Peer) pullTransfers(ctx context.Context, handler transport.Handler) {
	if handler == nil {
		return
	}

	status, body, err := p.doRequest(ctx, http.MethodGet, "/v1/transfers", nil)
	if err != nil {
		p.logger.Warn("Failed to pull peer transfers", "error", err)
		return
	}
	if status != http.StatusOK {
		p.logger.Warn("Transfer pull rejected", "status", status)
		return
	}

	var msgs []wire.Message
	if err := json.Unmarshal(body, &msgs); err != nil {
		p.logger.Warn("Failed to decode pulled transfers", "error", err)
		return
	}
	for _, msg := range msgs {
		handler.HandleTransfer(msg)
	}
}

// ping выполняет GET /v1/ping; любой недвухсотый ответ — пир недоступен.
func (p *Peer) ping(ctx context.Context) bool {
	status, _, err := p.doRequest(ctx, http.MethodGet, "/v1/ping", nil)
	if err != nil {
		return false
	}
	return status == http.StatusOK
}

// SendMessage delivers one message over POST /v1/message. Вызывающий
// не ждет round-trip: запрос уходит на собственной горутине, исход
// приходит через reply/errFn. The peer's synchronous reply, when present,
// arrives as the response body.
func (p *Peer) SendMessage(ctx context.Context, msg wire.Message, reply transport.ReplyFunc, errFn transport.ErrorFunc) {
	if !p.Reachable() {
		if errFn != nil {
			errFn(transport.ErrUnreachable)
		}
		return
	}

	p.sendWG.Add(1)
	go func() {
		defer p.sendWG.Done()
		p.deliverMessage(ctx, msg, reply, errFn)
	}()
}

func (p *Peer) deliverMessage(ctx context.Context, msg wire.Message, reply transport.ReplyFunc, errFn transport.ErrorFunc) {
	status, body, err := p.doRequest(ctx, http.MethodPost, "/v1/message", &msg)
	if err != nil {
		p.markUnreachable(err)
		if errFn != nil {
			errFn(fmt.Errorf("%w: %v", transport.ErrUnreachable, err))
		}
		return
	}

	switch status {
	case http.StatusOK:
		var r wire.Message
		if err := json.Unmarshal(body, &r); err != nil {
			if errFn != nil {
				errFn(fmt.Errorf("failed to decode reply: %w", err))
			}
			return
		}
		if reply != nil {
			reply(r)
		}
	case http.StatusNoContent:
		if reply != nil {
			reply(wire.Message{})
		}
	default:
		if errFn != nil {
			errFn(fmt.Errorf("message rejected with status %d: %s", status, string(body)))
		}
	}
}

// UpdateLatestState replaces the mirrored full-state payload. Живому пиру
// payload доставляется фоновым PUT; лежащий пир заберет его сам по
// GET /v1/context при восстановлении. Full-state идемпотентен, поэтому
// повторная доставка безвредна, а потерянный PUT покрывается зеркалом.
func (p *Peer) UpdateLatestState(ctx context.Context, msg wire.Message) error {
	p.mu.Lock()
	p.lastContext = &msg
	up := p.reachable
	p.mu.Unlock()

	if !up {
		return nil
	}

	p.sendWG.Add(1)
	go func() {
		defer p.sendWG.Done()

		status, body, err := p.doRequest(ctx, http.MethodPut, "/v1/context", &msg)
		if err != nil {
			p.markUnreachable(err)
			return
		}
		if status != http.StatusNoContent {
			p.logger.Warn("Context update rejected",
				"status", status, "body", string(body))
		}
	}()
	return nil
}

// TakeLatestState pulls the peer's mirrored full-state payload.
func (p *Peer) TakeLatestState(ctx context.Context) (*wire.Message, error) {
	if !p.Reachable() {
		return nil, nil
	}

	status, body, err := p.doRequest(ctx, http.MethodGet, "/v1/context", nil)
	if err != nil {
		p.markUnreachable(err)
		return nil, fmt.Errorf("failed to fetch peer context: %w", err)
	}

	switch status {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
		var msg wire.Message
		if err := json.Unmarshal(body, &msg); err != nil {
			return nil, fmt.Errorf("failed to decode peer context: %w", err)
		}
		return &msg, nil
	default:
		return nil, fmt.Errorf("context fetch rejected with status %d: %s", status, string(body))
	}
}

// QueueTransfer delivers a guaranteed transfer, buffering it locally while
// the peer is down. Живая доставка уходит в фоне; при неудаче transfer
// возвращается в outbox и дойдет со следующим probe.
func (p *Peer) QueueTransfer(ctx context.Context, msg wire.Message) error {
	p.mu.Lock()
	up := p.reachable
	if !up {
		p.outbox = append(p.outbox, msg)
		count := len(p.outbox)
		p.mu.Unlock()
		p.logger.Info("Buffered transfer for unreachable peer",
			"type", msg.Type, "outbox", count)
		return nil
	}
	p.mu.Unlock()

	p.sendWG.Add(1)
	go func() {
		defer p.sendWG.Done()

		if err := p.postTransfer(ctx, msg); err != nil {
			p.markUnreachable(err)
			p.mu.Lock()
			p.outbox = append(p.outbox, msg)
			p.mu.Unlock()
		}
	}()
	return nil
}

// deliverOutbox отправляет накопленные transfers по порядку; хвост после
// первой ошибки возвращается в outbox.
func (p *Peer) deliverOutbox(ctx context.Context, pending []wire.Message) {
	for i, msg := range pending {
		if err := p.postTransfer(ctx, msg); err != nil {
			p.logger.Warn("Transfer delivery failed, keeping remainder",
				"error", err, "remaining", len(pending)-i)
			p.mu.Lock()
			p.outbox = append(pending[i:], p.outbox...)
			p.mu.Unlock()
			return
		}
	}
}

func (p *Peer) postTransfer(ctx context.Context, msg wire.Message) error {
	status, body, err := p.doRequest(ctx, http.MethodPost, "/v1/transfers", &msg)
	if err != nil {
		return err
	}
	if status != http.StatusNoContent {
		return fmt.Errorf("transfer rejected with status %d: %s", status, string(body))
	}
	return nil
}

// markUnreachable сбрасывает флаг после неудачного запроса. Событие
// reachability при этом не поднимается — им владеет Probe.
func (p *Peer) markUnreachable(err error) {
	p.mu.Lock()
	was := p.reachable
	p.reachable = false
	p.mu.Unlock()

	if was {
		p.logger.Warn("Peer request failed, marking unreachable",
			"peer", p.baseURL, "error", err)
	}
}

// doRequest выполняет HTTP запрос к пиру и возвращает статус и тело.
func (p *Peer) doRequest(ctx context.Context, method, path string, body any) (int, []byte, error) {
	url := p.baseURL + path

	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return resp.StatusCode, respBody, nil
}
