package quote

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/vtrade/trading-engine/internal/model"
)

// tick is one price update from the feed:
//
//	{"symbol":"AAPL","price":"175.43","changePercent":"0.41"}
type tick struct {
	Symbol        string `json:"symbol" validate:"required"`
	Price         string `json:"price" validate:"required,numeric"`
	ChangePercent string `json:"changePercent" validate:"omitempty,numeric"`
}

// StreamSource keeps the latest price per symbol from a websocket tick feed.
// Symbols the feed has not sent yet are served by the fallback source.
type StreamSource struct {
	url      string
	fallback Source
	validate *validator.Validate

	mu     sync.RWMutex
	latest map[string]model.Quote

	// Reconnect backoff bounds.
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// NewStreamSource creates a feed-backed source. fallback may be nil.
func NewStreamSource(url string, fallback Source) *StreamSource {
	return &StreamSource{
		url:        url,
		fallback:   fallback,
		validate:   validator.New(),
		latest:     make(map[string]model.Quote),
		MinBackoff: 500 * time.Millisecond,
		MaxBackoff: 30 * time.Second,
	}
}

// Quote returns the most recent tick for symbol.
func (s *StreamSource) Quote(ctx context.Context, symbol string) (model.Quote, error) {
	sym, err := NormalizeSymbol(symbol)
	if err != nil {
		return model.Quote{}, err
	}

	s.mu.RLock()
	q, ok := s.latest[sym]
	s.mu.RUnlock()
	if ok {
		return q, nil
	}

	if s.fallback != nil {
		return s.fallback.Quote(ctx, sym)
	}
	return model.Quote{}, fmt.Errorf("%w: %s", ErrSymbolNotFound, sym)
}

// Run connects to the feed and consumes ticks until ctx is cancelled,
// reconnecting with exponential backoff. Must be called in a goroutine.
func (s *StreamSource) Run(ctx context.Context) {
	backoff := s.MinBackoff
	for {
		err := s.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		slog.Warn("quote feed disconnected", "url", s.url, "err", err, "retry_in", backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.MaxBackoff {
			backoff = s.MaxBackoff
		}
	}
}

// consume runs one connection until it fails or ctx ends.
func (s *StreamSource) consume(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	slog.Info("quote feed connected", "url", s.url)

	// Unblock ReadMessage on shutdown.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := s.handleTick(raw); err != nil {
			slog.Warn("quote feed: dropped tick", "err", err)
		}
	}
}

func (s *StreamSource) handleTick(raw []byte) error {
	var t tick
	if err := json.Unmarshal(raw, &t); err != nil {
		return fmt.Errorf("decode tick: %w", err)
	}
	if err := s.validate.Struct(&t); err != nil {
		return fmt.Errorf("validate tick: %w", err)
	}

	sym, err := NormalizeSymbol(t.Symbol)
	if err != nil {
		return err
	}
	price, err := decimal.NewFromString(t.Price)
	if err != nil {
		return fmt.Errorf("tick price: %w", err)
	}
	if !price.IsPositive() {
		return fmt.Errorf("tick price must be positive, got %s", price)
	}
	change := decimal.Zero
	if t.ChangePercent != "" {
		if change, err = decimal.NewFromString(t.ChangePercent); err != nil {
			return fmt.Errorf("tick change: %w", err)
		}
	}

	s.mu.Lock()
	s.latest[sym] = model.Quote{
		Symbol:        sym,
		Price:         price,
		ChangePercent: change,
		Timestamp:     time.Now().UTC(),
	}
	s.mu.Unlock()
	return nil
}
