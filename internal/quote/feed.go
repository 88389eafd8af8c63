package quote

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"daytrader/pkg/exception"

	"github.com/shopspring/decimal"
	ydecimal "github.com/yanun0323/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
	"github.com/yanun0323/pkg/ws"
)

// FeedSource serves quotes from a live websocket trade stream instead
// of the mock price. It keeps the last seen trade per symbol; Fetch
// never waits on the feed.
type FeedSource struct {
	wss      *ws.WebSocket
	staleCap time.Duration

	mu   sync.RWMutex
	last map[string]Data
}

// NewFeedSource prepares a feed client for the given stream url.
func NewFeedSource(ctx context.Context, url string, staleCap time.Duration) *FeedSource {
	if staleCap <= 0 {
		staleCap = time.Minute
	}
	return &FeedSource{
		wss:      ws.New(ctx, url),
		staleCap: staleCap,
		last:     make(map[string]Data),
	}
}

// Start connects the stream and begins observing trades.
func (s *FeedSource) Start(ctx context.Context) error {
	if err := s.wss.Start(ctx); err != nil {
		return errors.Wrap(err, "start quote feed")
	}
	s.observe(ctx)
	return nil
}

// Close tears down the stream connection.
func (s *FeedSource) Close() {
	s.wss.Close()
}

type feedSubscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

type feedSubscribeResponse struct {
	ID     int64 `json:"id"`
	Result any   `json:"result"`
}

// feedTrade is the per-trade stream payload.
type feedTrade struct {
	EventType string           `json:"e"`
	EventTime int64            `json:"E"`
	Symbol    string           `json:"s"`
	Price     ydecimal.Decimal `json:"p"`
}

// SubscribeTrades subscribes the trade stream for a symbol.
func (s *FeedSource) SubscribeTrades(ctx context.Context, symbol string) error {
	if err := s.wss.SendAndWait(ctx, ws.Sidecar{
		Sender: func(ctx context.Context, conn *ws.WebSocket) error {
			payload := feedSubscribeRequest{
				Method: "SUBSCRIBE",
				Params: []string{fmt.Sprintf("%s@trade", strings.ToLower(symbol))},
				ID:     1,
			}
			if err := conn.WriteJSON(payload); err != nil {
				return errors.Wrap(err, "write subscribe payload").With("payload", payload)
			}
			return nil
		},
		Waiter: func(ctx context.Context, m ws.Message) (bool, error) {
			var resp feedSubscribeResponse
			if err := m.Unmarshal(&resp); err != nil || resp.ID != 1 {
				return false, nil
			}
			if resp.Result != nil {
				return false, errors.Errorf("subscribe rejected, err: %+v", resp.Result)
			}
			return true, nil
		},
	}, true); err != nil {
		return errors.Wrap(err, "send and wait")
	}
	return nil
}

func (s *FeedSource) observe(ctx context.Context) {
	ch, cancel := s.wss.Subscribe()

	go func() {
		defer cancel()
		for {
			select {
			case <-sys.Shutdown():
				return
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}

				trade, ok := ws.ReadMessage[feedTrade](m)
				if !ok || trade.EventType != "trade" {
					continue
				}

				price, err := decimal.NewFromString(trade.Price.String())
				if err != nil {
					logs.Errorf("bad feed price %q for %s", trade.Price.String(), trade.Symbol)
					continue
				}

				s.mu.Lock()
				s.last[strings.ToUpper(trade.Symbol)] = Data{
					Symbol:    strings.ToUpper(trade.Symbol),
					Price:     price,
					Timestamp: time.UnixMilli(trade.EventTime),
					Proof:     "feed",
				}
				s.mu.Unlock()
			}
		}
	}()
}

// Fetch returns the last trade for a symbol; it fails when the feed
// has not seen the symbol or the last trade is older than the cap.
func (s *FeedSource) Fetch(_ context.Context, symbol, userID string) (Data, error) {
	s.mu.RLock()
	d, ok := s.last[strings.ToUpper(symbol)]
	s.mu.RUnlock()
	if !ok {
		return Data{}, exception.ErrFeedNotStarted
	}
	if time.Since(d.Timestamp) > s.staleCap {
		return Data{}, exception.ErrQuoteUnavailable
	}
	d.UserID = userID
	return d, nil
}
