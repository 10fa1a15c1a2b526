package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// DefaultWallexSocketURL is the Wallex Socket.IO endpoint.
const DefaultWallexSocketURL = "wss://api.wallex.ir/socket.io/"

// WallexTrade represents a trade message from Wallex
type WallexTrade struct {
	IsBuyOrder bool      `json:"isBuyOrder"`
	Quantity   string    `json:"quantity"`
	Price      string    `json:"price"`
	Timestamp  time.Time `json:"timestamp"`
}

// ConnectionState represents the state of the websocket connection
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
)

// SubscribeMessage is used to subscribe to a channel via Socket.IO
// e.g. {"channel": "USDTTMN@trade"}
type SubscribeMessage struct {
	Channel string `json:"channel"`
}

// TradeWatcher follows the public trade channels of a set of symbols and keeps
// the last traded price of each. It reconnects with backoff until stopped.
type TradeWatcher struct {
	rawURL  string
	symbols []string
	logger  *zap.Logger

	mu        sync.RWMutex
	state     ConnectionState
	healthErr error
	last      map[string]WallexTrade
	lastAt    map[string]time.Time
}

func NewTradeWatcher(rawURL string, symbols []string, logger *zap.Logger) *TradeWatcher {
	if rawURL == "" {
		rawURL = DefaultWallexSocketURL
	}
	normalized := make([]string, 0, len(symbols))
	for _, s := range symbols {
		normalized = append(normalized, NormalizeSymbol(s))
	}
	return &TradeWatcher{
		rawURL:  rawURL,
		symbols: normalized,
		logger:  logger.Named("wallex-ws"),
		last:    make(map[string]WallexTrade),
		lastAt:  make(map[string]time.Time),
	}
}

// LastPrice returns the price of the last trade seen for symbol.
func (w *TradeWatcher) LastPrice(symbol string) (float64, bool) {
	w.mu.RLock()
	trade, ok := w.last[NormalizeSymbol(symbol)]
	w.mu.RUnlock()
	if !ok {
		return 0, false
	}
	price, err := strconv.ParseFloat(trade.Price, 64)
	if err != nil {
		return 0, false
	}
	return price, true
}

// IsConnected returns true if the websocket is connected
func (w *TradeWatcher) IsConnected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state == Connected
}

// Health returns the last health error (if any)
func (w *TradeWatcher) Health() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.healthErr
}

func (w *TradeWatcher) setState(state ConnectionState, err error) {
	w.mu.Lock()
	w.state = state
	if err != nil || state == Connected {
		w.healthErr = err
	}
	w.mu.Unlock()
}

func (w *TradeWatcher) updateLastTrade(symbol string, trade WallexTrade) {
	w.mu.Lock()
	w.last[symbol] = trade
	w.lastAt[symbol] = time.Now()
	w.mu.Unlock()
}

// Start connects in the background and streams until ctx is done.
func (w *TradeWatcher) Start(ctx context.Context) {
	go func() {
		retryDelay := time.Second
		for {
			err := w.connectAndStream(ctx)
			if ctx.Err() != nil {
				w.setState(Disconnected, nil)
				return
			}
			w.setState(Reconnecting, err)
			w.logger.Warn("WallexWebsocket | Disconnected, retrying", zap.Duration("delay", retryDelay), zap.Error(err))
			select {
			case <-ctx.Done():
				w.setState(Disconnected, nil)
				return
			case <-time.After(retryDelay):
			}
			retryDelay = min(retryDelay*2, 60*time.Second)
		}
	}()
}

func (w *TradeWatcher) endpoint() (string, error) {
	u, err := url.Parse(w.rawURL)
	if err != nil {
		return "", err
	}
	query := u.Query()
	query.Set("EIO", "4")
	query.Set("transport", "websocket")
	u.RawQuery = query.Encode()
	return u.String(), nil
}

// connectAndStream handles a single websocket connection session
func (w *TradeWatcher) connectAndStream(ctx context.Context) error {
	w.setState(Connecting, nil)
	endpoint, err := w.endpoint()
	if err != nil {
		return err
	}

	c, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-stop:
		}
	}()

	w.setState(Connected, nil)
	w.logger.Info("WallexWebsocket | Connection established", zap.Strings("symbols", w.symbols))

	// Socket.IO connect
	if err := c.WriteMessage(websocket.TextMessage, []byte("40")); err != nil {
		return err
	}

	for {
		c.SetReadDeadline(time.Now().Add(30 * time.Second))
		_, message, err := c.ReadMessage()
		if err != nil {
			return err
		}
		msg := string(message)
		switch {
		case msg == "2":
			// Socket.IO ping
			if err := c.WriteMessage(websocket.TextMessage, []byte("3")); err != nil {
				return err
			}
		case strings.HasPrefix(msg, "40"):
			if err := w.subscribe(c); err != nil {
				return err
			}
		case strings.HasPrefix(msg, "42"):
			symbol, trade, ok := parseBroadcast(msg)
			if ok {
				w.updateLastTrade(symbol, trade)
			}
		}
	}
}

func (w *TradeWatcher) subscribe(c *websocket.Conn) error {
	for _, symbol := range w.symbols {
		subscribeJSON, err := json.Marshal(SubscribeMessage{Channel: symbol + "@trade"})
		if err != nil {
			return err
		}
		socketIOMsg := fmt.Sprintf(`42["subscribe",%s]`, subscribeJSON)
		if err := c.WriteMessage(websocket.TextMessage, []byte(socketIOMsg)); err != nil {
			return err
		}
		w.logger.Debug("WallexWebsocket | Subscribed", zap.String("channel", symbol+"@trade"))
	}
	return nil
}

// parseBroadcast decodes 42["Broadcaster","SYMBOL@trade",{...}].
func parseBroadcast(msg string) (string, WallexTrade, bool) {
	var eventArray []json.RawMessage
	if err := json.Unmarshal([]byte(strings.TrimPrefix(msg, "42")), &eventArray); err != nil || len(eventArray) < 3 {
		return "", WallexTrade{}, false
	}
	var eventName, channel string
	if json.Unmarshal(eventArray[0], &eventName) != nil || eventName != "Broadcaster" {
		return "", WallexTrade{}, false
	}
	if json.Unmarshal(eventArray[1], &channel) != nil {
		return "", WallexTrade{}, false
	}
	symbol, ok := strings.CutSuffix(channel, "@trade")
	if !ok {
		return "", WallexTrade{}, false
	}
	var trade WallexTrade
	if err := json.Unmarshal(eventArray[2], &trade); err != nil {
		return "", WallexTrade{}, false
	}
	return symbol, trade, true
}

// NormalizeSymbol converts e.g. btc-usdt to BTCUSDT for Wallex API
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "-", ""))
}

// BaseAsset extracts the base asset of a trading symbol
// e.g., "BTC-USDT" -> "BTC"
func BaseAsset(symbol string) string {
	for _, sep := range []string{"/", "-"} {
		if parts := strings.Split(symbol, sep); len(parts) == 2 {
			return strings.ToUpper(parts[0])
		}
	}
	return ""
}
