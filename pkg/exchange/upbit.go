package exchange

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/mrcha033/ats/pkg/events"
	"github.com/mrcha033/ats/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Upbit implements the adapter contract for Upbit. Signed requests carry an
// HS256 JWT with access_key, a UUID nonce and, when parameters are present,
// a SHA-512 query hash. Venue symbols put the quote currency first
// ("BTC/USDT" -> "USDT-BTC").
type Upbit struct {
	*base
}

func NewUpbit(cfg Config, symbols []models.Symbol, bus Publisher, logger *logrus.Logger) *Upbit {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.upbit.com"
	}
	if cfg.StreamURL == "" {
		cfg.StreamURL = "wss://api.upbit.com/websocket/v1"
	}

	a := &Upbit{base: newBase(cfg, bus, logger)}
	for _, s := range symbols {
		canonical := models.NormalizeSymbol(s)
		if venue, err := upbitSymbol(canonical); err == nil {
			a.registerSymbol(canonical, venue)
		}
	}

	a.rest.sign = a.signRequest
	a.rest.parseErr = a.parseVenueError

	a.stream = newStreamClient(cfg.ID, cfg.StreamURL, &a.state, &a.stats, logger)
	a.stream.sendSubscribe = a.sendSubscribe
	a.stream.onMessage = a.handleMessage
	return a
}

func upbitSymbol(canonical models.Symbol) (string, error) {
	base, quote, err := models.SplitSymbol(canonical)
	if err != nil {
		return "", err
	}
	return quote + "-" + base, nil
}

func (a *Upbit) Name() string { return a.cfg.ID }

func (a *Upbit) Connect(ctx context.Context) error    { return a.connect(ctx) }
func (a *Upbit) Disconnect(ctx context.Context) error { return a.disconnect(ctx) }

func (a *Upbit) ToVenueSymbol(s models.Symbol) (string, error) {
	if v, ok := a.venueSymbol(s); ok {
		return v, nil
	}
	return "", newError(KindProtocol, a.cfg.ID, "symbol", "unsupported symbol "+s)
}

func (a *Upbit) FromVenueSymbol(v string) (models.Symbol, error) {
	if s, ok := a.canonicalSymbol(v); ok {
		return s, nil
	}
	return "", newError(KindProtocol, a.cfg.ID, "symbol", "unknown venue symbol "+v)
}

// --- signing -------------------------------------------------------------

// signRequest attaches the Upbit JWT. The query hash is SHA-512 over the
// encoded query string and included only when parameters exist.
func (a *Upbit) signRequest(req *http.Request, query url.Values, _ []byte) error {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, a.upbitClaims(query))
	signed, err := token.SignedString([]byte(a.cfg.APISecret))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+signed)
	return nil
}

func (a *Upbit) upbitClaims(query url.Values) jwt.MapClaims {
	claims := jwt.MapClaims{
		"access_key": a.cfg.APIKey,
		"nonce":      uuid.NewString(),
	}
	if len(query) > 0 {
		sum := sha512.Sum512([]byte(query.Encode()))
		claims["query_hash"] = hex.EncodeToString(sum[:])
		claims["query_hash_alg"] = "SHA512"
	}
	return claims
}

type upbitAPIError struct {
	Error struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"error"`
}

func (a *Upbit) parseVenueError(op string, status int, body []byte) *Error {
	var ve upbitAPIError
	if err := json.Unmarshal(body, &ve); err != nil || ve.Error.Name == "" {
		return newError(KindProtocol, a.cfg.ID, op, fmt.Sprintf("status %d: %s", status, truncate(body)))
	}
	kind := KindBusiness
	switch ve.Error.Name {
	case "invalid_access_key", "jwt_verification", "expired_access_key", "invalid_signature":
		kind = KindAuth
	case "too_many_requests":
		kind = KindRateLimited
	case "duplicated_identifier":
		kind = KindDuplicateOrder
	}
	return newError(kind, a.cfg.ID, op, ve.Error.Name+": "+ve.Error.Message)
}

// --- streaming -----------------------------------------------------------

func (a *Upbit) Subscribe(kind StreamKind, symbols ...models.Symbol) error {
	for _, s := range symbols {
		venue, err := a.ToVenueSymbol(s)
		if err != nil {
			return err
		}
		if err := a.stream.subscribe(kind, venue); err != nil {
			return err
		}
	}
	return nil
}

func (a *Upbit) Unsubscribe(kind StreamKind, symbol models.Symbol) error {
	venue, err := a.ToVenueSymbol(symbol)
	if err != nil {
		return err
	}
	a.stream.unsubscribe(kind, venue)
	return nil
}

// sendSubscribe writes the single Upbit subscribe frame. The frame replaces
// the connection's whole subscription, so it always covers every registered
// stream; ticker codes ride along with orderbook codes so quotes can carry a
// last price.
func (a *Upbit) sendSubscribe(conn wsWriter, subs []subKey) error {
	codes := map[StreamKind][]string{}
	for _, key := range subs {
		codes[key.kind] = appendUnique(codes[key.kind], key.symbol)
		if key.kind == StreamTicker || key.kind == StreamOrderBook {
			codes[StreamTicker] = appendUnique(codes[StreamTicker], key.symbol)
			codes[StreamOrderBook] = appendUnique(codes[StreamOrderBook], key.symbol)
		}
	}

	frame := []interface{}{map[string]string{"ticket": uuid.NewString()}}
	if len(codes[StreamTicker]) > 0 {
		frame = append(frame, map[string]interface{}{"type": "ticker", "codes": codes[StreamTicker]})
	}
	if len(codes[StreamOrderBook]) > 0 {
		frame = append(frame, map[string]interface{}{"type": "orderbook", "codes": codes[StreamOrderBook]})
	}
	if len(codes[StreamTrades]) > 0 {
		frame = append(frame, map[string]interface{}{"type": "trade", "codes": codes[StreamTrades]})
	}
	frame = append(frame, map[string]string{"format": "DEFAULT"})
	return conn.WriteJSON(frame)
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

type upbitTickerMsg struct {
	Type      string      `json:"type"`
	Code      string      `json:"code"`
	Last      json.Number `json:"trade_price"`
	Volume24h json.Number `json:"acc_trade_volume_24h"`
	Timestamp int64       `json:"timestamp"`
}

type upbitOrderbookMsg struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Timestamp int64  `json:"timestamp"`
	Units     []struct {
		AskPrice json.Number `json:"ask_price"`
		BidPrice json.Number `json:"bid_price"`
		AskSize  json.Number `json:"ask_size"`
		BidSize  json.Number `json:"bid_size"`
	} `json:"orderbook_units"`
}

func (a *Upbit) handleMessage(data []byte) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		a.stats.ParseError()
		return
	}
	switch probe.Type {
	case "ticker":
		a.handleTicker(data)
	case "orderbook":
		a.handleOrderbook(data)
	case "trade":
		// last price already tracked via ticker
	default:
		a.stats.ParseError()
	}
}

func (a *Upbit) handleTicker(data []byte) {
	var msg upbitTickerMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		a.stats.ParseError()
		return
	}
	if last, err := decimal.NewFromString(msg.Last.String()); err == nil {
		a.setLastPrice(msg.Code, last)
	}
}

// handleOrderbook synthesizes a quote from the top orderbook unit; Upbit's
// ticker frames carry no bid/ask.
func (a *Upbit) handleOrderbook(data []byte) {
	var msg upbitOrderbookMsg
	if err := json.Unmarshal(data, &msg); err != nil || len(msg.Units) == 0 {
		a.stats.ParseError()
		return
	}
	symbol, ok := a.canonicalSymbol(msg.Code)
	if !ok {
		return
	}
	top := msg.Units[0]
	bid, err1 := decimal.NewFromString(top.BidPrice.String())
	ask, err2 := decimal.NewFromString(top.AskPrice.String())
	bidSize, err3 := decimal.NewFromString(top.BidSize.String())
	askSize, err4 := decimal.NewFromString(top.AskSize.String())
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		a.stats.ParseError()
		a.logger.WithFields(logrus.Fields{"venue": a.cfg.ID, "code": msg.Code}).
			Debug("Dropping malformed orderbook frame")
		return
	}

	a.bus.PublishQuote(events.QuoteEvent{Quote: models.Quote{
		Symbol:    symbol,
		Venue:     a.cfg.ID,
		Bid:       bid,
		Ask:       ask,
		BidSize:   bidSize,
		AskSize:   askSize,
		Last:      a.getLastPrice(msg.Code),
		Timestamp: time.UnixMilli(msg.Timestamp),
	}})
}

// --- REST ----------------------------------------------------------------

func (a *Upbit) GetTicker(ctx context.Context, symbol models.Symbol) (models.Quote, error) {
	venue, err := a.ToVenueSymbol(symbol)
	if err != nil {
		return models.Quote{}, err
	}

	book, err := a.GetOrderBook(ctx, symbol, 1)
	if err != nil {
		return models.Quote{}, err
	}

	query := url.Values{"markets": {venue}}
	data, err := a.rest.do(ctx, "get_ticker", http.MethodGet, "/v1/ticker", query, nil, false)
	if err != nil {
		return models.Quote{}, err
	}
	var resp []upbitTickerMsg
	if err := json.Unmarshal(data, &resp); err != nil || len(resp) == 0 {
		return models.Quote{}, wrapError(KindProtocol, a.cfg.ID, "get_ticker", err)
	}
	last, err := parseDecimal(a.cfg.ID, "get_ticker", "trade_price", resp[0].Last.String())
	if err != nil {
		return models.Quote{}, err
	}
	vol, err := parseDecimal(a.cfg.ID, "get_ticker", "acc_trade_volume_24h", resp[0].Volume24h.String())
	if err != nil {
		return models.Quote{}, err
	}

	q := models.Quote{
		Symbol:    symbol,
		Venue:     a.cfg.ID,
		Last:      last,
		Volume24h: vol,
		Timestamp: time.UnixMilli(resp[0].Timestamp),
	}
	if bb, ok := book.BestBid(); ok {
		q.Bid, q.BidSize = bb.Price, bb.Quantity
	}
	if ba, ok := book.BestAsk(); ok {
		q.Ask, q.AskSize = ba.Price, ba.Quantity
	}
	return q, nil
}

func (a *Upbit) GetOrderBook(ctx context.Context, symbol models.Symbol, _ int) (models.OrderBook, error) {
	venue, err := a.ToVenueSymbol(symbol)
	if err != nil {
		return models.OrderBook{}, err
	}
	query := url.Values{"markets": {venue}}
	data, err := a.rest.do(ctx, "get_orderbook", http.MethodGet, "/v1/orderbook", query, nil, false)
	if err != nil {
		return models.OrderBook{}, err
	}
	var resp []upbitOrderbookMsg
	if err := json.Unmarshal(data, &resp); err != nil || len(resp) == 0 {
		return models.OrderBook{}, wrapError(KindProtocol, a.cfg.ID, "get_orderbook", err)
	}

	book := models.OrderBook{Symbol: symbol, Venue: a.cfg.ID, Timestamp: time.UnixMilli(resp[0].Timestamp)}
	for _, unit := range resp[0].Units {
		bidPrice, err1 := decimal.NewFromString(unit.BidPrice.String())
		bidSize, err2 := decimal.NewFromString(unit.BidSize.String())
		askPrice, err3 := decimal.NewFromString(unit.AskPrice.String())
		askSize, err4 := decimal.NewFromString(unit.AskSize.String())
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			return models.OrderBook{}, newError(KindProtocol, a.cfg.ID, "get_orderbook", "bad orderbook unit")
		}
		book.Bids = append(book.Bids, models.BookLevel{Price: bidPrice, Quantity: bidSize})
		book.Asks = append(book.Asks, models.BookLevel{Price: askPrice, Quantity: askSize})
	}
	return book, nil
}

type upbitOrderResp struct {
	UUID            string      `json:"uuid"`
	Identifier      string      `json:"identifier"`
	Side            string      `json:"side"`
	State           string      `json:"state"`
	Market          string      `json:"market"`
	Volume          json.Number `json:"volume"`
	ExecutedVolume  json.Number `json:"executed_volume"`
	RemainingVolume json.Number `json:"remaining_volume"`
	PaidFee         json.Number `json:"paid_fee"`
	CreatedAt       string      `json:"created_at"`
	Trades          []struct {
		Price  json.Number `json:"price"`
		Volume json.Number `json:"volume"`
	} `json:"trades"`
}

func upbitStatus(state string, executed decimal.Decimal, remaining decimal.Decimal) models.OrderStatus {
	switch state {
	case "wait", "watch":
		if executed.Sign() > 0 {
			return models.OrderStatusPartiallyFilled
		}
		return models.OrderStatusSubmitted
	case "done":
		return models.OrderStatusFilled
	case "cancel":
		return models.OrderStatusCanceled
	}
	return models.OrderStatusSubmitted
}

func upbitSide(side models.OrderSide) string {
	if side == models.OrderSideBuy {
		return "bid"
	}
	return "ask"
}

func (a *Upbit) PlaceOrder(ctx context.Context, req models.OrderRequest) (models.OrderExecution, error) {
	venue, err := a.ToVenueSymbol(req.Symbol)
	if err != nil {
		return models.OrderExecution{}, err
	}
	if err := a.markPlaced(req.ClientOrderID); err != nil {
		return models.OrderExecution{}, err
	}

	query := url.Values{}
	query.Set("market", venue)
	query.Set("side", upbitSide(req.Side))
	query.Set("identifier", req.ClientOrderID)
	switch req.Type {
	case models.OrderTypeLimit:
		query.Set("ord_type", "limit")
		query.Set("volume", req.Quantity.String())
		query.Set("price", req.Price.String())
	default:
		// Market buys spend quote currency; market sells give base volume.
		if req.Side == models.OrderSideBuy {
			query.Set("ord_type", "price")
			query.Set("price", req.Quantity.Mul(req.Price).String())
		} else {
			query.Set("ord_type", "market")
			query.Set("volume", req.Quantity.String())
		}
	}

	data, err := a.rest.do(ctx, "place_order", http.MethodPost, "/v1/orders", query, nil, true)
	if err != nil {
		if KindOf(err) != KindDuplicateOrder {
			a.unmarkPlaced(req.ClientOrderID)
		}
		return models.OrderExecution{}, err
	}

	var resp upbitOrderResp
	if err := json.Unmarshal(data, &resp); err != nil {
		return models.OrderExecution{}, wrapError(KindProtocol, a.cfg.ID, "place_order", err)
	}
	exec, err := a.executionFromOrder(req.Symbol, resp)
	if err != nil {
		return models.OrderExecution{}, err
	}
	if exec.Quantity.IsZero() {
		exec.Quantity = req.Quantity
		exec.RemainingQuantity = req.Quantity.Sub(exec.FilledQuantity)
	}
	exec.Side = req.Side
	return exec, nil
}

func (a *Upbit) executionFromOrder(symbol models.Symbol, resp upbitOrderResp) (models.OrderExecution, error) {
	const op = "order_state"
	executed, err := parseDecimal(a.cfg.ID, op, "executed_volume", resp.ExecutedVolume.String())
	if err != nil {
		return models.OrderExecution{}, err
	}
	remaining, err := parseDecimal(a.cfg.ID, op, "remaining_volume", resp.RemainingVolume.String())
	if err != nil {
		return models.OrderExecution{}, err
	}
	volume, err := parseDecimal(a.cfg.ID, op, "volume", resp.Volume.String())
	if err != nil {
		return models.OrderExecution{}, err
	}
	fee, err := parseDecimal(a.cfg.ID, op, "paid_fee", resp.PaidFee.String())
	if err != nil {
		return models.OrderExecution{}, err
	}

	// Volume-weighted fill price from the trade list.
	notional := decimal.Zero
	filled := decimal.Zero
	for _, t := range resp.Trades {
		p, err := parseDecimal(a.cfg.ID, op, "trade_price", t.Price.String())
		if err != nil {
			return models.OrderExecution{}, err
		}
		v, err := parseDecimal(a.cfg.ID, op, "trade_volume", t.Volume.String())
		if err != nil {
			return models.OrderExecution{}, err
		}
		notional = notional.Add(p.Mul(v))
		filled = filled.Add(v)
	}
	avg := decimal.Zero
	if filled.Sign() > 0 {
		avg = notional.Div(filled)
	}

	side := models.OrderSideBuy
	if resp.Side == "ask" {
		side = models.OrderSideSell
	}

	updated := time.Now()
	if ts, err := time.Parse(time.RFC3339, resp.CreatedAt); err == nil {
		updated = ts
	}

	return models.OrderExecution{
		ClientOrderID:     resp.Identifier,
		VenueOrderID:      resp.UUID,
		Symbol:            symbol,
		Venue:             a.cfg.ID,
		Side:              side,
		Status:            upbitStatus(resp.State, executed, remaining),
		Quantity:          volume,
		FilledQuantity:    executed,
		RemainingQuantity: remaining,
		AverageFillPrice:  avg,
		FeesPaid:          fee,
		LastUpdated:       updated,
	}, nil
}

func (a *Upbit) CancelOrder(ctx context.Context, _ models.Symbol, clientOrderID string) error {
	query := url.Values{"identifier": {clientOrderID}}
	_, err := a.rest.do(ctx, "cancel_order", http.MethodDelete, "/v1/order", query, nil, true)
	return err
}

func (a *Upbit) QueryOrder(ctx context.Context, symbol models.Symbol, clientOrderID string) (models.OrderExecution, error) {
	query := url.Values{"identifier": {clientOrderID}}
	data, err := a.rest.do(ctx, "query_order", http.MethodGet, "/v1/order", query, nil, true)
	if err != nil {
		return models.OrderExecution{}, err
	}
	var resp upbitOrderResp
	if err := json.Unmarshal(data, &resp); err != nil {
		return models.OrderExecution{}, wrapError(KindProtocol, a.cfg.ID, "query_order", err)
	}
	return a.executionFromOrder(symbol, resp)
}

func (a *Upbit) ListActiveOrders(ctx context.Context) ([]models.OrderExecution, error) {
	query := url.Values{"state": {"wait"}}
	data, err := a.rest.do(ctx, "list_orders", http.MethodGet, "/v1/orders/open", query, nil, true)
	if err != nil {
		return nil, err
	}
	var resp []upbitOrderResp
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, wrapError(KindProtocol, a.cfg.ID, "list_orders", err)
	}
	out := make([]models.OrderExecution, 0, len(resp))
	for _, o := range resp {
		symbol, ok := a.canonicalSymbol(o.Market)
		if !ok {
			continue
		}
		exec, err := a.executionFromOrder(symbol, o)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, nil
}

func (a *Upbit) GetBalances(ctx context.Context) ([]models.Balance, error) {
	data, err := a.rest.do(ctx, "get_balances", http.MethodGet, "/v1/accounts", nil, nil, true)
	if err != nil {
		return nil, err
	}
	var resp []struct {
		Currency string      `json:"currency"`
		Balance  json.Number `json:"balance"`
		Locked   json.Number `json:"locked"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, wrapError(KindProtocol, a.cfg.ID, "get_balances", err)
	}
	out := make([]models.Balance, 0, len(resp))
	for _, b := range resp {
		free, err := parseDecimal(a.cfg.ID, "get_balances", "balance", b.Balance.String())
		if err != nil {
			return nil, err
		}
		locked, err := parseDecimal(a.cfg.ID, "get_balances", "locked", b.Locked.String())
		if err != nil {
			return nil, err
		}
		out = append(out, models.Balance{
			Venue:     a.cfg.ID,
			Currency:  strings.ToUpper(b.Currency),
			Total:     free.Add(locked),
			Available: free,
			Locked:    locked,
		})
	}
	a.bus.PublishBalances(events.BalanceEvent{Venue: a.cfg.ID, Balances: out})
	return out, nil
}
