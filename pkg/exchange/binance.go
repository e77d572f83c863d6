package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mrcha033/ats/pkg/events"
	"github.com/mrcha033/ats/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Binance implements the adapter contract for Binance spot. Requests are
// signed with HMAC-SHA256 over the canonical query string; streams use the
// combined websocket with SUBSCRIBE frames.
type Binance struct {
	*base
	subID int64
}

func NewBinance(cfg Config, symbols []models.Symbol, bus Publisher, logger *logrus.Logger) *Binance {
	if cfg.BaseURL == "" {
		if cfg.Testnet {
			cfg.BaseURL = "https://testnet.binance.vision"
		} else {
			cfg.BaseURL = "https://api.binance.com"
		}
	}
	if cfg.StreamURL == "" {
		cfg.StreamURL = "wss://stream.binance.com:9443/ws"
	}

	a := &Binance{base: newBase(cfg, bus, logger)}
	for _, s := range symbols {
		canonical := models.NormalizeSymbol(s)
		a.registerSymbol(canonical, strings.ReplaceAll(canonical, "/", ""))
	}

	a.rest.sign = a.signRequest
	a.rest.parseErr = a.parseVenueError

	a.stream = newStreamClient(cfg.ID, cfg.StreamURL, &a.state, &a.stats, logger)
	a.stream.sendSubscribe = a.sendSubscribe
	a.stream.onMessage = a.handleMessage
	return a
}

func (a *Binance) Name() string { return a.cfg.ID }

func (a *Binance) Connect(ctx context.Context) error    { return a.connect(ctx) }
func (a *Binance) Disconnect(ctx context.Context) error { return a.disconnect(ctx) }

func (a *Binance) ToVenueSymbol(s models.Symbol) (string, error) {
	if v, ok := a.venueSymbol(s); ok {
		return v, nil
	}
	return "", newError(KindProtocol, a.cfg.ID, "symbol", "unsupported symbol "+s)
}

func (a *Binance) FromVenueSymbol(v string) (models.Symbol, error) {
	if s, ok := a.canonicalSymbol(v); ok {
		return s, nil
	}
	return "", newError(KindProtocol, a.cfg.ID, "symbol", "unknown venue symbol "+v)
}

// --- signing -------------------------------------------------------------

// signRequest appends timestamp and HMAC-SHA256 signature to the query
// string, the Binance signed-endpoint scheme.
func (a *Binance) signRequest(req *http.Request, query url.Values, _ []byte) error {
	q := req.URL.Query()
	mac := hmac.New(sha256.New, []byte(a.cfg.APISecret))
	mac.Write([]byte(q.Encode()))
	q.Set("signature", hex.EncodeToString(mac.Sum(nil)))
	req.URL.RawQuery = q.Encode()
	req.Header.Set("X-MBX-APIKEY", a.cfg.APIKey)
	return nil
}

func binanceTimestamp() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 10)
}

type binanceAPIError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (a *Binance) parseVenueError(op string, status int, body []byte) *Error {
	var ve binanceAPIError
	if err := json.Unmarshal(body, &ve); err != nil {
		return newError(KindProtocol, a.cfg.ID, op, fmt.Sprintf("status %d: %s", status, truncate(body)))
	}
	kind := KindBusiness
	switch ve.Code {
	case -1003:
		kind = KindRateLimited
	case -1022, -2014, -2015:
		kind = KindAuth
	}
	if strings.Contains(strings.ToLower(ve.Msg), "duplicate") {
		kind = KindDuplicateOrder
	}
	return newError(kind, a.cfg.ID, op, fmt.Sprintf("venue code %d: %s", ve.Code, ve.Msg))
}

// --- streaming -----------------------------------------------------------

func (a *Binance) Subscribe(kind StreamKind, symbols ...models.Symbol) error {
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

func (a *Binance) Unsubscribe(kind StreamKind, symbol models.Symbol) error {
	venue, err := a.ToVenueSymbol(symbol)
	if err != nil {
		return err
	}
	a.stream.unsubscribe(kind, venue)
	return nil
}

func binanceStreamName(key subKey) string {
	sym := strings.ToLower(key.symbol)
	switch key.kind {
	case StreamTicker:
		return sym + "@ticker"
	case StreamOrderBook:
		return sym + "@depth20"
	case StreamTrades:
		return sym + "@trade"
	}
	return sym + "@ticker"
}

func (a *Binance) sendSubscribe(conn wsWriter, subs []subKey) error {
	params := make([]string, 0, len(subs))
	for _, key := range subs {
		params = append(params, binanceStreamName(key))
	}
	a.subID++
	return conn.WriteJSON(map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": params,
		"id":     a.subID,
	})
}

type binanceTickerMsg struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Bid       string `json:"b"`
	BidQty    string `json:"B"`
	Ask       string `json:"a"`
	AskQty    string `json:"A"`
	Last      string `json:"c"`
	Volume    string `json:"v"`
}

type binanceTradeMsg struct {
	Event     string `json:"e"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
}

func (a *Binance) handleMessage(data []byte) {
	var probe struct {
		Event string `json:"e"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		a.stats.ParseError()
		return
	}

	switch probe.Event {
	case "24hrTicker":
		a.handleTicker(data)
	case "trade":
		a.handleTrade(data)
	case "":
		// subscription ack, ignored
	default:
		a.stats.ParseError()
		a.logger.WithFields(logrus.Fields{
			"venue": a.cfg.ID,
			"event": probe.Event,
		}).Debug("Dropping unknown stream event")
	}
}

func (a *Binance) handleTicker(data []byte) {
	var msg binanceTickerMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		a.stats.ParseError()
		return
	}
	symbol, ok := a.canonicalSymbol(msg.Symbol)
	if !ok {
		return
	}
	q, err := a.quoteFromTicker(symbol, msg)
	if err != nil {
		a.stats.ParseError()
		a.logger.WithError(err).Debug("Dropping malformed ticker")
		return
	}
	a.bus.PublishQuote(events.QuoteEvent{Quote: q})
}

func (a *Binance) quoteFromTicker(symbol models.Symbol, msg binanceTickerMsg) (models.Quote, error) {
	const op = "stream_ticker"
	bid, err := parseDecimal(a.cfg.ID, op, "bid", msg.Bid)
	if err != nil {
		return models.Quote{}, err
	}
	ask, err := parseDecimal(a.cfg.ID, op, "ask", msg.Ask)
	if err != nil {
		return models.Quote{}, err
	}
	bidQty, err := parseDecimal(a.cfg.ID, op, "bid_qty", msg.BidQty)
	if err != nil {
		return models.Quote{}, err
	}
	askQty, err := parseDecimal(a.cfg.ID, op, "ask_qty", msg.AskQty)
	if err != nil {
		return models.Quote{}, err
	}
	last, err := parseDecimal(a.cfg.ID, op, "last", msg.Last)
	if err != nil {
		return models.Quote{}, err
	}
	vol, err := parseDecimal(a.cfg.ID, op, "volume", msg.Volume)
	if err != nil {
		return models.Quote{}, err
	}
	return models.Quote{
		Symbol:    symbol,
		Venue:     a.cfg.ID,
		Bid:       bid,
		Ask:       ask,
		BidSize:   bidQty,
		AskSize:   askQty,
		Last:      last,
		Volume24h: vol,
		Timestamp: time.UnixMilli(msg.EventTime),
	}, nil
}

func (a *Binance) handleTrade(data []byte) {
	var msg binanceTradeMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		a.stats.ParseError()
		return
	}
	if p, err := decimal.NewFromString(msg.Price); err == nil {
		a.setLastPrice(msg.Symbol, p)
	}
}

// --- REST ----------------------------------------------------------------

type binanceTicker24h struct {
	Symbol  string `json:"symbol"`
	Bid     string `json:"bidPrice"`
	BidQty  string `json:"bidQty"`
	Ask     string `json:"askPrice"`
	AskQty  string `json:"askQty"`
	Last    string `json:"lastPrice"`
	Volume  string `json:"volume"`
	CloseAt int64  `json:"closeTime"`
}

func (a *Binance) GetTicker(ctx context.Context, symbol models.Symbol) (models.Quote, error) {
	venue, err := a.ToVenueSymbol(symbol)
	if err != nil {
		return models.Quote{}, err
	}
	query := url.Values{"symbol": {venue}}
	data, err := a.rest.do(ctx, "get_ticker", http.MethodGet, "/api/v3/ticker/24hr", query, nil, false)
	if err != nil {
		return models.Quote{}, err
	}
	var t binanceTicker24h
	if err := json.Unmarshal(data, &t); err != nil {
		return models.Quote{}, wrapError(KindProtocol, a.cfg.ID, "get_ticker", err)
	}
	return a.quoteFromTicker(symbol, binanceTickerMsg{
		EventTime: t.CloseAt,
		Symbol:    t.Symbol,
		Bid:       t.Bid,
		BidQty:    t.BidQty,
		Ask:       t.Ask,
		AskQty:    t.AskQty,
		Last:      t.Last,
		Volume:    t.Volume,
	})
}

func (a *Binance) GetOrderBook(ctx context.Context, symbol models.Symbol, depth int) (models.OrderBook, error) {
	venue, err := a.ToVenueSymbol(symbol)
	if err != nil {
		return models.OrderBook{}, err
	}
	if depth <= 0 {
		depth = 20
	}
	query := url.Values{"symbol": {venue}, "limit": {strconv.Itoa(depth)}}
	data, err := a.rest.do(ctx, "get_orderbook", http.MethodGet, "/api/v3/depth", query, nil, false)
	if err != nil {
		return models.OrderBook{}, err
	}
	var raw struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return models.OrderBook{}, wrapError(KindProtocol, a.cfg.ID, "get_orderbook", err)
	}
	book := models.OrderBook{Symbol: symbol, Venue: a.cfg.ID, Timestamp: time.Now()}
	for _, lvl := range raw.Bids {
		level, err := a.parseLevel(lvl)
		if err != nil {
			return models.OrderBook{}, err
		}
		book.Bids = append(book.Bids, level)
	}
	for _, lvl := range raw.Asks {
		level, err := a.parseLevel(lvl)
		if err != nil {
			return models.OrderBook{}, err
		}
		book.Asks = append(book.Asks, level)
	}
	return book, nil
}

func (a *Binance) parseLevel(lvl []string) (models.BookLevel, error) {
	if len(lvl) < 2 {
		return models.BookLevel{}, newError(KindProtocol, a.cfg.ID, "get_orderbook", "short depth level")
	}
	price, err := parseDecimal(a.cfg.ID, "get_orderbook", "price", lvl[0])
	if err != nil {
		return models.BookLevel{}, err
	}
	qty, err := parseDecimal(a.cfg.ID, "get_orderbook", "quantity", lvl[1])
	if err != nil {
		return models.BookLevel{}, err
	}
	return models.BookLevel{Price: price, Quantity: qty}, nil
}

type binanceOrderResp struct {
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	Status              string `json:"status"`
	OrigQty             string `json:"origQty"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	TransactTime        int64  `json:"transactTime"`
	UpdateTime          int64  `json:"updateTime"`
	Fills               []struct {
		Price      string `json:"price"`
		Qty        string `json:"qty"`
		Commission string `json:"commission"`
	} `json:"fills"`
}

func binanceStatus(s string) models.OrderStatus {
	switch s {
	case "NEW", "PENDING_CANCEL":
		return models.OrderStatusSubmitted
	case "PARTIALLY_FILLED":
		return models.OrderStatusPartiallyFilled
	case "FILLED":
		return models.OrderStatusFilled
	case "CANCELED":
		return models.OrderStatusCanceled
	case "REJECTED":
		return models.OrderStatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return models.OrderStatusFailed
	}
	return models.OrderStatusSubmitted
}

func (a *Binance) PlaceOrder(ctx context.Context, req models.OrderRequest) (models.OrderExecution, error) {
	venue, err := a.ToVenueSymbol(req.Symbol)
	if err != nil {
		return models.OrderExecution{}, err
	}
	if err := a.markPlaced(req.ClientOrderID); err != nil {
		return models.OrderExecution{}, err
	}

	query := url.Values{}
	query.Set("symbol", venue)
	query.Set("side", strings.ToUpper(string(req.Side)))
	query.Set("type", strings.ToUpper(string(req.Type)))
	query.Set("quantity", req.Quantity.String())
	query.Set("newClientOrderId", req.ClientOrderID)
	query.Set("newOrderRespType", "FULL")
	if req.Type == models.OrderTypeLimit {
		query.Set("price", req.Price.String())
		tif := req.TimeInForce
		if tif == "" {
			tif = "GTC"
		}
		query.Set("timeInForce", tif)
	}
	query.Set("timestamp", binanceTimestamp())

	data, err := a.rest.do(ctx, "place_order", http.MethodPost, "/api/v3/order", query, nil, true)
	if err != nil {
		// A rejected submission may be retried with the same id later.
		if KindOf(err) != KindDuplicateOrder {
			a.unmarkPlaced(req.ClientOrderID)
		}
		return models.OrderExecution{}, err
	}

	var resp binanceOrderResp
	if err := json.Unmarshal(data, &resp); err != nil {
		return models.OrderExecution{}, wrapError(KindProtocol, a.cfg.ID, "place_order", err)
	}
	return a.executionFromOrder(req.Symbol, req.Side, resp)
}

func (a *Binance) executionFromOrder(symbol models.Symbol, side models.OrderSide, resp binanceOrderResp) (models.OrderExecution, error) {
	const op = "order_state"
	orig, err := parseDecimal(a.cfg.ID, op, "origQty", resp.OrigQty)
	if err != nil {
		return models.OrderExecution{}, err
	}
	executed, err := parseDecimal(a.cfg.ID, op, "executedQty", resp.ExecutedQty)
	if err != nil {
		return models.OrderExecution{}, err
	}
	quote, err := parseDecimal(a.cfg.ID, op, "cummulativeQuoteQty", resp.CummulativeQuoteQty)
	if err != nil {
		return models.OrderExecution{}, err
	}

	avg := decimal.Zero
	if executed.Sign() > 0 {
		avg = quote.Div(executed)
	}
	fees := decimal.Zero
	for _, fill := range resp.Fills {
		c, err := parseDecimal(a.cfg.ID, op, "commission", fill.Commission)
		if err != nil {
			return models.OrderExecution{}, err
		}
		fees = fees.Add(c)
	}

	ts := resp.TransactTime
	if resp.UpdateTime > ts {
		ts = resp.UpdateTime
	}
	updated := time.Now()
	if ts > 0 {
		updated = time.UnixMilli(ts)
	}

	return models.OrderExecution{
		ClientOrderID:     resp.ClientOrderID,
		VenueOrderID:      strconv.FormatInt(resp.OrderID, 10),
		Symbol:            symbol,
		Venue:             a.cfg.ID,
		Side:              side,
		Status:            binanceStatus(resp.Status),
		Quantity:          orig,
		FilledQuantity:    executed,
		RemainingQuantity: orig.Sub(executed),
		AverageFillPrice:  avg,
		FeesPaid:          fees,
		LastUpdated:       updated,
	}, nil
}

func (a *Binance) CancelOrder(ctx context.Context, symbol models.Symbol, clientOrderID string) error {
	venue, err := a.ToVenueSymbol(symbol)
	if err != nil {
		return err
	}
	query := url.Values{
		"symbol":            {venue},
		"origClientOrderId": {clientOrderID},
		"timestamp":         {binanceTimestamp()},
	}
	_, err = a.rest.do(ctx, "cancel_order", http.MethodDelete, "/api/v3/order", query, nil, true)
	return err
}

func (a *Binance) QueryOrder(ctx context.Context, symbol models.Symbol, clientOrderID string) (models.OrderExecution, error) {
	venue, err := a.ToVenueSymbol(symbol)
	if err != nil {
		return models.OrderExecution{}, err
	}
	query := url.Values{
		"symbol":            {venue},
		"origClientOrderId": {clientOrderID},
		"timestamp":         {binanceTimestamp()},
	}
	data, err := a.rest.do(ctx, "query_order", http.MethodGet, "/api/v3/order", query, nil, true)
	if err != nil {
		return models.OrderExecution{}, err
	}
	var resp binanceOrderResp
	if err := json.Unmarshal(data, &resp); err != nil {
		return models.OrderExecution{}, wrapError(KindProtocol, a.cfg.ID, "query_order", err)
	}
	var side struct {
		Side string `json:"side"`
	}
	json.Unmarshal(data, &side)
	return a.executionFromOrder(symbol, models.OrderSide(strings.ToLower(side.Side)), resp)
}

func (a *Binance) ListActiveOrders(ctx context.Context) ([]models.OrderExecution, error) {
	query := url.Values{"timestamp": {binanceTimestamp()}}
	data, err := a.rest.do(ctx, "list_orders", http.MethodGet, "/api/v3/openOrders", query, nil, true)
	if err != nil {
		return nil, err
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, wrapError(KindProtocol, a.cfg.ID, "list_orders", err)
	}
	out := make([]models.OrderExecution, 0, len(raw))
	for _, item := range raw {
		var resp binanceOrderResp
		var meta struct {
			Symbol string `json:"symbol"`
			Side   string `json:"side"`
		}
		if err := json.Unmarshal(item, &resp); err != nil {
			return nil, wrapError(KindProtocol, a.cfg.ID, "list_orders", err)
		}
		json.Unmarshal(item, &meta)
		symbol, ok := a.canonicalSymbol(meta.Symbol)
		if !ok {
			continue
		}
		exec, err := a.executionFromOrder(symbol, models.OrderSide(strings.ToLower(meta.Side)), resp)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, nil
}

func (a *Binance) GetBalances(ctx context.Context) ([]models.Balance, error) {
	query := url.Values{"timestamp": {binanceTimestamp()}}
	data, err := a.rest.do(ctx, "get_balances", http.MethodGet, "/api/v3/account", query, nil, true)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, wrapError(KindProtocol, a.cfg.ID, "get_balances", err)
	}
	out := make([]models.Balance, 0, len(resp.Balances))
	for _, b := range resp.Balances {
		free, err := parseDecimal(a.cfg.ID, "get_balances", "free", b.Free)
		if err != nil {
			return nil, err
		}
		locked, err := parseDecimal(a.cfg.ID, "get_balances", "locked", b.Locked)
		if err != nil {
			return nil, err
		}
		if free.IsZero() && locked.IsZero() {
			continue
		}
		out = append(out, models.Balance{
			Venue:     a.cfg.ID,
			Currency:  strings.ToUpper(b.Asset),
			Total:     free.Add(locked),
			Available: free,
			Locked:    locked,
		})
	}
	a.bus.PublishBalances(events.BalanceEvent{Venue: a.cfg.ID, Balances: out})
	return out, nil
}
