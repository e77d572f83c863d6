package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/mrcha033/ats/pkg/events"
	"github.com/mrcha033/ats/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nullPublisher struct {
	quotes   []events.QuoteEvent
	balances []events.BalanceEvent
}

func (p *nullPublisher) PublishQuote(ev events.QuoteEvent)      { p.quotes = append(p.quotes, ev) }
func (p *nullPublisher) PublishBalances(ev events.BalanceEvent) { p.balances = append(p.balances, ev) }

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestBinance() (*Binance, *nullPublisher) {
	pub := &nullPublisher{}
	a := NewBinance(Config{
		ID:        "binance",
		APIKey:    "key",
		APISecret: "secret",
		TakerFee:  decimal.NewFromFloat(0.001),
		MakerFee:  decimal.NewFromFloat(0.0005),
	}, []models.Symbol{"BTC/USDT", "ETH/USDT"}, pub, testLogger())
	return a, pub
}

func TestBinanceSymbolRoundTrip(t *testing.T) {
	a, _ := newTestBinance()

	for _, s := range []models.Symbol{"BTC/USDT", "ETH/USDT"} {
		venue, err := a.ToVenueSymbol(s)
		require.NoError(t, err)
		back, err := a.FromVenueSymbol(venue)
		require.NoError(t, err)
		assert.Equal(t, s, back)
	}

	venue, err := a.ToVenueSymbol("BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", venue)

	_, err = a.ToVenueSymbol("DOGE/USDT")
	assert.Error(t, err)
}

func TestBinanceSignRequest(t *testing.T) {
	a, _ := newTestBinance()

	query := url.Values{}
	query.Set("symbol", "BTCUSDT")
	query.Set("side", "BUY")
	query.Set("timestamp", "1700000000000")

	req, err := http.NewRequest(http.MethodPost, "https://api.binance.com/api/v3/order?"+query.Encode(), nil)
	require.NoError(t, err)
	require.NoError(t, a.signRequest(req, query, nil))

	signed := req.URL.Query()
	assert.Equal(t, "key", req.Header.Get("X-MBX-APIKEY"))

	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte(query.Encode()))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), signed.Get("signature"))

	// The original parameters survive signing.
	assert.Equal(t, "BTCUSDT", signed.Get("symbol"))
	assert.Equal(t, "1700000000000", signed.Get("timestamp"))
}

func TestBinanceStatusMapping(t *testing.T) {
	cases := map[string]models.OrderStatus{
		"NEW":              models.OrderStatusSubmitted,
		"PENDING_CANCEL":   models.OrderStatusSubmitted,
		"PARTIALLY_FILLED": models.OrderStatusPartiallyFilled,
		"FILLED":           models.OrderStatusFilled,
		"CANCELED":         models.OrderStatusCanceled,
		"REJECTED":         models.OrderStatusRejected,
		"EXPIRED":          models.OrderStatusFailed,
	}
	for venue, want := range cases {
		assert.Equal(t, want, binanceStatus(venue), "venue status %s", venue)
	}
}

func TestBinanceErrorMapping(t *testing.T) {
	a, _ := newTestBinance()

	cases := []struct {
		body string
		kind Kind
	}{
		{`{"code":-1003,"msg":"Too many requests"}`, KindRateLimited},
		{`{"code":-2014,"msg":"API-key format invalid"}`, KindAuth},
		{`{"code":-2010,"msg":"Duplicate order sent"}`, KindDuplicateOrder},
		{`{"code":-2010,"msg":"Account has insufficient balance"}`, KindBusiness},
	}
	for _, tc := range cases {
		err := a.parseVenueError("place_order", 400, []byte(tc.body))
		assert.Equal(t, tc.kind, err.Kind, "body %s", tc.body)
	}

	garbled := a.parseVenueError("place_order", 500, []byte("<html>"))
	assert.Equal(t, KindProtocol, garbled.Kind)
}

func TestBinanceStreamNames(t *testing.T) {
	assert.Equal(t, "btcusdt@ticker", binanceStreamName(subKey{kind: StreamTicker, symbol: "BTCUSDT"}))
	assert.Equal(t, "btcusdt@depth20", binanceStreamName(subKey{kind: StreamOrderBook, symbol: "BTCUSDT"}))
	assert.Equal(t, "ethusdt@trade", binanceStreamName(subKey{kind: StreamTrades, symbol: "ETHUSDT"}))
}

func TestBinanceTickerPublishesQuote(t *testing.T) {
	a, pub := newTestBinance()

	a.handleMessage([]byte(`{
		"e":"24hrTicker","s":"BTCUSDT","E":1700000000000,
		"b":"45000.10","B":"1.5","a":"45010.20","A":"0.8",
		"c":"45005.00","v":"1234.5"
	}`))

	require.Len(t, pub.quotes, 1)
	q := pub.quotes[0].Quote
	assert.Equal(t, "BTC/USDT", q.Symbol)
	assert.Equal(t, "binance", q.Venue)
	assert.True(t, q.Bid.Equal(decimal.NewFromFloat(45000.10)))
	assert.True(t, q.Ask.Equal(decimal.NewFromFloat(45010.20)))
	assert.True(t, q.AskSize.Equal(decimal.NewFromFloat(0.8)))
}

func TestBinanceMalformedFrameCountsParseError(t *testing.T) {
	a, pub := newTestBinance()

	before := a.Stats().ParseErrors
	a.handleMessage([]byte(`{not json`))
	assert.Equal(t, before+1, a.Stats().ParseErrors)
	assert.Empty(t, pub.quotes)
}

func TestDuplicateClientOrderIDRejectedLocally(t *testing.T) {
	a, _ := newTestBinance()

	require.NoError(t, a.markPlaced("ord-1"))
	err := a.markPlaced("ord-1")
	require.Error(t, err)
	assert.True(t, IsDuplicateOrder(err))

	// A failed submission releases the id for resubmission.
	a.unmarkPlaced("ord-1")
	assert.NoError(t, a.markPlaced("ord-1"))
}

func TestBinanceGetBalancesPublishesEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/account", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("X-MBX-APIKEY"))
		assert.NotEmpty(t, r.URL.Query().Get("signature"))
		w.Write([]byte(`{"balances":[
			{"asset":"usdt","free":"1000.5","locked":"10"},
			{"asset":"btc","free":"0.25","locked":"0"},
			{"asset":"eth","free":"0","locked":"0"}
		]}`))
	}))
	defer srv.Close()

	pub := &nullPublisher{}
	a := NewBinance(Config{
		ID:        "binance",
		APIKey:    "key",
		APISecret: "secret",
		BaseURL:   srv.URL,
	}, []models.Symbol{"BTC/USDT"}, pub, testLogger())

	balances, err := a.GetBalances(context.Background())
	require.NoError(t, err)

	// Zero balances are dropped, currencies upper-cased.
	require.Len(t, balances, 2)
	assert.Equal(t, "USDT", balances[0].Currency)
	assert.True(t, balances[0].Total.Equal(decimal.NewFromFloat(1010.5)))
	assert.Equal(t, "BTC", balances[1].Currency)

	// The poll feeds the risk manager through the bus.
	require.Len(t, pub.balances, 1)
	assert.Equal(t, "binance", pub.balances[0].Venue)
	assert.Len(t, pub.balances[0].Balances, 2)
}

func TestFeeRate(t *testing.T) {
	a, _ := newTestBinance()
	assert.True(t, a.FeeRate("BTC/USDT", false).Equal(decimal.NewFromFloat(0.001)))
	assert.True(t, a.FeeRate("BTC/USDT", true).Equal(decimal.NewFromFloat(0.0005)))
}
