package services

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"ivrank-trader/interfaces"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	defaultTradingURL = "https://paper-api.alpaca.markets"
	defaultDataURL    = "https://data.alpaca.markets"
	contractPageLimit = 1000
)

// GatewayConfig configures the Alpaca market data gateway
type GatewayConfig struct {
	APIKey                 string
	SecretKey              string
	TradingURL             string // Serves /v2/options/contracts
	DataURL                string // Serves option snapshots and stock trades
	Timeout                time.Duration
	RequestsPerSecond      float64
	StrikeIncrements       map[string]float64
	DefaultStrikeIncrement float64
	ExpiryRollover         time.Duration // After this time of day the next day's expiries are targeted
}

// latestTradeSource is the part of the marketdata client the gateway uses
type latestTradeSource interface {
	GetLatestTrade(symbol string, req marketdata.GetLatestTradeRequest) (*marketdata.Trade, error)
}

// AlpacaGateway serves underlying prices, option chains and Greeks from Alpaca
type AlpacaGateway struct {
	cfg     GatewayConfig
	trades  latestTradeSource
	client  *resty.Client
	limiter *rate.Limiter
	clock   Clock
	logger  *logrus.Logger
}

// NewAlpacaGateway creates a gateway backed by the Alpaca REST APIs
func NewAlpacaGateway(cfg GatewayConfig, clock Clock, logger *logrus.Logger) *AlpacaGateway {
	cfg = cfg.withDefaults()
	trades := marketdata.NewClient(marketdata.ClientOpts{
		APIKey:     cfg.APIKey,
		APISecret:  cfg.SecretKey,
		BaseURL:    cfg.DataURL,
		HTTPClient: &http.Client{Timeout: cfg.Timeout},
	})
	return newAlpacaGateway(cfg, trades, clock, logger)
}

func (cfg GatewayConfig) withDefaults() GatewayConfig {
	if cfg.TradingURL == "" {
		cfg.TradingURL = defaultTradingURL
	}
	if cfg.DataURL == "" {
		cfg.DataURL = defaultDataURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.DefaultStrikeIncrement <= 0 {
		cfg.DefaultStrikeIncrement = 100
	}
	return cfg
}

func newAlpacaGateway(cfg GatewayConfig, trades latestTradeSource, clock Clock, logger *logrus.Logger) *AlpacaGateway {
	cfg = cfg.withDefaults()

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("APCA-API-KEY-ID", cfg.APIKey).
		SetHeader("APCA-API-SECRET-KEY", cfg.SecretKey).
		SetHeader("Accept", "application/json")

	return &AlpacaGateway{
		cfg:     cfg,
		trades:  trades,
		client:  client,
		limiter: rate.NewLimiter(limit, 1),
		clock:   clock,
		logger:  ensureLogger(logger),
	}
}

// alpacaContractsResponse is a page of /v2/options/contracts
type alpacaContractsResponse struct {
	OptionContracts []alpacaContract `json:"option_contracts"`
	NextPageToken   *string          `json:"next_page_token"`
}

// alpacaContract is contract metadata; strike_price arrives as a string
type alpacaContract struct {
	Symbol           string      `json:"symbol"`
	RootSymbol       string      `json:"root_symbol"`
	UnderlyingSymbol string      `json:"underlying_symbol"`
	ExpirationDate   string      `json:"expiration_date"`
	StrikePrice      json.Number `json:"strike_price"`
	Type             string      `json:"type"` // "call" or "put"
	Style            string      `json:"style"`
}

// alpacaSnapshotsResponse is a page of option chain snapshots
type alpacaSnapshotsResponse struct {
	Snapshots     map[string]alpacaSnapshot `json:"snapshots"`
	NextPageToken *string                   `json:"next_page_token"`
}

type alpacaSnapshot struct {
	LatestQuote       alpacaQuote  `json:"latestQuote"`
	LatestTrade       alpacaTrade  `json:"latestTrade"`
	Greeks            alpacaGreeks `json:"greeks"`
	ImpliedVolatility float64      `json:"impliedVolatility"`
}

type alpacaQuote struct {
	BidPrice float64 `json:"bp"`
	AskPrice float64 `json:"ap"`
}

type alpacaTrade struct {
	Price float64 `json:"p"`
}

type alpacaGreeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
}

// GetLastPrice returns the latest trade price of the underlying identified by token
func (g *AlpacaGateway) GetLastPrice(ctx context.Context, exchange, token string) (float64, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	// The SDK call takes no context; the client timeout bounds it
	trade, err := g.trades.GetLatestTrade(token, marketdata.GetLatestTradeRequest{})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return 0, ctxErr
	}
	if err != nil {
		return 0, fmt.Errorf("failed to fetch latest trade for %s:%s: %w", exchange, token, err)
	}
	if trade == nil || trade.Price <= 0 {
		return 0, fmt.Errorf("%w: no latest trade for %s:%s", interfaces.ErrNoMarketData, exchange, token)
	}

	g.logger.WithFields(logrus.Fields{
		"exchange": exchange,
		"token":    token,
		"ltp":      trade.Price,
	}).Debug("Fetched underlying LTP")

	return trade.Price, nil
}

// GetOptionChain returns the nearest-expiry contracts within strikeWindow steps of the ATM strike
func (g *AlpacaGateway) GetOptionChain(ctx context.Context, index string, ltp float64, strikeWindow int) ([]interfaces.ChainEntry, error) {
	step := g.strikeIncrement(index)
	atm := math.Round(ltp/step) * step
	low := atm - float64(strikeWindow)*step
	high := atm + float64(strikeWindow)*step

	now := g.clock.Now()
	minExpiry := dateOf(now)
	if timeOfDay(now) > g.cfg.ExpiryRollover {
		minExpiry = minExpiry.AddDate(0, 0, 1)
	}

	g.logger.WithFields(logrus.Fields{
		"symbol":     index,
		"atm":        atm,
		"low":        low,
		"high":       high,
		"min_expiry": minExpiry.Format("2006-01-02"),
	}).Debug("Fetching option chain")

	params := url.Values{}
	params.Set("underlying_symbols", index)
	params.Set("expiration_date_gte", minExpiry.Format("2006-01-02"))
	params.Set("strike_price_gte", strconv.FormatFloat(low, 'f', -1, 64))
	params.Set("strike_price_lte", strconv.FormatFloat(high, 'f', -1, 64))
	params.Set("limit", strconv.Itoa(contractPageLimit))

	var contracts []alpacaContract
	for {
		var page alpacaContractsResponse
		if err := g.getJSON(ctx, g.cfg.TradingURL+"/v2/options/contracts", params, &page); err != nil {
			return nil, fmt.Errorf("failed to fetch option chain for %s: %w", index, err)
		}
		contracts = append(contracts, page.OptionContracts...)
		if page.NextPageToken == nil || *page.NextPageToken == "" {
			break
		}
		params.Set("page_token", *page.NextPageToken)
	}

	entries := make([]interfaces.ChainEntry, 0, len(contracts))
	var nearest time.Time
	for _, c := range contracts {
		entry, ok := g.chainEntry(index, c, now.Location())
		if !ok || entry.Strike < low || entry.Strike > high || !onGrid(entry.Strike, atm, step) {
			continue
		}
		if entry.Expiry.Before(minExpiry) {
			continue
		}
		if nearest.IsZero() || entry.Expiry.Before(nearest) {
			nearest = entry.Expiry
		}
		entries = append(entries, entry)
	}

	chain := entries[:0]
	for _, entry := range entries {
		if entry.Expiry.Equal(nearest) {
			chain = append(chain, entry)
		}
	}
	sort.SliceStable(chain, func(i, j int) bool {
		if chain[i].Strike != chain[j].Strike {
			return chain[i].Strike < chain[j].Strike
		}
		return chain[i].Symbol < chain[j].Symbol
	})

	g.logger.WithFields(logrus.Fields{
		"symbol": index,
		"count":  len(chain),
		"expiry": nearest.Format("2006-01-02"),
	}).Info("Fetched option chain")

	return chain, nil
}

// GetGreeks returns Greeks and last prices for every contract of index expiring on expiry
func (g *AlpacaGateway) GetGreeks(ctx context.Context, index string, expiry time.Time) ([]interfaces.GreeksRecord, error) {
	params := url.Values{}
	params.Set("expiration_date", expiry.Format("2006-01-02"))
	params.Set("limit", strconv.Itoa(contractPageLimit))

	endpoint := fmt.Sprintf("%s/v1beta1/options/snapshots/%s", g.cfg.DataURL, url.PathEscape(index))

	records := make([]interfaces.GreeksRecord, 0)
	for {
		var page alpacaSnapshotsResponse
		if err := g.getJSON(ctx, endpoint, params, &page); err != nil {
			return nil, fmt.Errorf("failed to fetch greeks for %s: %w", index, err)
		}
		for occ, snap := range page.Snapshots {
			price := snap.LatestTrade.Price
			if price <= 0 && snap.LatestQuote.BidPrice > 0 && snap.LatestQuote.AskPrice > 0 {
				price = (snap.LatestQuote.BidPrice + snap.LatestQuote.AskPrice) / 2
			}
			records = append(records, interfaces.GreeksRecord{
				Token:     occ,
				IV:        snap.ImpliedVolatility * 100,
				Delta:     snap.Greeks.Delta,
				Gamma:     snap.Greeks.Gamma,
				Theta:     snap.Greeks.Theta,
				Vega:      snap.Greeks.Vega,
				LastPrice: price,
			})
		}
		if page.NextPageToken == nil || *page.NextPageToken == "" {
			break
		}
		params.Set("page_token", *page.NextPageToken)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Token < records[j].Token })

	g.logger.WithFields(logrus.Fields{
		"symbol": index,
		"expiry": expiry.Format("2006-01-02"),
		"count":  len(records),
	}).Info("Fetched option greeks")

	return records, nil
}

// Close releases idle upstream connections
func (g *AlpacaGateway) Close() error {
	g.client.GetClient().CloseIdleConnections()
	g.logger.Info("Market data gateway closed")
	return nil
}

func (g *AlpacaGateway) getJSON(ctx context.Context, endpoint string, params url.Values, out interface{}) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}

	resp, err := g.client.R().
		SetContext(ctx).
		SetQueryParamsFromValues(params).
		Get(endpoint)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode() != http.StatusOK {
		body := resp.String()
		if len(body) > 4096 {
			body = body[:4096]
		}
		return fmt.Errorf("API error %d: %s", resp.StatusCode(), strings.TrimSpace(body))
	}

	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (g *AlpacaGateway) strikeIncrement(index string) float64 {
	if step, ok := g.cfg.StrikeIncrements[index]; ok && step > 0 {
		return step
	}
	return g.cfg.DefaultStrikeIncrement
}

// chainEntry converts an Alpaca contract, renaming it ROOT+DDMMMYY+STRIKE+CE|PE
func (g *AlpacaGateway) chainEntry(index string, c alpacaContract, loc *time.Location) (interfaces.ChainEntry, bool) {
	strike, err := c.StrikePrice.Float64()
	if err != nil {
		g.logger.WithFields(logrus.Fields{
			"symbol": c.Symbol,
			"strike": c.StrikePrice,
		}).Warn("Skipping contract with unparseable strike")
		return interfaces.ChainEntry{}, false
	}

	expiry, err := time.ParseInLocation("2006-01-02", c.ExpirationDate, loc)
	if err != nil {
		g.logger.WithFields(logrus.Fields{
			"symbol": c.Symbol,
			"expiry": c.ExpirationDate,
		}).Warn("Skipping contract with unparseable expiry")
		return interfaces.ChainEntry{}, false
	}

	var suffix string
	switch strings.ToLower(c.Type) {
	case "call":
		suffix = interfaces.OptionTypeCall
	case "put":
		suffix = interfaces.OptionTypePut
	default:
		return interfaces.ChainEntry{}, false
	}

	root := c.RootSymbol
	if root == "" {
		root = index
	}

	return interfaces.ChainEntry{
		Token:          c.Symbol,
		Symbol:         root + strings.ToUpper(expiry.Format("02Jan06")) + strconv.FormatFloat(strike, 'f', -1, 64) + suffix,
		Strike:         strike,
		Expiry:         expiry,
		InstrumentType: "OPTIDX",
	}, true
}

// onGrid reports whether strike sits a whole number of steps from atm
func onGrid(strike, atm, step float64) bool {
	n := (strike - atm) / step
	return math.Abs(n-math.Round(n)) < 1e-6
}
