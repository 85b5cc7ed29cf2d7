// Package kis implements the broker gateway on the Korea Investment &
// Securities open API: REST for auth, orders and account queries, and the
// realtime websocket for VI and trade data.
package kis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"vi-trader/internal/broker"
	"vi-trader/internal/config"
	apperrors "vi-trader/internal/errors"
	"vi-trader/internal/models"
	"vi-trader/internal/security"
)

const (
	pathToken    = "/oauth2/tokenP"
	pathApproval = "/oauth2/Approval"
	pathOrder    = "/uapi/domestic-stock/v1/trading/order-cash"
	pathCancel   = "/uapi/domestic-stock/v1/trading/order-rvsecncl"
	pathBalance  = "/uapi/domestic-stock/v1/trading/inquire-balance"
	pathExecs    = "/uapi/domestic-stock/v1/trading/inquire-daily-ccld"
)

// Token expiry and invalid-token message codes.
var authMessageCodes = map[string]bool{
	"EGW00121": true,
	"EGW00123": true,
	"EGW00102": true,
	"EGW00105": true,
}

// Config holds the KIS connection settings and account credentials.
type Config struct {
	Live          bool
	RESTURL       string
	WebsocketURL  string
	AppKey        string
	AppSecret     string
	AccountNumber string
	ProductCode   string
	HTSID         string

	ViTR    string
	ViKey   string
	TradeTR string

	ReleaseAfter      time.Duration
	TradeLinger       time.Duration
	MaxSubscriptions  int
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	RequestTimeout    time.Duration
	FillPollInterval  time.Duration
}

// FromConfig builds the gateway settings from application config.
func FromConfig(cfg *config.Config) Config {
	return Config{
		Live:              cfg.Broker.Live,
		RESTURL:           cfg.Broker.RESTURL,
		WebsocketURL:      cfg.Broker.WebsocketURL,
		AppKey:            cfg.Credentials.AppKey,
		AppSecret:         cfg.Credentials.AppSecret,
		AccountNumber:     cfg.Credentials.AccountNumber,
		ProductCode:       cfg.Credentials.AccountProductCode,
		HTSID:             cfg.Credentials.HTSID,
		ViTR:              cfg.Broker.ViTR,
		ViKey:             cfg.Broker.ViKey,
		TradeTR:           cfg.Broker.TradeTR,
		ReleaseAfter:      cfg.Broker.ReleaseAfter,
		TradeLinger:       cfg.Strategy.DecisionWindow,
		MaxSubscriptions:  cfg.Broker.MaxSubscriptions,
		ReconnectAttempts: cfg.Broker.ReconnectAttempts,
		ReconnectDelay:    cfg.Broker.ReconnectDelay,
		RequestTimeout:    cfg.Broker.RequestTimeout,
		FillPollInterval:  cfg.Broker.FillPollInterval,
	}
}

func (c Config) withDefaults() Config {
	if c.ProductCode == "" {
		c.ProductCode = "01"
	}
	if c.ViTR == "" {
		c.ViTR = "H0STCNT0"
	}
	if c.TradeTR == "" {
		c.TradeTR = "H0STASP0"
	}
	if c.ReleaseAfter <= 0 {
		c.ReleaseAfter = 120 * time.Second
	}
	if c.TradeLinger <= 0 {
		c.TradeLinger = 5 * time.Second
	}
	if c.MaxSubscriptions <= 0 {
		c.MaxSubscriptions = 40
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = 3
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
	if c.FillPollInterval <= 0 {
		c.FillPollInterval = time.Second
	}
	return c
}

// trID returns the live or paper variant of a transaction ID. Paper IDs
// replace the leading T with V.
func (c Config) trID(live string) string {
	if c.Live {
		return live
	}
	return "V" + live[1:]
}

// Client is the KIS REST client. It holds the current access token and
// websocket approval key.
type Client struct {
	cfg  Config
	http *http.Client
	now  func() time.Time

	mu          sync.RWMutex
	accessToken string
	approvalKey string
	expiresAt   time.Time
}

// NewClient creates a REST client.
func NewClient(cfg Config, httpClient *http.Client) *Client {
	cfg = cfg.withDefaults()
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	return &Client{cfg: cfg, http: httpClient, now: time.Now}
}

// Authenticate issues an access token and a websocket approval key.
func (c *Client) Authenticate(ctx context.Context) (broker.Session, error) {
	if c.cfg.AppKey == "" || c.cfg.AppSecret == "" {
		return broker.Session{}, fmt.Errorf("%w: app key and secret are required", apperrors.ErrAuth)
	}

	body, err := c.post(ctx, "authenticate", pathToken, "", map[string]string{
		"grant_type": "client_credentials",
		"appkey":     c.cfg.AppKey,
		"appsecret":  c.cfg.AppSecret,
	}, false)
	if err != nil {
		return broker.Session{}, err
	}
	res := gjson.ParseBytes(body)
	token := res.Get("access_token").String()
	if token == "" {
		return broker.Session{}, apperrors.NewGatewayError("authenticate", res.Get("error_code").String(),
			res.Get("error_description").String(), apperrors.ErrAuth)
	}
	expires := c.now().Add(time.Duration(res.Get("expires_in").Int()) * time.Second)
	if s := res.Get("access_token_token_expired").String(); s != "" {
		if t, err := time.ParseInLocation("2006-01-02 15:04:05", s, seoul); err == nil {
			expires = t
		}
	}

	body, err = c.post(ctx, "approval", pathApproval, "", map[string]string{
		"grant_type": "client_credentials",
		"appkey":     c.cfg.AppKey,
		"secretkey":  c.cfg.AppSecret,
	}, false)
	if err != nil {
		return broker.Session{}, err
	}
	approval := gjson.GetBytes(body, "approval_key").String()
	if approval == "" {
		return broker.Session{}, apperrors.NewGatewayError("approval", "", "empty approval key", apperrors.ErrAuth)
	}

	c.mu.Lock()
	c.accessToken = token
	c.approvalKey = approval
	c.expiresAt = expires
	c.mu.Unlock()

	return broker.Session{AccessToken: token, ApprovalKey: approval, ExpiresAt: expires, Live: c.cfg.Live}, nil
}

// ApprovalKey returns the current websocket approval key.
func (c *Client) ApprovalKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.approvalKey
}

func (c *Client) token() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.accessToken == "" || (!c.expiresAt.IsZero() && !c.now().Before(c.expiresAt)) {
		return "", fmt.Errorf("%w: access token missing or expired", apperrors.ErrAuth)
	}
	return c.accessToken, nil
}

// PlacedOrder is the KIS identity of an accepted order. Cancels need both
// numbers.
type PlacedOrder struct {
	OrderNo  string
	BranchNo string
}

// PlaceOrder submits a cash order. A business rejection comes back as a
// Rejected ack, not an error.
func (c *Client) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderAck, PlacedOrder, error) {
	tr := c.cfg.trID("TTTC0802U")
	if req.Side == models.SideSell {
		tr = c.cfg.trID("TTTC0801U")
	}

	division, price := "01", "0"
	if req.Price.Kind == models.PriceLimit {
		division, price = "00", req.Price.Limit.StringFixed(0)
	}

	body, err := c.post(ctx, "submit_order", pathOrder, tr, map[string]string{
		"CANO":         c.cfg.AccountNumber,
		"ACNT_PRDT_CD": c.cfg.ProductCode,
		"PDNO":         req.Symbol,
		"ORD_DVSN":     division,
		"ORD_QTY":      strconv.FormatInt(req.Quantity, 10),
		"ORD_UNPR":     price,
	}, true)
	if err != nil {
		return broker.OrderAck{}, PlacedOrder{}, err
	}

	res := gjson.ParseBytes(body)
	ack := broker.OrderAck{ClientOrderID: req.ClientOrderID, At: c.now(), Message: res.Get("msg1").String()}
	if res.Get("rt_cd").String() != "0" {
		ack.Status = broker.AckRejected
		return ack, PlacedOrder{}, nil
	}
	placed := PlacedOrder{
		OrderNo:  res.Get("output.ODNO").String(),
		BranchNo: res.Get("output.KRX_FWDG_ORD_ORGNO").String(),
	}
	ack.OrderID = placed.OrderNo
	ack.Status = broker.AckAccepted
	return ack, placed, nil
}

// CancelOrder requests cancellation of the whole remaining quantity. An
// accepted request is not a confirmation; the execution poll reports the
// final state after any last fills.
func (c *Client) CancelOrder(ctx context.Context, placed PlacedOrder) (broker.OrderAck, error) {
	body, err := c.post(ctx, "cancel_order", pathCancel, c.cfg.trID("TTTC0803U"), map[string]string{
		"CANO":               c.cfg.AccountNumber,
		"ACNT_PRDT_CD":       c.cfg.ProductCode,
		"KRX_FWDG_ORD_ORGNO": placed.BranchNo,
		"ORGN_ODNO":          placed.OrderNo,
		"ORD_DVSN":           "00",
		"RVSE_CNCL_DVSN_CD":  "02",
		"ORD_QTY":            "0",
		"ORD_UNPR":           "0",
		"QTY_ALL_ORD_YN":     "Y",
	}, true)
	if err != nil {
		return broker.OrderAck{}, err
	}

	res := gjson.ParseBytes(body)
	ack := broker.OrderAck{OrderID: placed.OrderNo, At: c.now(), Message: res.Get("msg1").String()}
	if res.Get("rt_cd").String() == "0" {
		ack.Status = broker.AckAccepted
	} else {
		ack.Status = broker.AckRejected
	}
	return ack, nil
}

// Balance returns the account's stock holdings.
func (c *Client) Balance(ctx context.Context) ([]models.Holding, error) {
	q := url.Values{}
	q.Set("CANO", c.cfg.AccountNumber)
	q.Set("ACNT_PRDT_CD", c.cfg.ProductCode)
	q.Set("AFHR_FLPR_YN", "N")
	q.Set("OFL_YN", "")
	q.Set("INQR_DVSN", "02")
	q.Set("UNPR_DVSN", "01")
	q.Set("FUND_STTL_ICLD_YN", "N")
	q.Set("FNCG_AMT_AUTO_RDPT_YN", "N")
	q.Set("PRCS_DVSN", "00")
	q.Set("CTX_AREA_FK100", "")
	q.Set("CTX_AREA_NK100", "")

	body, err := c.get(ctx, "positions", pathBalance, c.cfg.trID("TTTC8434R"), q)
	if err != nil {
		return nil, err
	}
	res := gjson.ParseBytes(body)
	if err := businessError("positions", res); err != nil {
		return nil, err
	}

	var out []models.Holding
	for _, row := range res.Get("output1").Array() {
		qty := row.Get("hldg_qty").Int()
		if qty <= 0 {
			continue
		}
		avg, err := decimal.NewFromString(row.Get("pchs_avg_pric").String())
		if err != nil {
			avg = decimal.Zero
		}
		out = append(out, models.Holding{Symbol: row.Get("pdno").String(), Quantity: qty, AveragePrice: avg})
	}
	return out, nil
}

// Execution is one order's cumulative execution state for the day.
type Execution struct {
	OrderNo   string
	Symbol    string
	Side      models.Side
	OrderQty  int64
	FilledQty int64
	AvgPrice  decimal.Decimal
	Remaining int64
	Cancelled bool
	Rejected  int64
}

// DailyExecutions returns today's orders with their cumulative fills.
func (c *Client) DailyExecutions(ctx context.Context, day time.Time) ([]Execution, error) {
	d := day.In(seoul).Format("20060102")
	q := url.Values{}
	q.Set("CANO", c.cfg.AccountNumber)
	q.Set("ACNT_PRDT_CD", c.cfg.ProductCode)
	q.Set("INQR_STRT_DT", d)
	q.Set("INQR_END_DT", d)
	q.Set("SLL_BUY_DVSN_CD", "00")
	q.Set("INQR_DVSN", "00")
	q.Set("PDNO", "")
	q.Set("CCLD_DVSN", "00")
	q.Set("ORD_GNO_BRNO", "")
	q.Set("ODNO", "")
	q.Set("INQR_DVSN_3", "00")
	q.Set("INQR_DVSN_1", "")
	q.Set("CTX_AREA_FK100", "")
	q.Set("CTX_AREA_NK100", "")

	body, err := c.get(ctx, "executions", pathExecs, c.cfg.trID("TTTC8001R"), q)
	if err != nil {
		return nil, err
	}
	res := gjson.ParseBytes(body)
	if err := businessError("executions", res); err != nil {
		return nil, err
	}

	var out []Execution
	for _, row := range res.Get("output1").Array() {
		side := models.SideBuy
		if row.Get("sll_buy_dvsn_cd").String() == "01" {
			side = models.SideSell
		}
		avg, err := decimal.NewFromString(row.Get("avg_prvs").String())
		if err != nil {
			avg = decimal.Zero
		}
		out = append(out, Execution{
			OrderNo:   row.Get("odno").String(),
			Symbol:    row.Get("pdno").String(),
			Side:      side,
			OrderQty:  row.Get("ord_qty").Int(),
			FilledQty: row.Get("tot_ccld_qty").Int(),
			AvgPrice:  avg,
			Remaining: row.Get("rmn_qty").Int(),
			Cancelled: row.Get("cncl_yn").String() == "Y",
			Rejected:  row.Get("rjct_qty").Int(),
		})
	}
	return out, nil
}

func businessError(op string, res gjson.Result) error {
	if rt := res.Get("rt_cd"); rt.Exists() && rt.String() != "0" {
		code := res.Get("msg_cd").String()
		cause := apperrors.ErrRejectedByGateway
		if authMessageCodes[code] {
			cause = apperrors.ErrAuth
		}
		return apperrors.NewGatewayError(op, code, res.Get("msg1").String(), cause)
	}
	return nil
}

func (c *Client) post(ctx context.Context, op, path, trID string, payload any, authed bool) ([]byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.RESTURL+path, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	return c.do(op, req, trID, authed)
}

func (c *Client) get(ctx context.Context, op, path, trID string, q url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.RESTURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return c.do(op, req, trID, true)
}

// do sends req and maps transport failures onto the error taxonomy.
func (c *Client) do(op string, req *http.Request, trID string, authed bool) ([]byte, error) {
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if authed {
		token, err := c.token()
		if err != nil {
			return nil, err
		}
		req.Header.Set("authorization", "Bearer "+token)
		req.Header.Set("appkey", c.cfg.AppKey)
		req.Header.Set("appsecret", c.cfg.AppSecret)
		req.Header.Set("custtype", "P")
	}
	if trID != "" {
		req.Header.Set("tr_id", trID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil, fmt.Errorf("%w: %s: %w", apperrors.ErrGatewayUnavailable, op, apperrors.ErrTimeout)
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, apperrors.NewGatewayError(op, "", err.Error(), apperrors.ErrGatewayUnavailable)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, apperrors.NewGatewayError(op, "", err.Error(), apperrors.ErrGatewayUnavailable)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, apperrors.NewGatewayError(op, strconv.Itoa(resp.StatusCode), gjson.GetBytes(body, "msg1").String(), apperrors.ErrAuth)
	case resp.StatusCode >= 500:
		res := gjson.ParseBytes(body)
		if authMessageCodes[res.Get("msg_cd").String()] {
			return nil, apperrors.NewGatewayError(op, res.Get("msg_cd").String(), res.Get("msg1").String(), apperrors.ErrAuth)
		}
		return nil, apperrors.NewGatewayError(op, strconv.Itoa(resp.StatusCode), res.Get("msg1").String(), apperrors.ErrGatewayUnavailable)
	case resp.StatusCode >= 400:
		res := gjson.ParseBytes(body)
		if authMessageCodes[res.Get("msg_cd").String()] {
			return nil, apperrors.NewGatewayError(op, res.Get("msg_cd").String(), res.Get("msg1").String(), apperrors.ErrAuth)
		}
		return nil, apperrors.NewGatewayError(op, strconv.Itoa(resp.StatusCode), security.Redact(string(body)), apperrors.ErrRejectedByGateway)
	}
	return body, nil
}
