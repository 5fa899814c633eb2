// Package changenow pulls partner exchanges from the ChangeNOW v2 API.
package changenow

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/encoding/json"

	"github.com/navid-fn/txradar/internal/connector"
	"github.com/navid-fn/txradar/internal/models"
)

const (
	SourceID = "changenow"
	BaseURL  = "https://api.changenow.io"

	pageSize = 100
	maxPages = 50

	// lookback re-reads recent orders so late status changes are seen.
	lookback = 7 * 24 * time.Hour
)

type exchangesResponse struct {
	Count     int        `json:"count"`
	Exchanges []exchange `json:"exchanges"`
}

type leg struct {
	Currency       string  `json:"currency"`
	Network        string  `json:"network"`
	Address        string  `json:"address"`
	Hash           string  `json:"hash"`
	Amount         float64 `json:"amount"`
	ExpectedAmount float64 `json:"expectedAmount"`
}

type exchange struct {
	RequestID string `json:"requestId"`
	Status    string `json:"status"`
	Payin     leg    `json:"payin"`
	Payout    leg    `json:"payout"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

// Connector implements connector.Connector for ChangeNOW.
// Its cursor is "latestIsoDate", the newest createdAt seen so far. While a
// window is larger than one call can page through, "resumeFrom" and
// "resumeOffset" hold the position to continue from.
type Connector struct {
	http   *connector.HTTPClient
	logger *slog.Logger
}

func New(config *connector.HTTPConfig, logger *slog.Logger) *Connector {
	logger = logger.With("source", SourceID)
	return &Connector{
		http:   connector.NewHTTPClient(config, logger),
		logger: logger,
	}
}

func (c *Connector) Query(ctx context.Context, creds connector.Credentials, settings connector.Settings) (connector.Result, error) {
	apiKey, err := creds.Require("apiKey")
	if err != nil {
		return connector.Result{}, err
	}

	latest := settings.String("latestIsoDate")
	from, offset := c.window(settings, latest)

	var records []models.StandardTx
	headers := map[string]string{"x-changenow-api-key": apiKey}
	drained := false

	for page := 0; page < maxPages; page++ {
		q := url.Values{
			"limit":         {strconv.Itoa(pageSize)},
			"offset":        {strconv.Itoa(offset)},
			"sortField":     {"createdAt"},
			"sortDirection": {"ASC"},
		}
		if from != "" {
			q.Set("dateFrom", from)
		}

		var resp exchangesResponse
		if err := c.http.GetJSON(ctx, "/v2/exchanges", q, headers, &resp); err != nil {
			return connector.Result{}, fmt.Errorf("changenow page %d: %w", page, err)
		}
		offset += len(resp.Exchanges)

		for _, ex := range resp.Exchanges {
			tx, err := toStandardTx(ex)
			if err != nil {
				c.logger.Warn("Skipping exchange", "requestId", ex.RequestID, "error", err)
				continue
			}
			records = append(records, tx)
			if tx.IsoDate > latest {
				latest = tx.IsoDate
			}
		}

		if len(resp.Exchanges) < pageSize {
			drained = true
			break
		}
	}

	next := settings.Clone()
	if latest != "" {
		next["latestIsoDate"] = latest
	}
	if drained {
		delete(next, "resumeFrom")
		delete(next, "resumeOffset")
	} else {
		// Page cap reached: continue this window on the next call.
		next["resumeFrom"] = from
		next["resumeOffset"] = offset
	}
	return connector.Result{Records: records, Settings: next}, nil
}

// window picks where a call starts reading. An unfinished window is resumed
// as is; otherwise the call re-reads lookback before the cursor.
func (c *Connector) window(settings connector.Settings, latest string) (from string, offset int) {
	if off, ok := settings.Int("resumeOffset"); ok {
		return settings.String("resumeFrom"), off
	}
	if latest == "" {
		return "", 0
	}
	ts, err := models.ParseISODate(latest)
	if err != nil {
		c.logger.Warn("Ignoring unreadable cursor", "latestIsoDate", latest, "error", err)
		return "", 0
	}
	return models.ISODate(ts - lookback.Seconds()), 0
}

func toStandardTx(ex exchange) (models.StandardTx, error) {
	if ex.RequestID == "" {
		return models.StandardTx{}, fmt.Errorf("missing requestId")
	}
	ts, err := models.ParseISODate(ex.CreatedAt)
	if err != nil {
		return models.StandardTx{}, fmt.Errorf("bad createdAt %q: %w", ex.CreatedAt, err)
	}

	raw, _ := json.Marshal(ex)

	depositAmount := ex.Payin.Amount
	if depositAmount == 0 {
		depositAmount = ex.Payin.ExpectedAmount
	}

	return models.StandardTx{
		OrderID:         ex.RequestID,
		Status:          mapStatus(ex.Status),
		DepositTxid:     ex.Payin.Hash,
		DepositAddress:  ex.Payin.Address,
		DepositCurrency: strings.ToUpper(ex.Payin.Currency),
		DepositAmount:   depositAmount,
		PayoutTxid:      ex.Payout.Hash,
		PayoutAddress:   ex.Payout.Address,
		PayoutCurrency:  strings.ToUpper(ex.Payout.Currency),
		PayoutAmount:    ex.Payout.Amount,
		Timestamp:       ts,
		IsoDate:         models.ISODate(ts),
		USDValue:        models.UnknownUSD,
		RawTx:           string(raw),
	}, nil
}

func mapStatus(s string) models.Status {
	switch strings.ToLower(s) {
	case "finished":
		return models.StatusComplete
	case "new", "waiting", "confirming", "exchanging", "sending", "verifying":
		return models.StatusPending
	case "failed", "expired":
		return models.StatusExpired
	case "refunded":
		return models.StatusRefunded
	}
	return models.StatusOther
}
