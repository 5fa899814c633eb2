// Package sideshift pulls affiliate shifts from the SideShift v2 API.
package sideshift

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
	SourceID = "sideshift"
	BaseURL  = "https://sideshift.ai/api"

	pageSize = 500
	maxPages = 20

	lookback = 3 * 24 * time.Hour
)

type shift struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	CreatedAt      string `json:"createdAt"`
	DepositCoin    string `json:"depositCoin"`
	DepositNetwork string `json:"depositNetwork"`
	DepositAddress string `json:"depositAddress"`
	DepositHash    string `json:"depositHash"`
	DepositAmount  string `json:"depositAmount"`
	SettleCoin     string `json:"settleCoin"`
	SettleAddress  string `json:"settleAddress"`
	SettleHash     string `json:"settleHash"`
	SettleAmount   string `json:"settleAmount"`
	USDValue       string `json:"usdValue"`
}

// Connector implements connector.Connector for SideShift.
// Its cursor is "lastCheckTime", epoch milliseconds of the newest shift seen.
// "resumeSince" and "resumeOffset" are set while a window is still being paged.
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
	affiliateID, err := creds.Require("affiliateId")
	if err != nil {
		return connector.Result{}, err
	}
	secret, err := creds.Require("secret")
	if err != nil {
		return connector.Result{}, err
	}

	lastCheck, _ := settings.Float("lastCheckTime")
	since, offset := window(settings, lastCheck)

	var records []models.StandardTx
	headers := map[string]string{"x-sideshift-secret": secret}
	drained := false

	for page := 0; page < maxPages; page++ {
		q := url.Values{
			"affiliateId": {affiliateID},
			"since":       {strconv.FormatInt(since, 10)},
			"limit":       {strconv.Itoa(pageSize)},
			"offset":      {strconv.Itoa(offset)},
		}

		var shifts []shift
		if err := c.http.GetJSON(ctx, "/v2/affiliate/shifts", q, headers, &shifts); err != nil {
			return connector.Result{}, fmt.Errorf("sideshift page %d: %w", page, err)
		}
		offset += len(shifts)

		for _, s := range shifts {
			tx, err := toStandardTx(s)
			if err != nil {
				c.logger.Warn("Skipping shift", "id", s.ID, "error", err)
				continue
			}
			records = append(records, tx)
			if ms := tx.Timestamp * 1000; ms > lastCheck {
				lastCheck = ms
			}
		}

		if len(shifts) < pageSize {
			drained = true
			break
		}
	}

	next := settings.Clone()
	if lastCheck > 0 {
		next["lastCheckTime"] = lastCheck
	}
	if drained {
		delete(next, "resumeSince")
		delete(next, "resumeOffset")
	} else {
		next["resumeSince"] = since
		next["resumeOffset"] = offset
	}
	return connector.Result{Records: records, Settings: next}, nil
}

// window returns the since/offset pair a call starts from: the saved position
// of an unfinished window, or lookback before lastCheck.
func window(settings connector.Settings, lastCheck float64) (since int64, offset int) {
	if off, ok := settings.Int("resumeOffset"); ok {
		s, _ := settings.Float("resumeSince")
		return int64(s), off
	}
	since = int64(lastCheck) - lookback.Milliseconds()
	if since < 0 {
		since = 0
	}
	return since, 0
}

func toStandardTx(s shift) (models.StandardTx, error) {
	ts, err := models.ParseISODate(s.CreatedAt)
	if err != nil {
		return models.StandardTx{}, fmt.Errorf("bad createdAt %q: %w", s.CreatedAt, err)
	}
	deposit, err := parseAmount(s.DepositAmount)
	if err != nil {
		return models.StandardTx{}, fmt.Errorf("depositAmount: %w", err)
	}
	payout, err := parseAmount(s.SettleAmount)
	if err != nil {
		return models.StandardTx{}, fmt.Errorf("settleAmount: %w", err)
	}

	usd := models.UnknownUSD
	if s.USDValue != "" {
		if v, err := strconv.ParseFloat(s.USDValue, 64); err == nil {
			usd = v
		}
	}

	raw, _ := json.Marshal(s)

	return models.StandardTx{
		OrderID:         s.ID,
		Status:          mapStatus(s.Status),
		DepositTxid:     s.DepositHash,
		DepositAddress:  s.DepositAddress,
		DepositCurrency: strings.ToUpper(s.DepositCoin),
		DepositAmount:   deposit,
		PayoutTxid:      s.SettleHash,
		PayoutAddress:   s.SettleAddress,
		PayoutCurrency:  strings.ToUpper(s.SettleCoin),
		PayoutAmount:    payout,
		Timestamp:       ts,
		IsoDate:         models.ISODate(ts),
		USDValue:        usd,
		RawTx:           string(raw),
	}, nil
}

// parseAmount reads SideShift's decimal strings. Empty means not settled yet.
func parseAmount(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

func mapStatus(s string) models.Status {
	switch strings.ToLower(s) {
	case "settled":
		return models.StatusComplete
	case "waiting", "pending", "processing", "settling", "review":
		return models.StatusPending
	case "expired":
		return models.StatusExpired
	case "refunded", "refunding", "refund":
		return models.StatusRefunded
	}
	return models.StatusOther
}
