package markets

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/polyengine/feeds"
)

// Market is one prediction market as returned by the discovery API
type Market struct {
	ID              string
	ConditionID     string
	Question        string
	Slug            string
	EndDate         time.Time
	CreatedAt       time.Time
	Liquidity       decimal.Decimal
	Volume          decimal.Decimal
	OutcomeTokenIDs []string
	// Raw JSON-encoded arrays as sent by the API
	OutcomePricesJSON string
	OutcomesJSON      string
	Active            bool
	Closed            bool
}

// OutcomePrices decodes the outcome price array. Missing or bad entries are zero.
func (m Market) OutcomePrices() []decimal.Decimal {
	var raw []string
	if err := json.Unmarshal([]byte(m.OutcomePricesJSON), &raw); err != nil {
		return nil
	}
	out := make([]decimal.Decimal, len(raw))
	for i, s := range raw {
		out[i], _ = decimal.NewFromString(s)
	}
	return out
}

// Outcomes decodes the outcome label array ("Yes", "No", ...)
func (m Market) Outcomes() []string {
	var out []string
	if err := json.Unmarshal([]byte(m.OutcomesJSON), &out); err != nil {
		return nil
	}
	return out
}

// YesNoTokens returns the YES and NO token ids of a binary market
func (m Market) YesNoTokens() (yes, no string, ok bool) {
	if len(m.OutcomeTokenIDs) != 2 {
		return "", "", false
	}
	yesIdx, noIdx := 0, 1
	if outs := m.Outcomes(); len(outs) == 2 && strings.EqualFold(outs[0], "no") {
		yesIdx, noIdx = 1, 0
	}
	return m.OutcomeTokenIDs[yesIdx], m.OutcomeTokenIDs[noIdx], true
}

// TimeToResolution is the remaining time until EndDate
func (m Market) TimeToResolution(now time.Time) time.Duration {
	if m.EndDate.IsZero() {
		return 0
	}
	return m.EndDate.Sub(now)
}

// gammaMarket is the wire shape of a Gamma /markets entry
type gammaMarket struct {
	ID            string          `json:"id"`
	ConditionID   string          `json:"conditionId"`
	Question      string          `json:"question"`
	Slug          string          `json:"slug"`
	EndDate       string          `json:"endDate"`
	CreatedAt     string          `json:"createdAt"`
	LiquidityNum  float64         `json:"liquidityNum"`
	VolumeNum     float64         `json:"volumeNum"`
	Liquidity     json.RawMessage `json:"liquidity"`
	Volume        json.RawMessage `json:"volume"`
	ClobTokenIDs  string          `json:"clobTokenIds"`
	OutcomePrices string          `json:"outcomePrices"`
	Outcomes      string          `json:"outcomes"`
	Active        bool            `json:"active"`
	Closed        bool            `json:"closed"`
}

func (g gammaMarket) toMarket() Market {
	m := Market{
		ID:                g.ID,
		ConditionID:       g.ConditionID,
		Question:          g.Question,
		Slug:              g.Slug,
		EndDate:           parseTime(g.EndDate),
		CreatedAt:         parseTime(g.CreatedAt),
		Liquidity:         numberOr(g.LiquidityNum, g.Liquidity),
		Volume:            numberOr(g.VolumeNum, g.Volume),
		OutcomePricesJSON: g.OutcomePrices,
		OutcomesJSON:      g.Outcomes,
		Active:            g.Active,
		Closed:            g.Closed,
	}
	if g.ClobTokenIDs != "" {
		json.Unmarshal([]byte(g.ClobTokenIDs), &m.OutcomeTokenIDs)
	}
	return m
}

// numberOr prefers the numeric field and falls back to a string/number raw value
func numberOr(num float64, raw json.RawMessage) decimal.Decimal {
	if num != 0 {
		return decimal.NewFromFloat(num)
	}
	if len(raw) == 0 {
		return decimal.Zero
	}
	s := strings.Trim(string(raw), `"`)
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// bookResponse is the CLOB /book payload
type bookResponse struct {
	Market    string            `json:"market"`
	AssetID   string            `json:"asset_id"`
	Timestamp string            `json:"timestamp"`
	Bids      []feeds.WireLevel `json:"bids"`
	Asks      []feeds.WireLevel `json:"asks"`
}
