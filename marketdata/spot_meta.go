package marketdata

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"
)

// SpotMetaResponse is the /info {"type":"spotMeta"} payload.
type SpotMetaResponse struct {
	Universe []struct {
		Name   string `json:"name"`
		Tokens []int  `json:"tokens"`
		Index  int    `json:"index"`
	} `json:"universe"`
	Tokens []struct {
		Name       string `json:"name"`
		SzDecimals int32  `json:"szDecimals"`
		Index      int    `json:"index"`
	} `json:"tokens"`
}

// SpotMarket is one pair of the spot universe. Coin is the name the trade
// and candle feeds use for it ("@107", or "PURR/USDC" for the first pair);
// the bare token name addresses the perp market instead.
type SpotMarket struct {
	Coin       string
	Index      int
	SzDecimals int32
}

// Markets keys every well-formed pair by SpotKey.
func (m SpotMetaResponse) Markets() map[string]SpotMarket {
	type token struct {
		name       string
		szDecimals int32
	}
	tokens := make(map[int]token, len(m.Tokens))
	for _, t := range m.Tokens {
		tokens[t.Index] = token{strings.ToUpper(t.Name), t.SzDecimals}
	}

	markets := make(map[string]SpotMarket, len(m.Universe))
	for _, u := range m.Universe {
		if len(u.Tokens) != 2 {
			continue
		}
		base, okBase := tokens[u.Tokens[0]]
		quote, okQuote := tokens[u.Tokens[1]]
		if !okBase || !okQuote {
			continue
		}
		markets[base.name+"/"+quote.name] = SpotMarket{
			Coin:       u.Name,
			Index:      u.Index,
			SzDecimals: base.szDecimals,
		}
	}
	return markets
}

// SpotKey turns "hype-usdc" or "HYPE" into "HYPE/USDC".
func SpotKey(symbol string) string {
	base, quote := SplitSymbol(symbol)
	return base + "/" + quote
}

// FetchSpotMarkets loads the spot universe through client, whose base URL
// must point at the API host.
func FetchSpotMarkets(ctx context.Context, client *resty.Client) (map[string]SpotMarket, error) {
	var meta SpotMetaResponse
	resp, err := client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{"type": "spotMeta"}).
		SetResult(&meta).
		Post("/info")
	if err != nil {
		return nil, fmt.Errorf("spot meta request failed: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("spot meta error %d: %s", resp.StatusCode(), resp.String())
	}
	return meta.Markets(), nil
}
