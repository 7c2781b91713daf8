package risk

import (
	"regexp"
	"strings"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CATEGORY TAXONOMY - Correlation buckets from market labels
// ═══════════════════════════════════════════════════════════════════════════════

// Category buckets correlated markets
type Category string

const (
	CategoryCryptoBTC   Category = "crypto:btc"
	CategoryCryptoETH   Category = "crypto:eth"
	CategoryCryptoSOL   Category = "crypto:sol"
	CategoryCryptoOther Category = "crypto:other"
	CategoryPolitics    Category = "politics"
	CategoryMacro       Category = "macro"
	CategoryWeather     Category = "weather"
	CategorySports      Category = "sports"
	CategoryTech        Category = "tech"
	CategoryOther       Category = "other"
)

type categoryRule struct {
	category Category
	pattern  *regexp.Regexp
}

func words(ws ...string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)\b(` + strings.Join(ws, "|") + `)\b`)
}

// Evaluated in order; crypto sub-families before the generic crypto bucket.
var categoryRules = []categoryRule{
	{CategoryCryptoBTC, words("bitcoin", "btc")},
	{CategoryCryptoETH, words("ethereum", "eth", "ether")},
	{CategoryCryptoSOL, words("solana", "sol")},
	{CategoryCryptoOther, words("crypto", "xrp", "dogecoin", "doge", "cardano", "ada", "bnb", "litecoin", "altcoin", "memecoin", "stablecoin", "usdt", "usdc")},
	{CategoryPolitics, words("election", "president", "presidential", "senate", "congress", "governor", "trump", "biden", "democrat", "democrats", "republican", "republicans", "parliament", "prime minister", "vote", "poll", "primary", "impeach", "impeachment")},
	{CategoryMacro, words("fed", "fomc", "interest rate", "interest rates", "rate cut", "rate hike", "inflation", "cpi", "gdp", "recession", "unemployment", "jobs report", "treasury", "yield", "s&p", "nasdaq", "dow")},
	{CategoryWeather, words("weather", "temperature", "hurricane", "storm", "rain", "snow", "heat", "tornado", "celsius", "fahrenheit", "degrees")},
	{CategorySports, words("nba", "nfl", "mlb", "nhl", "fifa", "uefa", "world cup", "super bowl", "championship", "playoffs", "finals", "match", "game", "win the", "lakers", "yankees", "premier league", "champions league", "tennis", "golf", "ufc", "f1", "grand prix")},
	{CategoryTech, words("ai", "openai", "gpt", "apple", "google", "microsoft", "nvidia", "tesla", "spacex", "iphone", "launch", "release", "chatgpt", "meta", "amazon")},
}

// Categorize maps a market label to its correlation bucket. Pure function.
func Categorize(label string) Category {
	for _, r := range categoryRules {
		if r.pattern.MatchString(label) {
			return r.category
		}
	}
	return CategoryOther
}
