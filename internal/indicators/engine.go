package indicators

// Feature names produced by Features.
const (
	FeatSMAShort   = "sma_short"
	FeatSMALong    = "sma_long"
	FeatRSI        = "rsi"
	FeatVolatility = "volatility"
	FeatEvenShare  = "even_share"
	FeatStreak     = "streak"
	FeatChiSquare  = "chi_square"
	FeatLastDigit  = "last_digit"
	FeatMomentum   = "momentum"
)

// Params sets the lookbacks used by Features.
type Params struct {
	ShortMA int
	LongMA  int
	RSI     int
}

// DefaultParams mirrors the lookbacks the rule-based strategies use.
var DefaultParams = Params{ShortMA: 5, LongMA: 20, RSI: 14}

// Features computes the standard feature vector over a window of prices and
// their digits, oldest first. Both slices must have the same length.
func Features(prices []float64, digits []int, p Params) map[string]float64 {
	if p.ShortMA <= 0 {
		p = DefaultParams
	}
	values := map[string]float64{}
	values[FeatSMAShort] = SMA(prices, p.ShortMA)
	values[FeatSMALong] = SMA(prices, p.LongMA)
	values[FeatRSI] = RSI(prices, p.RSI)
	values[FeatVolatility] = Volatility(prices)
	values[FeatEvenShare] = EvenShare(digits)
	n, even := Streak(digits)
	if !even {
		n = -n
	}
	values[FeatStreak] = float64(n)
	values[FeatChiSquare] = ChiSquare(digits)
	if len(digits) > 0 {
		values[FeatLastDigit] = float64(digits[len(digits)-1])
	}
	if long := values[FeatSMALong]; long != 0 {
		values[FeatMomentum] = values[FeatSMAShort]/long - 1
	}
	return values
}
