package indicators

import "math"

// DigitCounts tallies occurrences of each digit 0-9. Out-of-range values are ignored.
func DigitCounts(digits []int) [10]int {
	var counts [10]int
	for _, d := range digits {
		if d >= 0 && d <= 9 {
			counts[d]++
		}
	}
	return counts
}

// DigitFrequency returns the share of each digit in digits.
func DigitFrequency(digits []int) [10]float64 {
	var freq [10]float64
	counts := DigitCounts(digits)
	total := 0
	for _, c := range counts {
		total += c
	}
	if total == 0 {
		return freq
	}
	for i, c := range counts {
		freq[i] = float64(c) / float64(total)
	}
	return freq
}

// EvenShare returns the fraction of even digits.
func EvenShare(digits []int) float64 {
	if len(digits) == 0 {
		return 0
	}
	even := 0
	for _, d := range digits {
		if d%2 == 0 {
			even++
		}
	}
	return float64(even) / float64(len(digits))
}

// Streak returns the length of the trailing run of digits sharing the parity
// of the last digit, and whether that parity is even.
func Streak(digits []int) (n int, even bool) {
	if len(digits) == 0 {
		return 0, false
	}
	last := digits[len(digits)-1] % 2
	for i := len(digits) - 1; i >= 0 && digits[i]%2 == last; i-- {
		n++
	}
	return n, last == 0
}

// Volatility is the population standard deviation of simple returns.
func Volatility(prices []float64) float64 {
	if len(prices) < 3 {
		return 0
	}
	rets := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] == 0 {
			continue
		}
		rets = append(rets, prices[i]/prices[i-1]-1)
	}
	if len(rets) == 0 {
		return 0
	}
	mean := 0.0
	for _, r := range rets {
		mean += r
	}
	mean /= float64(len(rets))
	v := 0.0
	for _, r := range rets {
		v += (r - mean) * (r - mean)
	}
	return math.Sqrt(v / float64(len(rets)))
}

// ChiSquare measures how far the digit distribution departs from uniform.
func ChiSquare(digits []int) float64 {
	if len(digits) == 0 {
		return 0
	}
	counts := DigitCounts(digits)
	expected := float64(len(digits)) / 10
	x := 0.0
	for _, c := range counts {
		d := float64(c) - expected
		x += d * d / expected
	}
	return x
}
