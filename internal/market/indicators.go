package market

import "math"

// TradingDaysPerYear annualises daily volatility.
const TradingDaysPerYear = 252

// SimpleReturn is the h-day return of the last close. Nil without h+1 closes
// or with a non-positive base.
func SimpleReturn(closes []float64, h int) *float64 {
	if h <= 0 || len(closes) < h+1 {
		return nil
	}
	past := closes[len(closes)-1-h]
	if past <= 0 {
		return nil
	}
	r := (closes[len(closes)-1] - past) / past
	return &r
}

// Volatility is the sample standard deviation of the last h daily returns.
func Volatility(closes []float64, h int) *float64 {
	if h < 2 || len(closes) < h+1 {
		return nil
	}
	window := closes[len(closes)-h-1:]
	rets := make([]float64, 0, h)
	for i := 1; i < len(window); i++ {
		if window[i-1] <= 0 {
			return nil
		}
		rets = append(rets, window[i]/window[i-1]-1)
	}
	mean := 0.0
	for _, r := range rets {
		mean += r
	}
	mean /= float64(len(rets))
	ss := 0.0
	for _, r := range rets {
		ss += (r - mean) * (r - mean)
	}
	v := math.Sqrt(ss / float64(len(rets)-1))
	return &v
}

// AnnualizedVolatility scales Volatility to a yearly figure.
func AnnualizedVolatility(closes []float64, h int) *float64 {
	v := Volatility(closes, h)
	if v == nil {
		return nil
	}
	a := *v * math.Sqrt(TradingDaysPerYear)
	return &a
}

// SMA is the simple moving average of the last w closes.
func SMA(closes []float64, w int) *float64 {
	if w <= 0 || len(closes) < w {
		return nil
	}
	sum := 0.0
	for _, c := range closes[len(closes)-w:] {
		sum += c
	}
	m := sum / float64(w)
	return &m
}
