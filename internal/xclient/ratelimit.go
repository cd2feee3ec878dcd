package xclient

import (
	"os"
	"strconv"

	"golang.org/x/time/rate"
)

// The user timeline endpoint allows 1500 app requests per 15 minutes.
const (
	timelineRPS   = 1500.0 / (15 * 60)
	timelineBurst = 5
)

// newDefaultLimiter paces requests to the timeline budget. X_API_RPS and
// X_API_BURST override it for accounts with a larger allowance.
func newDefaultLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(getEnvFloat("X_API_RPS", timelineRPS)), getEnvInt("X_API_BURST", timelineBurst))
}

func getEnvFloat(key string, def float64) float64 {
	if f, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil && f > 0 {
		return f
	}
	return def
}
