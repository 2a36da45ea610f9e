package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestErrField(t *testing.T) {
	assert.Equal(t, Field{Key: "error", Value: "gateway down"}, Err(errors.New("gateway down")))
	assert.Equal(t, Field{Key: "error", Value: ""}, Err(nil))
}

func TestMillisField(t *testing.T) {
	assert.Equal(t, Field{Key: "latency_ms", Value: 1.5}, Millis("latency_ms", 1500*time.Microsecond))
}

func TestNopIsSafe(t *testing.T) {
	tel := Nop()
	tel.Logger().With(F("k", "v")).Info("ignored")
	tel.Metrics().Counter(MPaymentClaims).Bind(L("state", "VERIFIED")).Add(1)
	tel.Metrics().Histogram(MUsecaseDuration).Observe(0.2)
}
