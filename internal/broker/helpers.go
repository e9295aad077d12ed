package broker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"mtf-engine/pkg/types"
)

// sessionChecksum builds the SHA-256 checksum brokers require on the
// token-exchange call: hex(sha256(apiKey + authCode + apiSecret)).
func sessionChecksum(apiKey, authCode, apiSecret string) string {
	sum := sha256.Sum256([]byte(apiKey + authCode + apiSecret))
	return hex.EncodeToString(sum[:])
}

// reverseProduct looks up the engine product type for a broker product
// code. Falls back to NRML for unknown codes so reconciliation never
// drops a position on vocabulary drift.
func reverseProduct(table map[types.ProductType]string, brokerCode string) types.ProductType {
	for pt, code := range table {
		if code == brokerCode && pt != types.ProductMTF {
			return pt
		}
	}
	return types.ProductNRML
}

// parseCandleRow decodes one historical candle in the common array shape
// [timestamp, open, high, low, close, volume]. Timestamps arrive either
// as RFC3339 strings or epoch seconds depending on broker.
func parseCandleRow(symbol string, tf types.Timeframe, row []any) (types.Candle, error) {
	if len(row) < 6 {
		return types.Candle{}, fmt.Errorf("candle row has %d fields, want 6", len(row))
	}

	var ts time.Time
	switch v := row[0].(type) {
	case string:
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return types.Candle{}, fmt.Errorf("candle timestamp %q: %w", v, err)
		}
		ts = parsed
	case float64:
		ts = time.Unix(int64(v), 0)
	default:
		return types.Candle{}, fmt.Errorf("candle timestamp has type %T", row[0])
	}

	nums := make([]decimal.Decimal, 4)
	for i := 1; i <= 4; i++ {
		f, ok := row[i].(float64)
		if !ok {
			return types.Candle{}, fmt.Errorf("candle field %d has type %T", i, row[i])
		}
		nums[i-1] = decimal.NewFromFloat(f).Round(2)
	}
	vol, ok := row[5].(float64)
	if !ok {
		return types.Candle{}, fmt.Errorf("candle volume has type %T", row[5])
	}

	return types.Candle{
		Symbol:    symbol,
		Timeframe: tf,
		OpenTime:  ts,
		CloseTime: ts.Add(tf.Duration()),
		Open:      nums[0],
		High:      nums[1],
		Low:       nums[2],
		Close:     nums[3],
		Volume:    int64(vol),
		Final:     true,
	}, nil
}
