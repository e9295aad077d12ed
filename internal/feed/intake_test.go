package feed

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mtf-engine/internal/config"
	"mtf-engine/internal/store"
	"mtf-engine/pkg/types"
)

func testFeedConfig() config.FeedConfig {
	return config.FeedConfig{
		ShortDedupeWindow: 2 * time.Second,
		LongDedupeWindow:  60 * time.Second,
		ListenerBuffer:    4,
	}
}

func newTestIntake() *Intake {
	return NewIntake(testFeedConfig(), store.NewMemory(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func tick(symbol string, price float64, volume int64, at time.Time) types.Tick {
	return types.Tick{
		Symbol:     symbol,
		LastPrice:  decimal.NewFromFloat(price),
		Volume:     volume,
		BrokerTime: at,
		ReceivedAt: at,
	}
}

func TestExactReplayDropped(t *testing.T) {
	t.Parallel()
	in := newTestIntake()
	base := time.Now()

	in.Accept(tick("TCS", 4000, 100, base))
	in.Accept(tick("TCS", 4000, 100, base)) // identical broker timestamp

	accepted, rejected := in.Stats()
	assert.Equal(t, int64(1), accepted)
	assert.Equal(t, int64(1), rejected)
}

func TestSemanticDuplicateDroppedInsideLongWindow(t *testing.T) {
	t.Parallel()
	in := newTestIntake()
	base := time.Now()

	in.Accept(tick("TCS", 4000, 100, base))
	// New broker timestamp, same price and volume, 10s later: semantic dup.
	in.Accept(tick("TCS", 4000, 100, base.Add(10*time.Second)))
	// Same content 61s later: outside the window, accepted.
	in.Accept(tick("TCS", 4000, 100, base.Add(61*time.Second)))

	accepted, rejected := in.Stats()
	assert.Equal(t, int64(2), accepted)
	assert.Equal(t, int64(1), rejected)
}

func TestChangedContentAccepted(t *testing.T) {
	t.Parallel()
	in := newTestIntake()
	base := time.Now()

	in.Accept(tick("TCS", 4000, 100, base))
	in.Accept(tick("TCS", 4000.05, 100, base.Add(time.Second)))
	in.Accept(tick("TCS", 4000.05, 150, base.Add(2*time.Second)))

	accepted, _ := in.Stats()
	assert.Equal(t, int64(3), accepted)
}

func TestLTPCacheTracksLatest(t *testing.T) {
	t.Parallel()
	in := newTestIntake()
	base := time.Now()

	_, ok := in.LTP("TCS")
	assert.False(t, ok)

	in.Accept(tick("TCS", 4000, 100, base))
	in.Accept(tick("TCS", 4010, 200, base.Add(time.Second)))

	ltp, ok := in.LTP("TCS")
	require.True(t, ok)
	assert.True(t, ltp.Equal(decimal.NewFromInt(4010)))
}

func TestFanOutDeliversToAllListeners(t *testing.T) {
	t.Parallel()
	in := newTestIntake()

	a := in.Register("candles")
	b := in.Register("exits")

	in.Accept(tick("TCS", 4000, 100, time.Now()))

	select {
	case got := <-a.C:
		assert.Equal(t, "TCS", got.Symbol)
	default:
		t.Fatal("listener a got nothing")
	}
	select {
	case got := <-b.C:
		assert.Equal(t, "TCS", got.Symbol)
	default:
		t.Fatal("listener b got nothing")
	}
}

func TestSlowListenerDropsOldestKeepsNewest(t *testing.T) {
	t.Parallel()
	in := newTestIntake() // buffer 4

	l := in.Register("slow")
	base := time.Now()
	for i := 0; i < 10; i++ {
		in.Accept(tick("TCS", 4000+float64(i), int64(100+i), base.Add(time.Duration(i)*time.Second)))
	}

	assert.Equal(t, int64(6), l.Dropped())

	// The channel holds the newest 4 ticks; the last one is price 4009.
	var last types.Tick
	for i := 0; i < 4; i++ {
		select {
		case last = <-l.C:
		default:
			t.Fatalf("expected 4 buffered ticks, got %d", i)
		}
	}
	assert.True(t, last.LastPrice.Equal(decimal.NewFromInt(4009)))
}

func TestPersistenceWritesAcceptedTicksOnly(t *testing.T) {
	t.Parallel()
	cfg := testFeedConfig()
	cfg.PersistTickEvents = true
	cfg.AsyncEventWriterEnabled = true

	mem := store.NewMemory()
	in := NewIntake(cfg, mem, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = in.RunWriter(ctx)
	}()

	base := time.Now()
	in.Accept(tick("TCS", 4000, 100, base))
	in.Accept(tick("TCS", 4000, 100, base)) // replay, rejected

	require.Eventually(t, func() bool { return mem.TickEventCount() == 1 },
		time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
