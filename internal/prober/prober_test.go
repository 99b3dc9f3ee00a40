package prober

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdnfast-dns/internal/cidrset"
	"cdnfast-dns/internal/fastip"
)

func TestAverageRTTPlainMeanWhenTimesNotGreaterThanThree(t *testing.T) {
	assert.Equal(t, int64(40), averageRTT([]int64{40}, 1))
	assert.Equal(t, int64(50), averageRTT([]int64{40, 60}, 2))
	assert.Equal(t, int64(60), averageRTT([]int64{40, 60, 80}, 3))
}

func TestAverageRTTTrimmedMeanWhenTimesGreaterThanThree(t *testing.T) {
	// times=4: drop one min (.. assume min=20) and one max (assume max=100),
	// divide remaining two by 2.
	got := averageRTT([]int64{20, 40, 60, 100}, 4)
	assert.Equal(t, int64(50), got) // (40+60)/2
}

func TestAverageRTTTrimmedMeanAllEqualDropsOnlyOneSample(t *testing.T) {
	got := averageRTT([]int64{30, 30, 30, 30}, 4)
	// Degenerate case: minIdx == maxIdx, drop a single sample, average the rest.
	assert.Equal(t, int64(30), got)
}

// fakeDialer lets tests control TCP-connect outcomes deterministically,
// without binding real sockets.
type fakeDialer struct {
	rtt    map[string]time.Duration
	fail   map[string]bool
	panic  map[string]bool
	dialed []string
}

func (f *fakeDialer) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	f.dialed = append(f.dialed, addr)
	if f.panic[addr] {
		panic("simulated dialer panic for " + addr)
	}
	if f.fail[addr] {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if d, ok := f.rtt[addr]; ok {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c1, c2 := net.Pipe()
	c2.Close()
	return c1, nil
}

func newTestProber(t *testing.T, cidrBlock string, cfg Config, dialer *fakeDialer) *Prober {
	t.Helper()
	_, n, err := net.ParseCIDR(cidrBlock)
	require.NoError(t, err)
	cidrs := cidrset.New([]*net.IPNet{n})
	fast := fastip.New()
	p := New(cidrs, fast, cfg)
	p.Dialer = dialer.dial
	return p
}

func TestWorkerDiscardsIPWhoseInitialProbeTimesOut(t *testing.T) {
	dialer := &fakeDialer{fail: map[string]bool{"198.51.100.1:443": true}}
	p := newTestProber(t, "198.51.100.1/32", Config{
		Port: 443, Workers: 1, Times: 1,
		Timeout: 20 * time.Millisecond, Interval: time.Millisecond, Cooldown: time.Hour,
	}, dialer)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	require.NoError(t, p.sweep(ctx))

	ip, rtt := p.Fast.Read()
	assert.Equal(t, uint32(0), ip)
	assert.Equal(t, uint32(fastip.SeedRTT), rtt)
}

func TestSweepPublishesFastestIP(t *testing.T) {
	dialer := &fakeDialer{
		rtt: map[string]time.Duration{
			"198.51.100.0:443": 30 * time.Millisecond,
			"198.51.100.1:443": 5 * time.Millisecond,
			"198.51.100.2:443": 40 * time.Millisecond,
			"198.51.100.3:443": 20 * time.Millisecond,
		},
	}
	p := newTestProber(t, "198.51.100.0/30", Config{
		Port: 443, Workers: 2, Times: 1,
		Timeout: 200 * time.Millisecond, Interval: time.Millisecond, Cooldown: time.Hour,
	}, dialer)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, p.sweep(ctx))

	ip, rtt := p.Fast.Read()
	assert.Equal(t, cidrset.ToUint32(net.ParseIP("198.51.100.1")), ip)
	assert.Less(t, rtt, uint32(fastip.SeedRTT))
}

func TestWorkerRecoversPanicFromDialerAndKeepsProbingOtherIPs(t *testing.T) {
	dialer := &fakeDialer{
		panic: map[string]bool{"198.51.100.2:443": true},
		rtt: map[string]time.Duration{
			"198.51.100.0:443": 30 * time.Millisecond,
			"198.51.100.1:443": 5 * time.Millisecond,
			"198.51.100.3:443": 20 * time.Millisecond,
		},
	}
	p := newTestProber(t, "198.51.100.0/30", Config{
		Port: 443, Workers: 1, Times: 1,
		Timeout: 200 * time.Millisecond, Interval: time.Millisecond, Cooldown: time.Hour,
	}, dialer)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// A panic from the Dialer for one IP must not crash the test process
	// or stall the worker: the sweep must still complete and still publish
	// the fastest of the surviving IPs.
	require.NotPanics(t, func() {
		require.NoError(t, p.sweep(ctx))
	})

	ip, rtt := p.Fast.Read()
	assert.Equal(t, cidrset.ToUint32(net.ParseIP("198.51.100.1")), ip)
	assert.Less(t, rtt, uint32(fastip.SeedRTT))
}

func TestRunStopsOnContextCancel(t *testing.T) {
	dialer := &fakeDialer{}
	p := newTestProber(t, "198.51.100.0/30", Config{
		Port: 443, Workers: 1, Times: 1,
		Timeout: 50 * time.Millisecond, Interval: time.Millisecond, Cooldown: time.Hour,
	}, dialer)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Run(ctx)
	assert.NoError(t, err)
}
