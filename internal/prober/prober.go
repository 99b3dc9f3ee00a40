// Package prober sweeps a configured set of IPv4 CIDR blocks, measuring
// TCP-connect latency, and publishes the globally best (ip, rtt) pair into
// a shared fastip.Cell.
package prober

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"cdnfast-dns/internal/cidrset"
	"cdnfast-dns/internal/fastip"
)

const (
	queueCapacity  = 2048
	heartbeatEvery = 5 * time.Second
)

// probeResult is the transient value the collector consumes.
type probeResult struct {
	ip  uint32
	rtt uint32
}

// Prober orchestrates one producer, Config.Workers worker goroutines, and
// one collector goroutine, connected by two bounded channels.
type Prober struct {
	Cidrs  *cidrset.Set
	Fast   *fastip.Cell
	Config Config

	// Dialer is overridable in tests; defaults to net.Dialer.DialContext.
	Dialer func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Config mirrors config.ProberConf in the units the pipeline actually uses.
type Config struct {
	Port              uint16
	Workers           uint16
	Times             uint16
	Timeout           time.Duration
	Interval          time.Duration
	Cooldown          time.Duration
	DropFailedSamples bool
}

// New builds a Prober. If cfg.Workers is zero it is treated as 1.
func New(cidrs *cidrset.Set, fast *fastip.Cell, cfg Config) *Prober {
	if cfg.Workers == 0 {
		cfg.Workers = 1
	}
	return &Prober{
		Cidrs:  cidrs,
		Fast:   fast,
		Config: cfg,
		Dialer: func(ctx context.Context, network, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}
}

// Run sweeps forever, sleeping Config.Cooldown between sweeps, until ctx is
// canceled. Cancellation mid-sweep transitions directly to terminated
// rather than finishing the sweep or entering cooldown.
func (p *Prober) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		if err := p.sweep(ctx); err != nil {
			return err
		}

		if ctx.Err() != nil {
			return nil
		}

		log.Info().Dur("cooldown", p.Config.Cooldown).Msg("sweep complete, entering cooldown")
		select {
		case <-time.After(p.Config.Cooldown):
		case <-ctx.Done():
			return nil
		}
	}
}

// sweep drives one full IDLE->SWEEPING->DRAINED->COLLECTOR_EXIT pass.
func (p *Prober) sweep(ctx context.Context) error {
	p.Fast.Reset()

	pingQueue := make(chan net.IP, queueCapacity)
	pongQueue := make(chan probeResult, queueCapacity)

	sweepCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	probed := make(chan struct{}, queueCapacity)

	var workersDone = make(chan struct{})
	go func() {
		p.runWorkers(sweepCtx, pingQueue, pongQueue, probed)
		close(workersDone)
	}()

	producerDone := make(chan struct{})
	go func() {
		p.runProducer(sweepCtx, pingQueue)
		close(producerDone)
	}()

	collectorDone := make(chan struct{})
	go func() {
		p.runCollector(sweepCtx, pongQueue, probed)
		close(collectorDone)
	}()

	<-producerDone
	<-workersDone
	close(pongQueue)
	<-collectorDone

	return nil
}

// runProducer iterates every host address in Cidrs, pushing each onto
// pingQueue. A blocking bounded send is the only backpressure primitive:
// the producer waits until a worker drains the queue, with no back-off
// timer, and stops as soon as ctx is canceled.
func (p *Prober) runProducer(ctx context.Context, pingQueue chan<- net.IP) {
	defer close(pingQueue)

	for ip := range p.Cidrs.Hosts() {
		select {
		case pingQueue <- ip:
		case <-ctx.Done():
			return
		}
	}
}

func (p *Prober) runWorkers(ctx context.Context, pingQueue <-chan net.IP, pongQueue chan<- probeResult, probed chan<- struct{}) {
	workers := int(p.Config.Workers)
	done := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		go func(id int) {
			p.worker(ctx, id, pingQueue, pongQueue, probed)
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < workers; i++ {
		<-done
	}
}

// worker drains pingQueue, probing each IP and forwarding a trimmed/plain
// mean RTT to pongQueue. A single probe's failure never stops the worker;
// it simply contributes (or doesn't) to that one IP's sample set. A panic
// while probing one IP is recovered in probeIP so it never stalls the
// pipeline: the worker logs it, discards that IP, and moves on to the
// next one, leaving the other workers untouched.
func (p *Prober) worker(ctx context.Context, id int, pingQueue <-chan net.IP, pongQueue chan<- probeResult, probed chan<- struct{}) {
	for {
		var ip net.IP
		select {
		case v, ok := <-pingQueue:
			if !ok {
				return
			}
			ip = v
		case <-ctx.Done():
			return
		}

		select {
		case probed <- struct{}{}:
		default:
		}

		if p.probeIP(ctx, ip, pongQueue) {
			return
		}
	}
}

// probeIP runs the full probe/sample/publish sequence for a single IP and
// reports whether the worker should stop (ctx canceled mid-probe). A panic
// anywhere in this sequence — including inside Dialer, which is
// caller-supplied — is recovered and logged rather than propagated, so it
// is equivalent to discarding that one IP instead of crashing the worker
// (and, since an unrecovered goroutine panic takes down the whole process,
// the entire pipeline).
func (p *Prober) probeIP(ctx context.Context, ip net.IP, pongQueue chan<- probeResult) (stop bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("ip", ip.String()).Msg("probe worker recovered from panic, discarding IP")
		}
	}()

	first, ok := p.probeOnce(ctx, ip)
	if !ok {
		// Initial probe failed or timed out: discard the IP entirely.
		return false
	}

	samples := []int64{first}
	for i := uint16(1); i < p.Config.Times; i++ {
		select {
		case <-time.After(p.Config.Interval):
		case <-ctx.Done():
			return true
		}
		v, ok := p.probeOnce(ctx, ip)
		if !ok {
			if p.Config.DropFailedSamples {
				continue
			}
			v = p.Config.Timeout.Milliseconds()
		}
		samples = append(samples, v)
	}

	avg := averageRTT(samples, p.Config.Times)

	select {
	case pongQueue <- probeResult{ip: cidrset.ToUint32(ip), rtt: uint32(avg)}:
	case <-ctx.Done():
		return true
	}
	return false
}

// probeOnce performs a single TCP-connect probe, returning the handshake
// RTT in milliseconds and true on success. Any I/O failure is treated as a
// timeout.
func (p *Prober) probeOnce(ctx context.Context, ip net.IP) (rttMS int64, ok bool) {
	addr := net.JoinHostPort(ip.String(), strconv.Itoa(int(p.Config.Port)))

	dialCtx, cancel := context.WithTimeout(ctx, p.Config.Timeout)
	defer cancel()

	start := time.Now()
	conn, err := p.Dialer(dialCtx, "tcp", addr)
	elapsed := time.Since(start)
	if err != nil {
		return p.Config.Timeout.Milliseconds(), false
	}
	conn.Close()

	if elapsed >= p.Config.Timeout {
		return p.Config.Timeout.Milliseconds(), false
	}
	return elapsed.Milliseconds(), true
}

// averageRTT computes the integer mean of samples, dropping one min and one
// max sample first when times > 3 (trimmed mean). Truncates toward zero.
func averageRTT(samples []int64, times uint16) int64 {
	if len(samples) == 0 {
		return 0
	}
	if times <= 3 || len(samples) <= 2 {
		var sum int64
		for _, s := range samples {
			sum += s
		}
		return sum / int64(len(samples))
	}

	minIdx, maxIdx := 0, 0
	for i, s := range samples {
		if s < samples[minIdx] {
			minIdx = i
		}
		if s > samples[maxIdx] {
			maxIdx = i
		}
	}

	var sum int64
	for i, s := range samples {
		if i == minIdx || i == maxIdx {
			continue
		}
		sum += s
	}
	n := len(samples) - 2
	if minIdx == maxIdx {
		// Only one distinct extreme value found (degenerate all-equal set);
		// drop just that single sample instead of double-counting it.
		sum = 0
		for i, s := range samples {
			if i == minIdx {
				continue
			}
			sum += s
		}
		n = len(samples) - 1
	}
	if n <= 0 {
		return 0
	}
	return sum / int64(n)
}

// runCollector drains pongQueue, maintaining a local best-so-far value and
// forwarding strict improvements to the shared fastip.Cell. A heartbeat
// ticker logs the running count of probed IPs every 5s.
func (p *Prober) runCollector(ctx context.Context, pongQueue <-chan probeResult, probed <-chan struct{}) {
	localBestRTT := uint32(fastip.SeedRTT)
	count := 0

	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case res, ok := <-pongQueue:
			if !ok {
				return
			}
			if res.rtt >= localBestRTT {
				continue
			}
			localBestRTT = res.rtt
			if p.Fast.TryImprove(res.ip, res.rtt) {
				log.Info().
					Str("ip", cidrset.FromUint32(res.ip).String()).
					Uint32("rtt_ms", res.rtt).
					Msg("faster IP published")
			}
		case <-probed:
			count++
		case <-ticker.C:
			log.Info().Int("probed", count).Msg("prober heartbeat")
		case <-ctx.Done():
			return
		}
	}
}

