// ftgate-load drives a running gateway at a fixed request rate and reports
// whether the sustained-throughput verdict was achieved. It exits non-zero
// when the gateway misses the target, so it can gate CI and benchmark runs.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/nearforge/ftgate/api"
	"github.com/nearforge/ftgate/log"
	"github.com/nearforge/ftgate/metrics"
	"github.com/nearforge/ftgate/types"
)

const (
	defaultRate      = 110
	defaultDuration  = 10 * time.Minute
	defaultWorkers   = 64
	defaultReceivers = 100
	sampleInterval   = 10 * time.Second
)

func main() {
	var (
		url       = flag.String("url", "http://127.0.0.1:8080", "gateway base URL")
		rate      = flag.Int("rate", defaultRate, "transfer submissions per second")
		duration  = flag.Duration("duration", defaultDuration, "how long to sustain the load")
		workers   = flag.Int("workers", defaultWorkers, "concurrent submitter goroutines")
		amount    = flag.String("amount", "1", "token amount per transfer, in base units")
		receivers = flag.StringSlice("receivers", nil, "receiver account pool, comma-separated")
	)
	flag.Parse()
	log.Init("info", "stdout", nil)

	if *rate <= 0 || *workers <= 0 {
		log.Fatal("rate and workers must be positive")
	}
	pool := *receivers
	if len(pool) == 0 {
		for i := 0; i < defaultReceivers; i++ {
			pool = append(pool, fmt.Sprintf("loadtest-%d.testnet", i))
		}
	}

	d := newDriver(*url, *amount, pool)
	log.Infow("starting load run",
		"url", *url, "rate", *rate, "duration", duration.String(),
		"workers", *workers, "receivers", len(pool))

	if err := d.run(context.Background(), *rate, *duration, *workers); err != nil {
		log.Fatalf("load run failed: %v", err)
	}

	verdict, err := d.verdict(context.Background())
	if err != nil {
		log.Fatalf("could not fetch the final verdict: %v", err)
	}
	log.Infow("final verdict",
		"achieved", verdict.Achieved,
		"sustained", verdict.Sustained,
		"currentTps", fmt.Sprintf("%.1f", verdict.CurrentTPS),
		"successRate", fmt.Sprintf("%.4f", verdict.SuccessRate),
		"windowSeconds", verdict.WindowSeconds,
		"targetTps", verdict.TargetTPS)
	if !verdict.Achieved {
		os.Exit(1)
	}
}

// driver submits transfers against one gateway and tallies the responses.
type driver struct {
	url    string
	amount string
	pool   []string
	client *http.Client

	sent     atomic.Int64
	accepted atomic.Int64
	rejected atomic.Int64
	missed   atomic.Int64
}

func newDriver(url, amount string, pool []string) *driver {
	return &driver{
		url:    url,
		amount: amount,
		pool:   pool,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// run fires transfers at the target rate until the duration elapses. A token
// ticker paces admission; when every worker is busy a token is dropped and
// counted, so a slow gateway shows up as missed submissions instead of an
// ever-growing local backlog.
func (d *driver) run(ctx context.Context, rate int, duration time.Duration, workers int) error {
	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	tokens := make(chan struct{}, rate)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(time.Second / time.Duration(rate))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				close(tokens)
				return nil
			case <-ticker.C:
				select {
				case tokens <- struct{}{}:
				default:
					d.missed.Add(1)
				}
			}
		}
	})

	for i := 0; i < workers; i++ {
		worker := i
		g.Go(func() error {
			for range tokens {
				if ctx.Err() != nil {
					continue
				}
				if err := d.submit(ctx, worker); err != nil {
					// The run keeps going; transport errors land in the
					// rejected tally.
					d.rejected.Add(1)
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(sampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				d.sample(ctx)
			}
		}
	})

	err := g.Wait()
	log.Infow("load run finished",
		"sent", d.sent.Load(),
		"accepted", d.accepted.Load(),
		"rejected", d.rejected.Load(),
		"missedTicks", d.missed.Load())
	return err
}

// submit posts one transfer and tallies the admission result.
func (d *driver) submit(ctx context.Context, worker int) error {
	n := d.sent.Add(1)
	req := types.TransferRequest{
		ReceiverID: d.pool[int(n)%len(d.pool)],
		Amount:     d.amount,
		Memo:       fmt.Sprintf("load-%d-%d", worker, n),
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url+api.TransferEndpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		d.rejected.Add(1)
		return nil
	}
	d.accepted.Add(1)
	return nil
}

// sample logs one metrics snapshot from the gateway.
func (d *driver) sample(ctx context.Context) {
	var snap metrics.Snapshot
	if err := d.get(ctx, api.MetricsEndpoint, &snap); err != nil {
		log.Warnw("metrics sample failed", "error", err.Error())
		return
	}
	log.Monitor("gateway sample", map[string]any{
		"currentTps":  fmt.Sprintf("%.1f", snap.CurrentTPS),
		"averageTps":  fmt.Sprintf("%.1f", snap.AverageTPS),
		"successRate": fmt.Sprintf("%.4f", snap.SuccessRate),
		"succeeded":   snap.Succeeded,
		"failed":      snap.Failed,
		"sustained":   snap.Sustained,
		"sent":        d.sent.Load(),
		"accepted":    d.accepted.Load(),
	})
}

// verdict fetches the final sustained-throughput verdict.
func (d *driver) verdict(ctx context.Context) (*metrics.Compliance, error) {
	var verdict metrics.Compliance
	if err := d.get(ctx, api.BountyStatusEndpoint, &verdict); err != nil {
		return nil, err
	}
	return &verdict, nil
}

func (d *driver) get(ctx context.Context, endpoint string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.url+endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", endpoint, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
