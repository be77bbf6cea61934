// Command signal_load replays synthetic entry signals against a running
// ladder instance and optionally follows the session event stream.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type signalPayload struct {
	ExternalID  string          `json:"id"`
	Action      string          `json:"action"`
	Symbol      string          `json:"symbol"`
	Timeframe   string          `json:"timeframe"`
	Entry       decimal.Decimal `json:"entry"`
	Target      decimal.Decimal `json:"target"`
	Stop        decimal.Decimal `json:"stop"`
	RiskReward  decimal.Decimal `json:"rr"`
	RiskPercent decimal.Decimal `json:"risk"`
	Time        time.Time       `json:"time"`
}

func newSignal(symbol string, entry decimal.Decimal) signalPayload {
	stop := entry.Mul(decimal.RequireFromString("0.99"))
	take := entry.Mul(decimal.RequireFromString("1.02"))
	return signalPayload{
		ExternalID:  uuid.NewString(),
		Action:      "BUY",
		Symbol:      symbol,
		Timeframe:   "1h",
		Entry:       entry,
		Target:      take,
		Stop:        stop,
		RiskReward:  decimal.NewFromInt(2),
		RiskPercent: decimal.NewFromInt(1),
		Time:        time.Now().UTC(),
	}
}

func main() {
	var (
		baseURL  string
		symbols  int
		rate     time.Duration
		duration time.Duration
		entryStr string
		follow   bool
	)

	flag.StringVar(&baseURL, "url", "http://localhost:8080", "ladder base URL")
	flag.IntVar(&symbols, "symbols", 10, "number of distinct symbols to send signals for")
	flag.DurationVar(&rate, "every", time.Second, "delay between signals per symbol")
	flag.DurationVar(&duration, "dur", 30*time.Second, "test duration (0 for until interrupted)")
	flag.StringVar(&entryStr, "entry", "100", "entry price for generated signals")
	flag.BoolVar(&follow, "follow", true, "follow the session event stream while sending")
	flag.Parse()

	if symbols <= 0 {
		log.Fatalf("invalid symbols: %d", symbols)
	}
	entry, err := decimal.NewFromString(entryStr)
	if err != nil || !entry.IsPositive() {
		log.Fatalf("invalid entry: %s", entryStr)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if duration > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, duration)
		defer stop()
	}

	client := &http.Client{
		Transport: &http.Transport{
			MaxIdleConnsPerHost: symbols + 10,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
		},
	}

	var (
		sent     int64
		accepted int64
		rejected int64
		failed   int64
		events   int64
	)

	start := time.Now()
	var wg sync.WaitGroup

	if follow {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := stream(ctx, client, baseURL+"/api/sessions/stream", &events); err != nil && ctx.Err() == nil {
				log.Printf("stream stopped: %v", err)
			}
		}()
	}

	for i := 0; i < symbols; i++ {
		symbol := fmt.Sprintf("LOAD%dUSDT", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(rate)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					atomic.AddInt64(&sent, 1)
					code, err := post(ctx, client, baseURL+"/webhook/signal", newSignal(symbol, entry))
					switch {
					case err != nil:
						atomic.AddInt64(&failed, 1)
					case code < 300:
						atomic.AddInt64(&accepted, 1)
					default:
						atomic.AddInt64(&rejected, 1)
					}
				}
			}
		}()
	}

	ticker := time.NewTicker(5 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				log.Printf("status: sent=%d accepted=%d rejected=%d failed=%d events=%d elapsed=%s",
					atomic.LoadInt64(&sent),
					atomic.LoadInt64(&accepted),
					atomic.LoadInt64(&rejected),
					atomic.LoadInt64(&failed),
					atomic.LoadInt64(&events),
					time.Since(start).Truncate(time.Second),
				)
			}
		}
	}()

	wg.Wait()

	elapsed := time.Since(start)
	if elapsed == 0 {
		elapsed = time.Millisecond
	}
	fmt.Fprintf(os.Stdout, "done: sent=%d accepted=%d rejected=%d failed=%d events=%d elapsed=%s signals/s=%.2f\n",
		atomic.LoadInt64(&sent),
		atomic.LoadInt64(&accepted),
		atomic.LoadInt64(&rejected),
		atomic.LoadInt64(&failed),
		atomic.LoadInt64(&events),
		elapsed.Truncate(time.Millisecond),
		float64(atomic.LoadInt64(&sent))/elapsed.Seconds(),
	)
}

func post(ctx context.Context, client *http.Client, url string, body any) (int, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func stream(ctx context.Context, client *http.Client, url string, events *int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		// heartbeats start with ':'
		if len(line) > 6 && line[:6] == "event:" {
			atomic.AddInt64(events, 1)
		}
	}
	return sc.Err()
}
