// Command rtl433-sim imitates rtl_433 -F json for local runs without a radio: it writes
// decoder-style JSON lines for a few simulated sensors to stdout. Point decoder.path at it.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// Sensor is one simulated transmitter
type Sensor struct {
	Model    string
	ID       int
	Channel  string
	Interval time.Duration
}

var sensors = []Sensor{
	{Model: "Acurite-Tower", ID: 9, Channel: "A", Interval: 16 * time.Second},
	{Model: "Acurite-5n1", ID: 1234, Channel: "C", Interval: 18 * time.Second},
	{Model: "Nexus-TH", ID: 12, Channel: "1", Interval: 56 * time.Second},
	{Model: "IDM", ID: 45027331, Interval: 30 * time.Second},
}

func main() {
	var (
		mode    string
		repeat  int
		garbage bool
	)

	cmd := &cobra.Command{
		Use:   "rtl433-sim",
		Short: "Emit simulated rtl_433 JSON records",
		// rtl_433's own flags (-F, -M, -f, -R ...) are accepted and ignored
		FParseErrWhitelist: cobra.FParseErrWhitelist{UnknownFlags: true},
		SilenceUsage:       true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rng := rand.New(rand.NewSource(time.Now().UnixNano()))
			switch mode {
			case "single":
				return emit(os.Stdout, rng, sensors[0], time.Now(), repeat)
			case "batch":
				for _, s := range sensors {
					if err := emit(os.Stdout, rng, s, time.Now(), repeat); err != nil {
						return err
					}
				}
				return nil
			case "continuous":
				return runContinuous(ctx, os.Stdout, rng, repeat, garbage)
			default:
				return fmt.Errorf("unknown mode %q, use single, batch or continuous", mode)
			}
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "continuous", "Run mode: single, batch, continuous")
	cmd.Flags().IntVar(&repeat, "repeat", 2, "Copies of each record, as in a repeated radio burst")
	cmd.Flags().BoolVar(&garbage, "garbage", false, "Interleave non-JSON noise lines")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runContinuous(ctx context.Context, w io.Writer, rng *rand.Rand, repeat int, garbage bool) error {
	fmt.Fprintln(os.Stderr, "rtl433-sim: simulating", len(sensors), "sensors")

	tickers := make([]*time.Ticker, len(sensors))
	for i, s := range sensors {
		tickers[i] = time.NewTicker(s.Interval)
		defer tickers[i].Stop()
	}

	fire := make(chan int)
	for i := range tickers {
		go func(i int) {
			for {
				select {
				case <-ctx.Done():
					return
				case <-tickers[i].C:
					select {
					case fire <- i:
					case <-ctx.Done():
						return
					}
				}
			}
		}(i)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case i := <-fire:
			if garbage && rng.Intn(4) == 0 {
				fmt.Fprintln(w, "Detected OOK package	@ 2024-01-01 00:00:00")
			}
			if err := emit(w, rng, sensors[i], time.Now(), repeat); err != nil {
				return err
			}
		}
	}
}

// emit writes repeat identical copies of one record
func emit(w io.Writer, rng *rand.Rand, s Sensor, now time.Time, repeat int) error {
	line, err := json.Marshal(record(rng, s, now))
	if err != nil {
		return err
	}
	for i := 0; i < max(repeat, 1); i++ {
		if _, err := fmt.Fprintf(w, "%s\n", line); err != nil {
			return err
		}
	}
	return nil
}

func round1(v float64) float64 {
	return float64(int(v*10)) / 10
}

// record builds the fields rtl_433 prints for the sensor's model
func record(rng *rand.Rand, s Sensor, now time.Time) map[string]any {
	r := map[string]any{
		"time":  now.UTC().Format("2006-01-02 15:04:05"),
		"model": s.Model,
	}
	if s.Channel != "" {
		r["channel"] = s.Channel
	}

	switch s.Model {
	case "IDM":
		r["ERTSerialNumber"] = s.ID
		r["ERTType"] = 8
		r["LastConsumptionCount"] = 1200000 + rng.Intn(10000)
		return r
	case "Acurite-5n1":
		r["id"] = s.ID
		r["temperature_F"] = round1(77.0 + (rng.Float64()*18 - 9))
		r["humidity"] = 40 + rng.Intn(40)
		r["wind_avg_km_h"] = round1(rng.Float64() * 30)
		r["wind_dir_deg"] = float64(rng.Intn(16)) * 22.5
		r["rain_in"] = round1(rng.Float64() * 3)
	default:
		r["id"] = s.ID
		r["temperature_C"] = round1(25.0 + (rng.Float64()*10 - 5))
		r["humidity"] = 40 + rng.Intn(40)
	}
	r["battery_ok"] = 1
	r["mic"] = "CHECKSUM"
	return r
}
