// Command simulator periodically synthesizes telemetry for one device and
// posts it to the device-update endpoint. It is the reference client for the
// ingestion contract.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"example.com/cycletrack/internal/logging"
)

type telemetry struct {
	DeviceID       string  `json:"device_id"`
	RFIDTag        string  `json:"rfid_tag,omitempty"`
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	BatteryLevel   int     `json:"battery_level"`
	SignalStrength int     `json:"signal_strength"`
	Distance       float64 `json:"distance"`
}

func main() {
	var (
		endpoint = flag.String("endpoint", envOr("SIMULATOR_ENDPOINT", "http://localhost:8080/v1/device-update"), "device-update endpoint URL")
		token    = flag.String("token", os.Getenv("SIMULATOR_TOKEN"), "bearer token with telemetry:write scope")
		deviceID = flag.String("device", envOr("SIMULATOR_DEVICE_ID", "CC-001-XYZ"), "device identifier")
		interval = flag.Duration("interval", 5*time.Second, "delay between updates")
	)
	flag.Parse()

	logger, err := logging.NewLogger("cycletrack-simulator")
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := &http.Client{Timeout: 10 * time.Second}

	// Campus base coordinates; each tick drifts a few meters.
	lat, lon := 28.7041, 77.1025

	logger.Info("simulator started",
		zap.String("endpoint", *endpoint),
		zap.String("device", *deviceID),
		zap.Duration("interval", *interval))

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for {
		lat += drift()
		lon += drift()

		update := telemetry{
			DeviceID:       *deviceID,
			RFIDTag:        fmt.Sprintf("RFID-%03d", rand.Intn(1000)),
			Latitude:       lat,
			Longitude:      lon,
			BatteryLevel:   80 + rand.Intn(21),
			SignalStrength: 70 + rand.Intn(31),
			Distance:       float64(rand.Intn(50)) / 100,
		}

		if err := send(ctx, client, *endpoint, *token, update); err != nil {
			logger.Warn("update failed", zap.Error(err))
		} else {
			logger.Info("update sent",
				zap.Float64("latitude", update.Latitude),
				zap.Float64("longitude", update.Longitude),
				zap.Int("battery", update.BatteryLevel))
		}

		select {
		case <-ctx.Done():
			logger.Info("simulator stopped")
			return
		case <-ticker.C:
		}
	}
}

func send(ctx context.Context, client *http.Client, endpoint, token string, update telemetry) error {
	body, err := json.Marshal(update)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, data)
	}
	return nil
}

func drift() float64 {
	return (rand.Float64() - 0.5) * 0.001
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
