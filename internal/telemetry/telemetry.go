// Package telemetry records committed channel values in InfluxDB.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog/log"

	"github.com/Legich55555/mp710Ctrl/internal/config"
	"github.com/Legich55555/mp710Ctrl/internal/eventbus"
)

const pingTimeout = 5 * time.Second

// ErrConnectionFailed is returned when the server does not answer the ping.
var ErrConnectionFailed = errors.New("influxdb connection failed")

// pointWriter is the part of api.WriteAPI the recorder needs.
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Recorder batches one point per committed change.
type Recorder struct {
	measurement string
	client      influxdb2.Client
	writer      pointWriter
}

// Connect creates the client, checks the server and starts the asynchronous writer.
func Connect(ctx context.Context, cfg config.TelemetryConfig) (*Recorder, error) {
	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(cfg.BatchSize).
			SetFlushInterval(uint(cfg.FlushInterval.Duration().Milliseconds())),
	)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func() {
		for err := range writeAPI.Errors() {
			log.Warn().Err(err).Msg("InfluxDB write failed")
		}
	}()

	log.Info().Str("url", cfg.URL).Str("bucket", cfg.Bucket).Msg("Connected to InfluxDB")

	return &Recorder{
		measurement: cfg.Measurement,
		client:      client,
		writer:      writeAPI,
	}, nil
}

// HandleEvent is an eventbus handler. Failed writes are recorded too, tagged ok=false.
func (r *Recorder) HandleEvent(e eventbus.Event) {
	if e.Type != eventbus.EventTypeChange {
		return
	}
	r.writer.WritePoint(changePoint(r.measurement, e))
}

func changePoint(measurement string, e eventbus.Event) *write.Point {
	return write.NewPoint(
		measurement,
		map[string]string{
			"channel": strconv.Itoa(int(e.Command.ChannelIdx)),
			"ok":      strconv.FormatBool(e.OK),
		},
		map[string]interface{}{
			"value": int64(e.Command.Param),
		},
		e.At,
	)
}

// Close flushes pending points and closes the client.
func (r *Recorder) Close() {
	r.writer.Flush()
	if r.client != nil {
		r.client.Close()
	}
}
