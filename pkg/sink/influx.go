// Package sink persists completed results: trade records, portfolio
// snapshots and risk metrics to a time-series store, and risk alerts to a
// message broker.
package sink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Point is one time-series measurement in tag/field form.
type Point struct {
	Measurement string
	Tags        map[string]string
	Fields      map[string]interface{}
	Timestamp   time.Time
}

var (
	measurementEscaper = strings.NewReplacer(",", `\,`, " ", `\ `)
	tagEscaper         = strings.NewReplacer(",", `\,`, "=", `\=`, " ", `\ `)
	stringEscaper      = strings.NewReplacer(`"`, `\"`, `\`, `\\`)
)

// encodeLine renders one point in line protocol with a nanosecond timestamp.
// Tags are sorted for a stable representation.
func encodeLine(p Point) (string, error) {
	if p.Measurement == "" {
		return "", fmt.Errorf("point without measurement")
	}
	if len(p.Fields) == 0 {
		return "", fmt.Errorf("point %q without fields", p.Measurement)
	}

	var sb strings.Builder
	sb.WriteString(measurementEscaper.Replace(p.Measurement))

	tagKeys := make([]string, 0, len(p.Tags))
	for k := range p.Tags {
		tagKeys = append(tagKeys, k)
	}
	sort.Strings(tagKeys)
	for _, k := range tagKeys {
		sb.WriteByte(',')
		sb.WriteString(tagEscaper.Replace(k))
		sb.WriteByte('=')
		sb.WriteString(tagEscaper.Replace(p.Tags[k]))
	}

	fieldKeys := make([]string, 0, len(p.Fields))
	for k := range p.Fields {
		fieldKeys = append(fieldKeys, k)
	}
	sort.Strings(fieldKeys)
	sep := byte(' ')
	for _, k := range fieldKeys {
		sb.WriteByte(sep)
		sep = ','
		sb.WriteString(tagEscaper.Replace(k))
		sb.WriteByte('=')
		switch v := p.Fields[k].(type) {
		case string:
			sb.WriteByte('"')
			sb.WriteString(stringEscaper.Replace(v))
			sb.WriteByte('"')
		case bool:
			sb.WriteString(strconv.FormatBool(v))
		case int:
			sb.WriteString(strconv.FormatInt(int64(v), 10) + "i")
		case int64:
			sb.WriteString(strconv.FormatInt(v, 10) + "i")
		case float64:
			sb.WriteString(strconv.FormatFloat(v, 'f', -1, 64))
		default:
			return "", fmt.Errorf("field %q has unsupported type %T", k, v)
		}
	}

	ts := p.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	sb.WriteByte(' ')
	sb.WriteString(strconv.FormatInt(ts.UnixNano(), 10))
	return sb.String(), nil
}

// InfluxConfig locates the time-series store.
type InfluxConfig struct {
	URL           string
	Token         string
	Org           string
	Bucket        string
	BatchSize     int
	FlushInterval time.Duration
}

// InfluxWriter batches points and ships them on a flush interval or when
// the batch fills. Writes are fire-and-forget; a failed flush is logged and
// the batch dropped.
type InfluxWriter struct {
	cfg    InfluxConfig
	http   *http.Client
	logger *logrus.Logger

	mu    sync.Mutex
	batch []string

	stop chan struct{}
	done chan struct{}
}

func NewInfluxWriter(cfg InfluxConfig, logger *logrus.Logger) *InfluxWriter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	w := &InfluxWriter{
		cfg:    cfg,
		http:   &http.Client{Timeout: 10 * time.Second},
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go w.loop()
	return w
}

// WritePoint queues one point. Invalid points are logged and dropped.
func (w *InfluxWriter) WritePoint(p Point) {
	line, err := encodeLine(p)
	if err != nil {
		w.logger.WithError(err).Warn("Dropping unencodable point")
		return
	}

	var flush []string
	w.mu.Lock()
	w.batch = append(w.batch, line)
	if len(w.batch) >= w.cfg.BatchSize {
		flush = w.batch
		w.batch = nil
	}
	w.mu.Unlock()

	if flush != nil {
		w.send(flush)
	}
}

func (w *InfluxWriter) loop() {
	defer close(w.done)
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.Flush()
		case <-w.stop:
			w.Flush()
			return
		}
	}
}

// Flush ships the pending batch immediately.
func (w *InfluxWriter) Flush() {
	w.mu.Lock()
	flush := w.batch
	w.batch = nil
	w.mu.Unlock()
	if len(flush) > 0 {
		w.send(flush)
	}
}

// Close flushes and stops the background loop.
func (w *InfluxWriter) Close() {
	close(w.stop)
	<-w.done
}

func (w *InfluxWriter) send(lines []string) {
	endpoint := fmt.Sprintf("%s/api/v2/write?org=%s&bucket=%s&precision=ns",
		strings.TrimRight(w.cfg.URL, "/"), url.QueryEscape(w.cfg.Org), url.QueryEscape(w.cfg.Bucket))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	body := strings.Join(lines, "\n")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBufferString(body))
	if err != nil {
		w.logger.WithError(err).Error("Building write request failed")
		return
	}
	req.Header.Set("Authorization", "Token "+w.cfg.Token)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	resp, err := w.http.Do(req)
	if err != nil {
		w.logger.WithError(err).WithField("points", len(lines)).Error("Time-series write failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		w.logger.WithFields(logrus.Fields{
			"status": resp.StatusCode,
			"points": len(lines),
			"body":   string(detail),
		}).Error("Time-series write rejected")
	}
}
