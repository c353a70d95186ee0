package oracle

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

type PythConfig struct {
	StreamURL      string
	FeedID         string
	MaxStaleness   time.Duration
	ReconnectDelay time.Duration
}

type pythStreamEnvelope struct {
	Parsed []pythPriceUpdate `json:"parsed"`
}

type pythPriceUpdate struct {
	ID    string            `json:"id"`
	Price pythPriceSnapshot `json:"price"`
}

type pythPriceSnapshot struct {
	Price       string `json:"price"`
	Conf        string `json:"conf"`
	Expo        int32  `json:"expo"`
	PublishTime int64  `json:"publish_time"`
}

type observation struct {
	price       uint64
	publishTime time.Time
}

// PythStream follows a Hermes server-sent event stream for one feed and serves
// the latest price it has seen.
type PythStream struct {
	cfg    PythConfig
	feedID string
	client *http.Client
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	latest *observation
}

func NewPythStream(cfg PythConfig, logger *slog.Logger) (*PythStream, error) {
	feedID := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(cfg.FeedID), "0x"))
	if strings.TrimSpace(cfg.StreamURL) == "" || feedID == "" {
		return nil, fmt.Errorf("pyth stream needs an endpoint and a feed id")
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 3 * time.Second
	}
	if cfg.MaxStaleness <= 0 {
		cfg.MaxStaleness = 60 * time.Second
	}
	return &PythStream{
		cfg:    cfg,
		feedID: feedID,
		client: &http.Client{},
		logger: logger,
		now:    time.Now,
	}, nil
}

func (p *PythStream) CurrentPrice(context.Context) (uint64, error) {
	p.mu.RLock()
	latest := p.latest
	p.mu.RUnlock()

	if latest == nil {
		return 0, ErrNoPrice
	}
	if age := p.now().Sub(latest.publishTime); age > p.cfg.MaxStaleness {
		return 0, fmt.Errorf("%w: published %s ago", ErrStalePrice, age.Round(time.Second))
	}
	return latest.price, nil
}

// Run consumes the stream until ctx is cancelled, reconnecting after every
// disconnect.
func (p *PythStream) Run(ctx context.Context) {
	p.logger.Info(
		"pyth price stream enabled",
		"endpoint", p.cfg.StreamURL,
		"feed_id", p.feedID,
		"reconnect_delay", p.cfg.ReconnectDelay.String(),
	)

	for {
		if ctx.Err() != nil {
			return
		}

		err := p.consume(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Warn("pyth price stream disconnected", "err", err, "retry_in", p.cfg.ReconnectDelay.String())
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.ReconnectDelay):
		}
	}
}

func (p *PythStream) consume(ctx context.Context) error {
	streamURL, err := buildPythStreamURL(p.cfg.StreamURL, p.feedID)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return fmt.Errorf("build pyth stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("open pyth stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("open pyth stream: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 1024), 16*1024*1024)

	var eventData strings.Builder
	flush := func() {
		if eventData.Len() == 0 {
			return
		}
		if err := p.handleEvent(eventData.String()); err != nil {
			p.logger.Warn("failed to process pyth stream event", "err", err)
		}
		eventData.Reset()
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			flush()
			continue
		}
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		payload = strings.TrimSpace(payload)
		if payload == "" {
			continue
		}
		if eventData.Len() > 0 {
			eventData.WriteByte('\n')
		}
		eventData.WriteString(payload)
	}
	flush()

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read pyth stream: %w", err)
	}
	return io.EOF
}

func (p *PythStream) handleEvent(raw string) error {
	payload := strings.TrimSpace(raw)
	if payload == "" || payload == "[DONE]" {
		return nil
	}

	var event pythStreamEnvelope
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return fmt.Errorf("decode pyth stream event: %w", err)
	}

	for _, update := range event.Parsed {
		id := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(update.ID), "0x"))
		if id != p.feedID {
			continue
		}
		price, err := scalePythPrice(update.Price.Price, update.Price.Expo)
		if err != nil {
			return err
		}
		publishTime := p.now()
		if update.Price.PublishTime > 0 {
			publishTime = time.Unix(update.Price.PublishTime, 0)
		}
		p.record(observation{price: price, publishTime: publishTime})
	}
	return nil
}

// record keeps the newest observation; replays of older updates are ignored.
func (p *PythStream) record(obs observation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.latest != nil && obs.publishTime.Before(p.latest.publishTime) {
		return
	}
	p.latest = &obs
}

func buildPythStreamURL(endpoint string, feedID string) (string, error) {
	parsedURL, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", fmt.Errorf("parse pyth endpoint: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return "", fmt.Errorf("invalid pyth endpoint: %q", endpoint)
	}

	query := parsedURL.Query()
	query.Del("ids[]")
	query.Add("ids[]", feedID)
	if strings.TrimSpace(query.Get("parsed")) == "" {
		query.Set("parsed", "true")
	}
	parsedURL.RawQuery = query.Encode()

	return parsedURL.String(), nil
}

// scalePythPrice converts a Pyth mantissa/exponent pair to PriceDecimals fixed
// point, truncating any extra precision.
func scalePythPrice(raw string, expo int32) (uint64, error) {
	mantissa, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return 0, fmt.Errorf("%w: %q is not an integer", ErrBadPrice, raw)
	}
	if mantissa.Sign() <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrBadPrice, mantissa)
	}

	shift := int64(expo) + PriceDecimals
	if shift > 20 || shift < -40 {
		return 0, fmt.Errorf("%w: exponent %d", ErrBadPrice, expo)
	}
	ten := big.NewInt(10)
	switch {
	case shift > 0:
		mantissa.Mul(mantissa, new(big.Int).Exp(ten, big.NewInt(shift), nil))
	case shift < 0:
		mantissa.Quo(mantissa, new(big.Int).Exp(ten, big.NewInt(-shift), nil))
	}
	if mantissa.Sign() <= 0 || !mantissa.IsUint64() {
		return 0, fmt.Errorf("%w: %s scaled by 10^%d", ErrBadPrice, raw, shift)
	}
	return mantissa.Uint64(), nil
}
