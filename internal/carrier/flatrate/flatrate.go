// Package flatrate is an in-process carrier priced from a zone table.
// Zones are the first digit of a postal code; the price grows with the
// zone distance and the weight bucket.
package flatrate

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xenking/storefront-engine/internal/domain/apperr"
	"github.com/xenking/storefront-engine/internal/domain/money"
	"github.com/xenking/storefront-engine/internal/domain/shipping"
)

// Config describes one table-priced carrier.
type Config struct {
	Name          string         `yaml:"name" json:"name"`
	ServiceLevel  string         `yaml:"service_level" json:"service_level"`
	Currency      money.Currency `yaml:"currency" json:"currency"`
	BaseFee       int64          `yaml:"base_fee" json:"base_fee"`
	PerKg         int64          `yaml:"per_kg" json:"per_kg"`
	PerZone       int64          `yaml:"per_zone" json:"per_zone"`
	EstimatedDays int            `yaml:"estimated_days" json:"estimated_days"`
	MaxWeight     float64        `yaml:"max_weight" json:"max_weight"`
	// Excluded lists postal code prefixes the carrier does not serve.
	Excluded []string `yaml:"excluded" json:"excluded"`
}

// Validate checks the table.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return apperr.Invalid("carrier.name", "is required")
	}
	if !c.Currency.IsValid() {
		return apperr.Invalid("carrier.currency", fmt.Sprintf("unsupported currency %q", c.Currency))
	}
	if c.BaseFee < 0 || c.PerKg < 0 || c.PerZone < 0 {
		return apperr.Invalid("carrier."+c.Name, "fees must not be negative")
	}
	return nil
}

const labelIDPrefix = "lbl_"

// Carrier implements shipping.Provider. Tracking numbers encode the label
// creation time, so tracking survives a restart; only cancellations are
// held in memory.
type Carrier struct {
	cfg Config
	now func() time.Time

	mu        sync.Mutex
	cancelled map[string]struct{}
}

var _ shipping.Provider = (*Carrier)(nil)

// New creates a carrier from cfg.
func New(cfg Config) (*Carrier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ServiceLevel == "" {
		cfg.ServiceLevel = "standard"
	}
	if cfg.EstimatedDays <= 0 {
		cfg.EstimatedDays = 5
	}
	return &Carrier{
		cfg:       cfg,
		now:       time.Now,
		cancelled: make(map[string]struct{}),
	}, nil
}

func (c *Carrier) Name() string { return c.cfg.Name }

func (c *Carrier) QuoteRate(ctx context.Context, fromZip, toZip string, weight float64) (shipping.Rate, error) {
	if err := ctx.Err(); err != nil {
		return shipping.Rate{}, err
	}
	price, err := c.price(fromZip, toZip, weight)
	if err != nil {
		return shipping.Rate{}, err
	}
	return shipping.Rate{
		Price:         price,
		ServiceLevel:  c.cfg.ServiceLevel,
		EstimatedDays: c.cfg.EstimatedDays,
	}, nil
}

func (c *Carrier) price(fromZip, toZip string, weight float64) (money.Money, error) {
	unavailable := func(reason string) error {
		return &shipping.RateUnavailableError{Carrier: c.cfg.Name, FromZip: fromZip, ToZip: toZip, Reason: reason}
	}
	if math.IsNaN(weight) || weight <= 0 || weight > shipping.MaxWeight {
		return money.Money{}, unavailable(fmt.Sprintf("weight %.2f out of range", weight))
	}
	if c.cfg.MaxWeight > 0 && weight > c.cfg.MaxWeight {
		return money.Money{}, unavailable(fmt.Sprintf("weight %.2f exceeds limit %.2f", weight, c.cfg.MaxWeight))
	}
	for _, prefix := range c.cfg.Excluded {
		if strings.HasPrefix(toZip, prefix) || strings.HasPrefix(fromZip, prefix) {
			return money.Money{}, unavailable("postal code " + prefix + "* not served")
		}
	}
	from, ok := zone(fromZip)
	if !ok {
		return money.Money{}, unavailable("unrecognized origin postal code")
	}
	to, ok := zone(toZip)
	if !ok {
		return money.Money{}, unavailable("unrecognized destination postal code")
	}

	distance := int64(math.Abs(float64(from - to)))
	kg := int64(shipping.WeightBucket(weight))
	amount := c.cfg.BaseFee + c.cfg.PerKg*kg + c.cfg.PerZone*distance
	return money.New(amount, c.cfg.Currency), nil
}

func (c *Carrier) CreateLabel(ctx context.Context, req shipping.LabelRequest) (*shipping.Label, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cost, err := c.price(req.FromZip, req.ToZip, req.Weight)
	if err != nil {
		return nil, err
	}

	tracking := c.trackingNumber(c.now())
	id := labelIDPrefix + tracking
	return &shipping.Label{
		ID:             id,
		Carrier:        c.cfg.Name,
		TrackingNumber: tracking,
		LabelURL:       "flatrate://" + c.cfg.Name + "/labels/" + id,
		Cost:           cost,
	}, nil
}

// trackingNumber formats PREFIX-<unix seconds base36>-<8 random hex>.
func (c *Carrier) trackingNumber(createdAt time.Time) string {
	ts := strconv.FormatInt(createdAt.Unix(), 36)
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return strings.ToUpper(c.prefix() + "-" + ts + "-" + suffix)
}

func (c *Carrier) prefix() string {
	var b strings.Builder
	for _, r := range strings.ToUpper(c.cfg.Name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
		if b.Len() == 3 {
			break
		}
	}
	if b.Len() == 0 {
		return "FLT"
	}
	return b.String()
}

// createdAt recovers the label creation time from a tracking number issued
// by this carrier.
func (c *Carrier) createdAt(tracking string) (time.Time, bool) {
	parts := strings.Split(tracking, "-")
	if len(parts) != 3 || parts[0] != c.prefix() || len(parts[2]) != 8 {
		return time.Time{}, false
	}
	if _, err := strconv.ParseUint(parts[2], 16, 32); err != nil {
		return time.Time{}, false
	}
	sec, err := strconv.ParseInt(parts[1], 36, 64)
	if err != nil || sec <= 0 {
		return time.Time{}, false
	}
	return time.Unix(sec, 0).UTC(), true
}

// GetTracking derives progress from the label age: in transit after the
// first hour, delivered once the estimated days have passed.
func (c *Carrier) GetTracking(_ context.Context, trackingNumber string) (*shipping.TrackingInfo, error) {
	createdAt, ok := c.createdAt(trackingNumber)
	if !ok {
		return nil, apperr.NotFound("shipment", trackingNumber)
	}
	c.mu.Lock()
	_, cancelled := c.cancelled[trackingNumber]
	c.mu.Unlock()

	now := c.now()
	info := &shipping.TrackingInfo{
		Status:     shipping.TrackingPending,
		LastUpdate: createdAt,
		Events: []shipping.TrackingEvent{
			{At: createdAt, Status: shipping.TrackingPending, Description: "label created"},
		},
	}
	if cancelled {
		info.Status = shipping.TrackingException
		info.Events = append(info.Events, shipping.TrackingEvent{At: now, Status: shipping.TrackingException, Description: "label cancelled"})
		info.LastUpdate = now
		return info, nil
	}
	if pickup := createdAt.Add(time.Hour); now.After(pickup) {
		info.Status = shipping.TrackingInTransit
		info.LastUpdate = pickup
		info.Events = append(info.Events, shipping.TrackingEvent{At: pickup, Status: shipping.TrackingInTransit, Description: "picked up"})
	}
	if arrival := createdAt.Add(time.Duration(c.cfg.EstimatedDays) * 24 * time.Hour); now.After(arrival) {
		info.Status = shipping.TrackingDelivered
		info.LastUpdate = arrival
		info.Events = append(info.Events, shipping.TrackingEvent{At: arrival, Status: shipping.TrackingDelivered, Description: "delivered"})
	}
	return info, nil
}

func (c *Carrier) CancelLabel(_ context.Context, labelID string) error {
	tracking, ok := strings.CutPrefix(labelID, labelIDPrefix)
	if !ok {
		return apperr.NotFound("label", labelID)
	}
	if _, ok := c.createdAt(tracking); !ok {
		return apperr.NotFound("label", labelID)
	}
	c.mu.Lock()
	c.cancelled[tracking] = struct{}{}
	c.mu.Unlock()
	return nil
}

func zone(zip string) (int, bool) {
	zip = strings.TrimSpace(zip)
	if zip == "" || zip[0] < '0' || zip[0] > '9' {
		return 0, false
	}
	return int(zip[0] - '0'), true
}
