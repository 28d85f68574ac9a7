// Package shipping defines the carrier capability and the rate resolver that
// compares quotes across carriers.
package shipping

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/storefront-engine/internal/domain/apperr"
	"github.com/xenking/storefront-engine/internal/domain/cart"
	"github.com/xenking/storefront-engine/internal/domain/money"
)

// Provider is implemented by each carrier adapter. The resolver treats every
// Provider uniformly and never inspects Name beyond using it as a label.
type Provider interface {
	// Name identifies the carrier, e.g. "estafeta".
	Name() string
	// QuoteRate returns a *RateUnavailableError when the carrier cannot
	// service the route.
	QuoteRate(ctx context.Context, fromZip, toZip string, weight float64) (Rate, error)
	CreateLabel(ctx context.Context, req LabelRequest) (*Label, error)
	GetTracking(ctx context.Context, trackingNumber string) (*TrackingInfo, error)
	// CancelLabel is idempotent: cancelling an already cancelled label is a no-op.
	CancelLabel(ctx context.Context, labelID string) error
}

// Rate is a single carrier price for a route.
type Rate struct {
	Price         money.Money `json:"price"`
	ServiceLevel  string      `json:"service_level"`
	EstimatedDays int         `json:"estimated_days"`
}

// LabelRequest carries what a carrier needs to issue a label for an order.
type LabelRequest struct {
	OrderID      string
	ServiceLevel string
	FromZip      string
	ToZip        string
	Weight       float64
	Destination  cart.Address
}

// Label is a purchased shipping label.
type Label struct {
	ID             string      `json:"id"`
	Carrier        string      `json:"carrier"`
	TrackingNumber string      `json:"tracking_number"`
	LabelURL       string      `json:"label_url"`
	Cost           money.Money `json:"cost"`
}

// TrackingStatus is the carrier-reported shipment state.
type TrackingStatus string

const (
	TrackingPending   TrackingStatus = "PENDING"
	TrackingInTransit TrackingStatus = "IN_TRANSIT"
	TrackingDelivered TrackingStatus = "DELIVERED"
	TrackingException TrackingStatus = "EXCEPTION"
)

// ParseTrackingStatus maps a carrier status string onto TrackingStatus.
func ParseTrackingStatus(s string) (TrackingStatus, error) {
	st := TrackingStatus(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case TrackingPending, TrackingInTransit, TrackingDelivered, TrackingException:
		return st, nil
	}
	return "", errors.Errorf("unknown tracking status %q", s)
}

// TrackingEvent is one scan in a shipment's history.
type TrackingEvent struct {
	At          time.Time      `json:"at"`
	Status      TrackingStatus `json:"status"`
	Location    string         `json:"location,omitempty"`
	Description string         `json:"description,omitempty"`
}

// TrackingInfo is the current state of a shipment.
type TrackingInfo struct {
	Status     TrackingStatus  `json:"status"`
	LastUpdate time.Time       `json:"last_update"`
	Events     []TrackingEvent `json:"events"`
}

// ErrRateUnavailable matches every *RateUnavailableError via errors.Is.
var ErrRateUnavailable = errors.New("rate unavailable")

// RateUnavailableError reports that a single carrier cannot quote a route.
type RateUnavailableError struct {
	Carrier string
	FromZip string
	ToZip   string
	Reason  string
}

func (e *RateUnavailableError) Error() string {
	return fmt.Sprintf("carrier %s cannot service %s -> %s: %s", e.Carrier, e.FromZip, e.ToZip, e.Reason)
}

func (e *RateUnavailableError) Is(target error) bool { return target == ErrRateUnavailable }

func (e *RateUnavailableError) ErrorCode() apperr.Code { return apperr.CodeRateUnavailable }

// ErrNoRatesAvailable matches every *NoRatesAvailableError via errors.Is.
var ErrNoRatesAvailable = errors.New("no shipping rates available")

// ProviderFailure records why one carrier was omitted from a comparison.
type ProviderFailure struct {
	Carrier string
	Err     error
}

// NoRatesAvailableError is returned when every provider failed.
type NoRatesAvailableError struct {
	FromZip  string
	ToZip    string
	Failures []ProviderFailure
}

func (e *NoRatesAvailableError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "no shipping rates available for %s -> %s", e.FromZip, e.ToZip)
	for i, f := range e.Failures {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s: %v", f.Carrier, f.Err)
	}
	return b.String()
}

func (e *NoRatesAvailableError) Is(target error) bool { return target == ErrNoRatesAvailable }

func (e *NoRatesAvailableError) ErrorCode() apperr.Code { return apperr.CodeNoRates }

// ErrUnknownQuote matches every *UnknownQuoteError via errors.Is.
var ErrUnknownQuote = errors.New("unknown shipping quote")

// UnknownQuoteError reports a selected quote the resolver did not issue, or
// no longer holds.
type UnknownQuoteError struct {
	Carrier string
	Reason  string
}

func (e *UnknownQuoteError) Error() string {
	return fmt.Sprintf("%s quote not recognized: %s", e.Carrier, e.Reason)
}

func (e *UnknownQuoteError) Is(target error) bool { return target == ErrUnknownQuote }

func (e *UnknownQuoteError) ErrorCode() apperr.Code { return apperr.CodeUnknownQuote }
