// Package rest adapts a carrier exposing a JSON HTTP API.
//
// Endpoints, relative to the base URL:
//
//	POST   /rates                  quote a route
//	POST   /labels                 purchase a label
//	GET    /tracking/{number}      shipment status
//	DELETE /labels/{id}            void a label
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/xenking/storefront-engine/internal/domain/apperr"
	"github.com/xenking/storefront-engine/internal/domain/money"
	"github.com/xenking/storefront-engine/internal/domain/shipping"
)

const (
	defaultTimeout       = 10 * time.Second
	errorBodyLimit int64 = 1024
)

var errAPIKeyRequired = errors.New("carrier api key is required")

// Client implements shipping.Provider over HTTP.
type Client struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var _ shipping.Provider = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default instrumented client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// New creates a client for the carrier called name.
func New(name, baseURL, apiKey string, opts ...Option) (*Client, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("carrier name is required")
	}
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errAPIKeyRequired
	}
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.Errorf("carrier %s: invalid base url %q", name, baseURL)
	}

	c := &Client{
		name:    name,
		baseURL: strings.TrimRight(u.String(), "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

func (c *Client) Name() string { return c.name }

type rateRequest struct {
	FromZip string  `json:"from_zip"`
	ToZip   string  `json:"to_zip"`
	Weight  float64 `json:"weight"`
}

type rateResponse struct {
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	ServiceLevel  string `json:"service_level"`
	EstimatedDays int    `json:"estimated_days"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *Client) QuoteRate(ctx context.Context, fromZip, toZip string, weight float64) (shipping.Rate, error) {
	var out rateResponse
	status, body, err := c.do(ctx, http.MethodPost, "/rates", rateRequest{FromZip: fromZip, ToZip: toZip, Weight: weight}, &out)
	if err != nil {
		return shipping.Rate{}, err
	}
	switch {
	case status == http.StatusUnprocessableEntity || status == http.StatusNotFound:
		return shipping.Rate{}, &shipping.RateUnavailableError{
			Carrier: c.name,
			FromZip: fromZip,
			ToZip:   toZip,
			Reason:  reason(body),
		}
	case status != http.StatusOK:
		return shipping.Rate{}, c.statusError("quote rate", status, body)
	}

	cur, err := money.ParseCurrency(out.Currency)
	if err != nil {
		return shipping.Rate{}, errors.Wrapf(err, "carrier %s rate", c.name)
	}
	if out.Amount < 0 {
		return shipping.Rate{}, errors.Errorf("carrier %s returned negative rate", c.name)
	}
	return shipping.Rate{
		Price:         money.New(out.Amount, cur),
		ServiceLevel:  out.ServiceLevel,
		EstimatedDays: out.EstimatedDays,
	}, nil
}

type labelRequest struct {
	OrderID      string  `json:"order_id"`
	ServiceLevel string  `json:"service_level"`
	FromZip      string  `json:"from_zip"`
	ToZip        string  `json:"to_zip"`
	Weight       float64 `json:"weight"`
	Line1        string  `json:"line1,omitempty"`
	City         string  `json:"city,omitempty"`
	State        string  `json:"state,omitempty"`
	Country      string  `json:"country,omitempty"`
}

type labelResponse struct {
	ID             string `json:"id"`
	TrackingNumber string `json:"tracking_number"`
	LabelURL       string `json:"label_url"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
}

func (c *Client) CreateLabel(ctx context.Context, req shipping.LabelRequest) (*shipping.Label, error) {
	in := labelRequest{
		OrderID:      req.OrderID,
		ServiceLevel: req.ServiceLevel,
		FromZip:      req.FromZip,
		ToZip:        req.ToZip,
		Weight:       req.Weight,
		Line1:        req.Destination.Line1,
		City:         req.Destination.City,
		State:        req.Destination.State,
		Country:      req.Destination.Country,
	}
	var out labelResponse
	status, body, err := c.do(ctx, http.MethodPost, "/labels", in, &out)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return nil, c.statusError("create label", status, body)
	}
	cur, err := money.ParseCurrency(out.Currency)
	if err != nil {
		return nil, errors.Wrapf(err, "carrier %s label", c.name)
	}
	return &shipping.Label{
		ID:             out.ID,
		Carrier:        c.name,
		TrackingNumber: out.TrackingNumber,
		LabelURL:       out.LabelURL,
		Cost:           money.New(out.Amount, cur),
	}, nil
}

type trackingResponse struct {
	Status     string    `json:"status"`
	LastUpdate time.Time `json:"last_update"`
	Events     []struct {
		At          time.Time `json:"at"`
		Status      string    `json:"status"`
		Location    string    `json:"location"`
		Description string    `json:"description"`
	} `json:"events"`
}

func (c *Client) GetTracking(ctx context.Context, trackingNumber string) (*shipping.TrackingInfo, error) {
	var out trackingResponse
	status, body, err := c.do(ctx, http.MethodGet, "/tracking/"+url.PathEscape(trackingNumber), nil, &out)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, apperr.NotFound("shipment", trackingNumber)
	default:
		return nil, c.statusError("get tracking", status, body)
	}

	st, err := shipping.ParseTrackingStatus(out.Status)
	if err != nil {
		return nil, errors.Wrapf(err, "carrier %s", c.name)
	}
	info := &shipping.TrackingInfo{Status: st, LastUpdate: out.LastUpdate}
	for _, e := range out.Events {
		est, err := shipping.ParseTrackingStatus(e.Status)
		if err != nil {
			continue
		}
		info.Events = append(info.Events, shipping.TrackingEvent{
			At:          e.At,
			Status:      est,
			Location:    e.Location,
			Description: e.Description,
		})
	}
	return info, nil
}

func (c *Client) CancelLabel(ctx context.Context, labelID string) error {
	status, body, err := c.do(ctx, http.MethodDelete, "/labels/"+url.PathEscape(labelID), nil, nil)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound, http.StatusGone:
		return nil
	}
	return c.statusError("cancel label", status, body)
}

// do sends in as JSON and decodes a 2xx body into out. Non-2xx bodies are
// returned raw, truncated.
func (c *Client) do(ctx context.Context, method, path string, in, out any) (int, []byte, error) {
	var reqBody io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return 0, nil, errors.Wrap(err, "marshal request")
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return 0, nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Api-Key", c.apiKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, errors.Wrapf(err, "carrier %s %s %s", c.name, method, path)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return resp.StatusCode, body, nil
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, nil, errors.Wrapf(err, "decode %s response", path)
		}
	}
	return resp.StatusCode, nil, nil
}

func (c *Client) statusError(op string, status int, body []byte) error {
	return errors.Errorf("carrier %s %s: status %d: %s", c.name, op, status, reason(body))
}

func reason(body []byte) string {
	var e errorResponse
	if err := json.Unmarshal(body, &e); err == nil && e.Message != "" {
		if e.Code != "" {
			return fmt.Sprintf("%s: %s", e.Code, e.Message)
		}
		return e.Message
	}
	return strings.TrimSpace(string(body))
}
