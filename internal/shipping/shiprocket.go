// Package shipping talks to the Shiprocket courier aggregator.
package shipping

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	domain "github.com/hanko-field/settlement/internal/domain"
	"github.com/hanko-field/settlement/internal/platform/config"
	"github.com/hanko-field/settlement/internal/platform/money"
	"github.com/hanko-field/settlement/internal/services"
)

const (
	defaultBaseURL = "https://apiv2.shiprocket.in/v1/external"
	// Shiprocket tokens live for ten days; refresh a day early.
	tokenLifetime = 9 * 24 * time.Hour
)

// ErrUnauthorized is returned when Shiprocket rejects the credentials.
var ErrUnauthorized = errors.New("shiprocket: unauthorized")

// Logger defines the logging contract for courier calls.
type Logger func(ctx context.Context, event string, fields map[string]any)

// APIError is a non-2xx Shiprocket response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("shiprocket: status %d: %s", e.Status, e.Message)
}

// Client is a thin Shiprocket REST client implementing services.ShippingProvider.
type Client struct {
	baseURL        string
	email          string
	password       string
	pickupLocation string
	http           *http.Client
	clock          func() time.Time
	logger         Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

var _ services.ShippingProvider = (*Client)(nil)

// Option customises the client.
type Option func(*Client)

// WithHTTPClient overrides the transport.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.http = client
		}
	}
}

// WithClock injects a time source.
func WithClock(clock func() time.Time) Option {
	return func(c *Client) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithLogger sets the event logger.
func WithLogger(logger Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient builds a Shiprocket client from configuration.
func NewClient(cfg config.ShiprocketConfig, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.Email) == "" || cfg.Password == "" {
		return nil, errors.New("shiprocket: email and password are required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	c := &Client{
		baseURL:        baseURL,
		email:          strings.TrimSpace(cfg.Email),
		password:       cfg.Password,
		pickupLocation: strings.TrimSpace(cfg.PickupLocation),
		http:           &http.Client{Timeout: timeout},
		clock:          time.Now,
		logger:         func(context.Context, string, map[string]any) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.pickupLocation == "" {
		c.pickupLocation = "Primary"
	}
	return c, nil
}

type orderItemPayload struct {
	Name         string  `json:"name"`
	SKU          string  `json:"sku"`
	Units        int     `json:"units"`
	SellingPrice float64 `json:"selling_price"`
}

type createOrderPayload struct {
	OrderID             string             `json:"order_id"`
	OrderDate           string             `json:"order_date"`
	PickupLocation      string             `json:"pickup_location"`
	BillingCustomerName string             `json:"billing_customer_name"`
	BillingAddress      string             `json:"billing_address"`
	BillingCity         string             `json:"billing_city"`
	BillingPincode      string             `json:"billing_pincode"`
	BillingState        string             `json:"billing_state"`
	BillingCountry      string             `json:"billing_country"`
	BillingEmail        string             `json:"billing_email"`
	BillingPhone        string             `json:"billing_phone"`
	ShippingIsBilling   bool               `json:"shipping_is_billing"`
	OrderItems          []orderItemPayload `json:"order_items"`
	PaymentMethod       string             `json:"payment_method"`
	ShippingCharges     float64            `json:"shipping_charges"`
	TotalDiscount       float64            `json:"total_discount"`
	SubTotal            float64            `json:"sub_total"`
	Length              float64            `json:"length"`
	Breadth             float64            `json:"breadth"`
	Height              float64            `json:"height"`
	Weight              float64            `json:"weight"`
}

type createOrderResponse struct {
	OrderID    json.Number `json:"order_id"`
	ShipmentID json.Number `json:"shipment_id"`
	Status     string      `json:"status"`
}

type assignAWBResponse struct {
	AWBAssignStatus int `json:"awb_assign_status"`
	Response        struct {
		Data struct {
			AWBCode     string `json:"awb_code"`
			CourierName string `json:"courier_name"`
		} `json:"data"`
	} `json:"response"`
}

// CreateShipment creates a Shiprocket order for the confirmed order and
// requests an AWB. When AWB assignment fails the shipment identifiers are
// still returned so the order can be correlated later.
func (c *Client) CreateShipment(ctx context.Context, order domain.Order) (domain.ShipmentInfo, error) {
	payload := createOrderPayload{
		OrderID:             order.ID,
		OrderDate:           order.CreatedAt.UTC().Format("2006-01-02 15:04"),
		PickupLocation:      c.pickupLocation,
		BillingCustomerName: order.Customer.Name,
		BillingAddress:      order.Address.Street,
		BillingCity:         order.Address.City,
		BillingPincode:      order.Address.PostalCode,
		BillingState:        order.Address.State,
		BillingCountry:      order.Address.Country,
		BillingEmail:        order.Customer.Email,
		BillingPhone:        order.Customer.Phone,
		ShippingIsBilling:   true,
		PaymentMethod:       "Prepaid",
		ShippingCharges:     money.Float(order.Shipping),
		TotalDiscount:       money.Float(order.Discount),
		SubTotal:            money.Float(order.Subtotal),
		Length:              10,
		Breadth:             10,
		Height:              10,
		Weight:              0.5,
	}
	for _, item := range order.Items {
		payload.OrderItems = append(payload.OrderItems, orderItemPayload{
			Name:         item.Name,
			SKU:          item.ProductID,
			Units:        item.Quantity,
			SellingPrice: money.Float(item.UnitPrice()),
		})
	}

	var created createOrderResponse
	if err := c.do(ctx, http.MethodPost, "/orders/create/adhoc", payload, &created); err != nil {
		return domain.ShipmentInfo{}, fmt.Errorf("create shiprocket order: %w", err)
	}
	info := domain.ShipmentInfo{
		ProviderOrderID: created.OrderID.String(),
		ShipmentID:      created.ShipmentID.String(),
	}
	if info.ShipmentID == "" {
		return domain.ShipmentInfo{}, errors.New("create shiprocket order: response carried no shipment id")
	}

	var awb assignAWBResponse
	if err := c.do(ctx, http.MethodPost, "/courier/assign/awb", map[string]any{"shipment_id": info.ShipmentID}, &awb); err != nil {
		c.logger(ctx, "shipping.awb.assign_failed", map[string]any{
			"orderId":    order.ID,
			"shipmentId": info.ShipmentID,
			"error":      err.Error(),
		})
		return info, nil
	}
	info.AWBCode = strings.TrimSpace(awb.Response.Data.AWBCode)
	info.CourierName = strings.TrimSpace(awb.Response.Data.CourierName)
	c.logger(ctx, "shipping.shipment.created", map[string]any{
		"orderId":    order.ID,
		"shipmentId": info.ShipmentID,
		"awbCode":    info.AWBCode,
	})
	return info, nil
}

type trackingResponse struct {
	TrackingData struct {
		ShipmentStatus json.Number `json:"shipment_status"`
		ShipmentTrack  []struct {
			AWBCode       string `json:"awb_code"`
			CurrentStatus string `json:"current_status"`
		} `json:"shipment_track"`
		Activities []struct {
			Date     string `json:"date"`
			Activity string `json:"activity"`
			Location string `json:"location"`
		} `json:"shipment_track_activities"`
		Error string `json:"error"`
	} `json:"tracking_data"`
}

// TrackShipment fetches the courier status by shipment id or AWB.
func (c *Client) TrackShipment(ctx context.Context, shipmentID, awbCode string) (domain.TrackingInfo, error) {
	var path string
	switch {
	case strings.TrimSpace(shipmentID) != "":
		path = "/courier/track/shipment/" + url.PathEscape(strings.TrimSpace(shipmentID))
	case strings.TrimSpace(awbCode) != "":
		path = "/courier/track/awb/" + url.PathEscape(strings.TrimSpace(awbCode))
	default:
		return domain.TrackingInfo{}, errors.New("shiprocket: shipment id or awb code is required")
	}

	var resp trackingResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return domain.TrackingInfo{}, fmt.Errorf("track shipment: %w", err)
	}
	data := resp.TrackingData
	if data.Error != "" {
		return domain.TrackingInfo{}, fmt.Errorf("track shipment: %s", data.Error)
	}

	info := domain.TrackingInfo{AWBCode: strings.TrimSpace(awbCode), Status: data.ShipmentStatus.String()}
	if len(data.ShipmentTrack) > 0 {
		info.Status = strings.TrimSpace(data.ShipmentTrack[0].CurrentStatus)
		if code := strings.TrimSpace(data.ShipmentTrack[0].AWBCode); code != "" {
			info.AWBCode = code
		}
	}
	for _, activity := range data.Activities {
		at, _ := time.Parse("2006-01-02 15:04:05", activity.Date)
		info.Checkpoints = append(info.Checkpoints, domain.TrackingCheckpoint{
			Status:   strings.TrimSpace(activity.Activity),
			Location: strings.TrimSpace(activity.Location),
			At:       at,
		})
	}
	return info, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	token, err := c.authToken(ctx, false)
	if err != nil {
		return err
	}
	err = c.send(ctx, method, path, token, body, out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
		if token, err = c.authToken(ctx, true); err != nil {
			return err
		}
		err = c.send(ctx, method, path, token, body, out)
	}
	return err
}

func (c *Client) authToken(ctx context.Context, force bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !force && c.token != "" && c.clock().Before(c.tokenExpiry) {
		return c.token, nil
	}

	var resp struct {
		Token string `json:"token"`
	}
	err := c.send(ctx, http.MethodPost, "/auth/login", "", map[string]string{"email": c.email, "password": c.password}, &resp)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && (apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden) {
			return "", fmt.Errorf("%w: %s", ErrUnauthorized, apiErr.Message)
		}
		return "", fmt.Errorf("shiprocket login: %w", err)
	}
	if resp.Token == "" {
		return "", fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	c.token = resp.Token
	c.tokenExpiry = c.clock().Add(tokenLifetime)
	return c.token, nil
}

func (c *Client) send(ctx context.Context, method, path, token string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Status: resp.StatusCode, Message: errorMessage(raw, resp.StatusCode)}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func errorMessage(raw []byte, status int) string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Message != "" {
		return body.Message
	}
	if text := strings.TrimSpace(string(raw)); text != "" && len(text) < 200 {
		return text
	}
	return strconv.Itoa(status) + " " + http.StatusText(status)
}
