package pos

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"roomtab-engine/internal/config"
	"roomtab-engine/internal/models"
)

const serviceName = "pos"

// HTTPClient talks to the hosted POS REST API.
type HTTPClient struct {
	baseURL    string
	token      string
	locationID string
	currency   string
	http       *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient builds a client from the pos config section.
func NewHTTPClient(cfg config.POSConfig) *HTTPClient {
	return &HTTPClient{
		baseURL:    cfg.BaseURL,
		token:      cfg.Token,
		locationID: cfg.LocationID,
		currency:   cfg.Currency,
		http:       &http.Client{Timeout: cfg.Timeout},
	}
}

type money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// amounts travel in minor units
func (c *HTTPClient) toMoney(d decimal.Decimal) money {
	return money{Amount: d.Shift(2).Round(0).IntPart(), Currency: c.currency}
}

func fromMoney(m money) decimal.Decimal {
	return decimal.New(m.Amount, -2)
}

type apiError struct {
	Errors []struct {
		Code   string `json:"code"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

func (c *HTTPClient) do(ctx context.Context, op, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &models.RemoteError{Service: serviceName, Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &models.RemoteError{Service: serviceName, Op: op, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiError
		detail := http.StatusText(resp.StatusCode)
		if json.Unmarshal(data, &apiErr) == nil && len(apiErr.Errors) > 0 {
			detail = apiErr.Errors[0].Code + ": " + apiErr.Errors[0].Detail
		}
		return &models.RemoteError{Service: serviceName, Op: op, StatusCode: resp.StatusCode, Err: errors.New(detail)}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return &models.RemoteError{Service: serviceName, Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("invalid response: %w", err)}
		}
	}
	return nil
}

// CreateOrGetOrder implements Client.
func (c *HTTPClient) CreateOrGetOrder(ctx context.Context, idempotencyKey, roomNumber string) (string, error) {
	req := map[string]interface{}{
		"idempotency_key": idempotencyKey,
		"order": map[string]interface{}{
			"location_id":  c.locationID,
			"reference_id": roomNumber,
		},
	}
	var resp struct {
		Order struct {
			ID string `json:"id"`
		} `json:"order"`
	}
	if err := c.do(ctx, "create_order", http.MethodPost, "/v2/orders", req, &resp); err != nil {
		return "", err
	}
	if resp.Order.ID == "" {
		return "", &models.RemoteError{Service: serviceName, Op: "create_order", Err: errors.New("response carries no order id")}
	}
	return resp.Order.ID, nil
}

// AddLine implements Client.
func (c *HTTPClient) AddLine(ctx context.Context, orderRef string, line Line) error {
	req := map[string]interface{}{
		"uid":               line.UID,
		"name":              line.Name,
		"quantity":          fmt.Sprint(line.Quantity),
		"catalog_object_id": line.CatalogItemReference,
		"base_price_money":  c.toMoney(line.UnitPrice),
		"note":              line.Note,
	}
	return c.do(ctx, "add_line", http.MethodPost, "/v2/orders/"+url.PathEscape(orderRef)+"/lines", req, nil)
}

// Settle implements Client.
func (c *HTTPClient) Settle(ctx context.Context, orderRef string, amount decimal.Decimal, idempotencyKey string) (string, error) {
	m := c.toMoney(amount)
	req := map[string]interface{}{
		"idempotency_key": idempotencyKey,
		"order_id":        orderRef,
		"source_id":       "CASH",
		"amount_money":    m,
		"cash_details":    map[string]interface{}{"buyer_supplied_money": m},
	}
	var resp struct {
		Payment struct {
			ID string `json:"id"`
		} `json:"payment"`
	}
	if err := c.do(ctx, "settle", http.MethodPost, "/v2/payments", req, &resp); err != nil {
		return "", err
	}
	return resp.Payment.ID, nil
}

// Cancel implements Client.
func (c *HTTPClient) Cancel(ctx context.Context, orderRef string) error {
	return c.do(ctx, "cancel_order", http.MethodPost, "/v2/orders/"+url.PathEscape(orderRef)+"/cancel", nil, nil)
}

// GetCatalogItem implements Client.
func (c *HTTPClient) GetCatalogItem(ctx context.Context, ref string) (CatalogItem, error) {
	var resp struct {
		Object struct {
			ID         string `json:"id"`
			Name       string `json:"name"`
			PriceMoney money  `json:"price_money"`
		} `json:"object"`
	}
	if err := c.do(ctx, "get_catalog_item", http.MethodGet, "/v2/catalog/object/"+url.PathEscape(ref), nil, &resp); err != nil {
		return CatalogItem{}, err
	}
	return CatalogItem{Ref: resp.Object.ID, Name: resp.Object.Name, Price: fromMoney(resp.Object.PriceMoney)}, nil
}

// ListPayments implements Client.
func (c *HTTPClient) ListPayments(ctx context.Context, orderRef string) ([]Payment, error) {
	var resp struct {
		Payments []struct {
			ID          string    `json:"id"`
			OrderID     string    `json:"order_id"`
			Status      string    `json:"status"`
			AmountMoney money     `json:"amount_money"`
			CreatedAt   time.Time `json:"created_at"`
		} `json:"payments"`
	}
	path := "/v2/payments?order_id=" + url.QueryEscape(orderRef)
	if err := c.do(ctx, "list_payments", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	payments := make([]Payment, 0, len(resp.Payments))
	for _, p := range resp.Payments {
		payments = append(payments, Payment{
			ID:        p.ID,
			OrderRef:  p.OrderID,
			Amount:    fromMoney(p.AmountMoney),
			Status:    p.Status,
			CreatedAt: p.CreatedAt,
		})
	}
	return payments, nil
}
