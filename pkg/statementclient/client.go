/**
 * @description
 * This package provides a client for the bank statement feed (Monobank personal API).
 * It fetches incoming statement items for a time range and maps them to the gateway's
 * domain transactions.
 *
 * @dependencies
 * - internal/domain: Transaction model returned to the reconciler.
 */
package statementclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/transfa/credit-gateway/internal/domain"
)

// Client is a client for the statement API.
type Client struct {
	baseURL    string
	token      string
	account    string
	httpClient *http.Client
}

// NewClient creates a new statement API client. account "0" selects the default account.
func NewClient(baseURL, token, account string) *Client {
	account = strings.TrimSpace(account)
	if account == "" {
		account = "0"
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:      strings.TrimSpace(token),
		account:    account,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// StatementItem is one entry of the statement response.
type StatementItem struct {
	ID            string `json:"id"`
	Time          int64  `json:"time"`
	Description   string `json:"description"`
	Comment       string `json:"comment"`
	Amount        int64  `json:"amount"`
	CounterEdrpou string `json:"counterEdrpou"`
	CounterName   string `json:"counterName"`
}

// Fetch returns the statement items between from and to, oldest first.
func (c *Client) Fetch(ctx context.Context, from, to time.Time) ([]domain.Transaction, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("statement api base url is empty")
	}
	if c.token == "" {
		return nil, fmt.Errorf("statement api token is empty")
	}

	url := fmt.Sprintf("%s/personal/statement/%s/%d/%d", c.baseURL, c.account, from.Unix(), to.Unix())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Token", c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request to statement api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("statement api returned error status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var items []StatementItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	transactions := make([]domain.Transaction, 0, len(items))
	for _, item := range items {
		transactions = append(transactions, item.toDomain())
	}
	sort.SliceStable(transactions, func(i, j int) bool {
		return transactions[i].Time.Before(transactions[j].Time)
	})
	return transactions, nil
}

func (item StatementItem) toDomain() domain.Transaction {
	counterparty := strings.TrimSpace(item.CounterName)
	if counterparty == "" {
		counterparty = strings.TrimSpace(item.CounterEdrpou)
	}
	if counterparty == "" {
		counterparty = strings.TrimSpace(item.Description)
	}
	return domain.Transaction{
		ID:           item.ID,
		Amount:       item.Amount,
		Time:         time.Unix(item.Time, 0).UTC(),
		Comment:      strings.TrimSpace(item.Comment),
		Description:  item.Description,
		Counterparty: counterparty,
	}
}
