package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// RequestSubject is where transfer requests are sent for the custody service.
const RequestSubject = "vault.transfers.request"

// Request is the JSON payload of a transfer request.
type Request struct {
	TransferID string `json:"transfer_id"`
	From       string `json:"from"`
	To         string `json:"to"`
	Amount     int64  `json:"amount"`
}

// Reply is the custody service's answer. An empty Error means success.
type Reply struct {
	TransferID string `json:"transfer_id"`
	Error      string `json:"error,omitempty"`
}

// ErrRejected is returned when the custody service refused the transfer.
var ErrRejected = errors.New("transfer rejected")

// NATSClient sends transfers to an external custody service over NATS request/reply.
type NATSClient struct {
	nc      *nats.Conn
	subject string
	timeout time.Duration
}

var _ Transferer = (*NATSClient)(nil)

// NewNATSClient creates a client publishing to RequestSubject.
func NewNATSClient(nc *nats.Conn, timeout time.Duration) *NATSClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NATSClient{nc: nc, subject: RequestSubject, timeout: timeout}
}

// Transfer sends the request and waits for the custody reply. The custody
// service deduplicates on the transfer ID.
func (c *NATSClient) Transfer(ctx context.Context, id, from, to string, amount int64) error {
	if id == "" {
		return ErrMissingID
	}
	if amount <= 0 {
		return fmt.Errorf("transfer %d: %w", amount, ErrInvalidAmount)
	}

	req := Request{
		TransferID: id,
		From:       from,
		To:         to,
		Amount:     amount,
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal transfer request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg, err := c.nc.RequestWithContext(ctx, c.subject, data)
	if err != nil {
		return fmt.Errorf("request transfer %s: %w", req.TransferID, err)
	}

	var reply Reply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("decode transfer reply %s: %w", req.TransferID, err)
	}
	if reply.Error != "" {
		return fmt.Errorf("%w: %s", ErrRejected, reply.Error)
	}
	return nil
}
