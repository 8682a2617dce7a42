package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"slidecredit/internal/model"
)

// Client calls a remote CreditService.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects without TLS unless opts override the transport credentials.
// token is sent with every call.
func Dial(addr, token string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithPerRPCCredentials(tokenCredentials(token)),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Deduct(ctx context.Context, req model.CreditRequest) (*model.Result, error) {
	out := new(model.Result)
	if err := c.conn.Invoke(ctx, fullMethod("Deduct"), &req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Add(ctx context.Context, req model.CreditRequest) (*model.Result, error) {
	out := new(model.Result)
	if err := c.conn.Invoke(ctx, fullMethod("Add"), &req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Balance(ctx context.Context, accountID string) (int64, error) {
	out := new(BalanceResponse)
	if err := c.conn.Invoke(ctx, fullMethod("Balance"), &BalanceRequest{AccountID: accountID}, out); err != nil {
		return 0, err
	}
	return out.Balance, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}
