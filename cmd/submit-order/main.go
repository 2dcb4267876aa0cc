package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/orderflow/pkg/api"
	"github.com/uhyunpark/orderflow/pkg/gateway"
	"github.com/uhyunpark/orderflow/pkg/order"
)

func main() {
	addr := flag.String("addr", "http://localhost:3000", "node API base URL")
	side := flag.String("side", "buy", "buy or sell")
	tokenIn := flag.String("in", "SOL", "token sold")
	tokenOut := flag.String("out", "USDC", "token bought")
	amount := flag.String("amount", "1", "amountIn")
	slippage := flag.Int("slippage", 100, "max slippage in basis points")
	watch := flag.Bool("follow", true, "stream status updates until a terminal state")
	flag.Parse()

	amt, err := decimal.NewFromString(*amount)
	if err != nil {
		fmt.Printf("Error: invalid amount %q: %v\n", *amount, err)
		os.Exit(1)
	}
	req := api.SubmitOrderRequest{
		Side:           order.Side(*side),
		TokenIn:        *tokenIn,
		TokenOut:       *tokenOut,
		AmountIn:       amt,
		MaxSlippageBps: *slippage,
	}

	// Step 1: Submit
	fmt.Println("Order Details:")
	fmt.Printf("  Side: %s\n", req.Side)
	fmt.Printf("  Pair: %s -> %s\n", req.TokenIn, req.TokenOut)
	fmt.Printf("  AmountIn: %s\n", req.AmountIn)
	fmt.Printf("  MaxSlippage: %d bps\n\n", req.MaxSlippageBps)

	orderID, err := submit(*addr, req)
	if err != nil {
		fmt.Printf("Error submitting: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Accepted: orderId=%s\n\n", orderID)

	if !*watch {
		return
	}

	// Step 2: Follow the live stream
	final, err := follow(*addr, orderID)
	if err != nil {
		fmt.Printf("Error streaming: %v\n", err)
		os.Exit(1)
	}
	if final != order.Confirmed {
		os.Exit(2)
	}
}

func submit(base string, req api.SubmitOrderRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(strings.TrimRight(base, "/")+"/api/orders/execute", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		var apiErr api.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return "", fmt.Errorf("%s: %s %s", resp.Status, apiErr.Message, strings.Join(apiErr.Details, "; "))
	}
	var out api.SubmitOrderResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.OrderID, nil
}

// follow reattaches after a retryable failure until the order reaches a
// terminal state with no retry pending. It returns the final status.
func follow(base, orderID string) (order.Status, error) {
	attempt := 0
	for tries := 0; tries < 30; tries++ {
		last, err := stream(base, orderID)
		if err != nil {
			return last.Status, err
		}
		if last.Status != order.Failed {
			return last.Status, nil
		}
		if retrying, _ := last.Data["retrying"].(bool); !retrying && last.Attempt != attempt {
			return last.Status, nil
		}
		if last.Attempt != attempt {
			fmt.Println("  attempt failed, waiting for retry...")
			attempt = last.Attempt
		}
		time.Sleep(time.Second)
	}
	return order.Failed, fmt.Errorf("gave up waiting for order %s", orderID)
}

// stream prints every status message of one attachment and returns the last.
func stream(base, orderID string) (gateway.Message, error) {
	var last gateway.Message
	u, err := url.Parse(base)
	if err != nil {
		return last, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws/orders/" + orderID

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return last, err
	}
	defer conn.Close()

	for {
		var msg gateway.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return last, nil
			}
			if websocket.IsCloseError(err, websocket.CloseTryAgainLater) {
				return last, fmt.Errorf("stream dropped by server")
			}
			return last, err
		}
		last = msg
		fmt.Printf("[%s] status=%-9s attempt=%d", time.Now().Format("15:04:05.000"), msg.Status, msg.Attempt)
		if len(msg.Data) > 0 {
			data, _ := json.Marshal(msg.Data)
			fmt.Printf(" data=%s", data)
		}
		fmt.Println()
	}
}
