package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/agentcore/internal/a2a"
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcReply struct {
	ID     any             `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *a2a.RPCError   `json:"error"`
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<marshal-error:%v>", err)
	}
	return string(b)
}

func main() {
	url := flag.String("url", "ws://127.0.0.1:4668/ws", "websocket endpoint")
	timeout := flag.Duration("timeout", 8*time.Second, "overall timeout")
	token := flag.String("token", "", "auth_token configured on the gateway")
	userID := flag.String("user-id", "verify", "user id to connect as")
	chatID := flag.String("chat-id", "chat-000000", "chat to subscribe to")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if strings.TrimSpace(*token) == "" {
		fmt.Fprintln(os.Stderr, "token is required")
		os.Exit(2)
	}
	endpoint := *url + "?user_id=" + *userID

	_, unauthResp, unauthErr := websocket.Dial(ctx, endpoint, nil)
	if unauthErr == nil {
		fmt.Fprintln(os.Stderr, "expected missing-auth dial to fail but it succeeded")
		os.Exit(1)
	}
	if unauthResp == nil || unauthResp.StatusCode != http.StatusUnauthorized {
		fmt.Fprintf(os.Stderr, "expected 401 for missing auth, got response=%v err=%v\n", unauthResp, unauthErr)
		os.Exit(1)
	}
	fmt.Printf("AUTH_CHECK missing token rejected status=%d\n", unauthResp.StatusCode)

	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + strings.TrimSpace(*token)},
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "authorized dial failed: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	requests := []rpcRequest{
		{JSONRPC: "2.0", ID: 1, Method: "chat.subscribe", Params: map[string]any{"chat_ids": []string{*chatID}}},
		{JSONRPC: "2.0", ID: 2, Method: "chat.unsubscribe", Params: map[string]any{"chat_ids": []string{*chatID}}},
		{JSONRPC: "2.0", ID: 3, Method: "chat.explode"},
	}

	for _, req := range requests {
		fmt.Printf(">> %s\n", mustJSON(req))
		if err := wsjson.Write(ctx, conn, req); err != nil {
			fmt.Fprintf(os.Stderr, "write failed: %v\n", err)
			os.Exit(1)
		}
		var resp rpcReply
		if err := wsjson.Read(ctx, conn, &resp); err != nil {
			fmt.Fprintf(os.Stderr, "read failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("<< %s\n", mustJSON(resp))
		switch req.Method {
		case "chat.explode":
			if resp.Error == nil || resp.Error.Code != a2a.CodeMethodNotFound {
				fmt.Fprintf(os.Stderr, "expected method-not-found (%d) for unknown method\n", a2a.CodeMethodNotFound)
				os.Exit(1)
			}
		default:
			if resp.Error != nil {
				fmt.Fprintf(os.Stderr, "expected successful %s\n", req.Method)
				os.Exit(1)
			}
		}
	}

	fmt.Println("VERDICT PASS")
}
