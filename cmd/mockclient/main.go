package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/coder/websocket"
)

type clientConfig struct {
	url     string
	uid     string
	peer    string
	role    string
	payload string
	timeout time.Duration
}

func main() {
	cfg := parseConfig()
	if err := run(cfg); err != nil {
		log.Fatalf("mock client failed: %v", err)
	}
	log.Printf("mock client role %s completed as %s", cfg.role, cfg.uid)
}

func parseConfig() clientConfig {
	var cfg clientConfig
	flag.StringVar(&cfg.url, "url", "ws://127.0.0.1:8080/", "Relay WebSocket URL")
	flag.StringVar(&cfg.uid, "uid", "", "User id to identify as (defaults to the role name)")
	flag.StringVar(&cfg.peer, "peer", "", "User id of the other party (defaults to the other role name)")
	flag.StringVar(&cfg.role, "role", "sender", "Role for this client (sender|receiver)")
	flag.StringVar(&cfg.payload, "payload", "integration-ciphertext", "Opaque data field to relay")
	flag.DurationVar(&cfg.timeout, "timeout", 30*time.Second, "Overall timeout for the flow")
	flag.Parse()

	switch cfg.role {
	case "sender", "receiver":
	default:
		log.Fatalf("unsupported role %s (expected sender or receiver)", cfg.role)
	}
	if cfg.uid == "" {
		cfg.uid = cfg.role
	}
	if cfg.peer == "" {
		cfg.peer = peerRole(cfg.role)
	}
	return cfg
}

func peerRole(role string) string {
	if role == "sender" {
		return "receiver"
	}
	return "sender"
}

func run(cfg clientConfig) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, cfg.url, nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	defer conn.CloseNow()

	if err := expectText(ctx, conn, "hi"); err != nil {
		return err
	}
	if err := writeJSON(ctx, conn, map[string]string{"uid": cfg.uid}); err != nil {
		return err
	}
	delivered, err := awaitConnected(ctx, conn, cfg)
	if err != nil {
		return err
	}
	if delivered {
		conn.Close(websocket.StatusNormalClosure, "done")
		return nil
	}

	if cfg.role == "sender" {
		if err := writeJSON(ctx, conn, map[string]string{
			"act":  "sendTxt",
			"id":   cfg.peer,
			"data": cfg.payload,
			"iv":   "mock-iv",
		}); err != nil {
			return err
		}
		if err := writeJSON(ctx, conn, map[string]string{"act": "ping"}); err != nil {
			return err
		}
	}

	err = handleFrames(ctx, conn, cfg)
	conn.Close(websocket.StatusNormalClosure, "done")
	return err
}

// awaitConnected reads until the relay confirms identification. A receiver
// may see drained offline messages first; delivered reports whether the
// expected one was among them.
func awaitConnected(ctx context.Context, conn *websocket.Conn, cfg clientConfig) (delivered bool, err error) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return delivered, fmt.Errorf("await connected: %w", err)
		}
		if string(data) == "connected" {
			return delivered, nil
		}
		if cfg.role == "receiver" {
			ok, err := checkDelivery(data, cfg)
			if err != nil {
				return delivered, err
			}
			if ok {
				log.Printf("received offline message from %s", cfg.peer)
				delivered = true
				continue
			}
		}
		log.Printf("frame before connected: %s", data)
	}
}

func handleFrames(ctx context.Context, conn *websocket.Conn, cfg clientConfig) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("read frame: %w", ctx.Err())
			}
			return fmt.Errorf("read frame: %w", err)
		}

		var frame map[string]any
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Printf("ignoring non-JSON frame %q", data)
			continue
		}
		if code, ok := frame["err"]; ok {
			return fmt.Errorf("error frame: %v (lives=%v)", code, frame["lives"])
		}

		switch cfg.role {
		case "sender":
			if frame["resp"] == "pong" {
				log.Printf("pong at server time %v", frame["servTime"])
				return nil
			}
		case "receiver":
			done, err := checkDelivery(data, cfg)
			if err != nil {
				return err
			}
			if done {
				log.Printf("received live message from %s", cfg.peer)
				return nil
			}
		}
	}
}

func checkDelivery(data []byte, cfg clientConfig) (bool, error) {
	var msg struct {
		Resp string `json:"resp"`
		UID  string `json:"uid"`
		Data string `json:"data"`
	}
	if err := json.Unmarshal(data, &msg); err != nil || msg.Resp != "txtMsg" {
		return false, nil
	}
	if msg.UID != cfg.peer {
		return false, fmt.Errorf("message from unexpected sender %s", msg.UID)
	}
	if msg.Data != cfg.payload {
		return false, fmt.Errorf("received payload mismatch: %q vs %q", msg.Data, cfg.payload)
	}
	return true, nil
}

func expectText(ctx context.Context, conn *websocket.Conn, want string) error {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("read %s: %w", want, err)
	}
	if string(data) != want {
		return fmt.Errorf("expected %q, got %q", want, data)
	}
	return nil
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
