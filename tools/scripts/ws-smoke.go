// Package main provides a CI-friendly smoke test for Slate chat realtime.
//
// It validates:
//   - WS handshake + subprotocol selection with gateway identity headers
//   - hello/ack session establishment
//   - REST send -> message.created fanout to the recipient
//   - REST mark read -> message.read notification to the sender
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "slate/shared/contracts/chat/v1"

	"github.com/coder/websocket"
)

const (
	defaultSubprotocol = "slate.chat.v1"
	maxReadBytes       = 1 << 20 // 1MiB

	headerUser    = "X-Slate-User"
	headerRole    = "X-Slate-Role"
	headerSession = "X-Slate-Session"
)

type smokeClient struct {
	name      string
	userID    string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("ws-url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		httpURL = flag.String("http-url", "http://127.0.0.1:8080", "REST base URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		teacher = flag.String("teacher", "t-smoke-1", "Teacher user ID (sender)")
		student = flag.String("student", "s-smoke-1", "Student user ID (recipient)")
		text    = flag.String("text", "hello slate", "Message content to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -ws-url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	sender := mustConnect(root, "sender", *teacher, *wsURL, *origin, *timeout)
	defer closeWS(sender.conn)

	recipient := mustConnect(root, "recipient", *student, *wsURL, *origin, *timeout)
	defer closeWS(recipient.conn)

	if *verbose {
		fmt.Printf("connected: sender=%s recipient=%s origin=%q\n", sender.sessionID, recipient.sessionID, *origin)
	}

	msg := mustSendREST(*httpURL, *teacher, "teacher", sender.sessionID, *student, *text, *timeout)

	created := mustAssertCreated(root, recipient, msg.ID, *teacher, *student, *text, *timeout)
	if created.Seq != msg.Seq {
		fatalf("fanout seq mismatch: rest=%d ws=%d", msg.Seq, created.Seq)
	}

	// Sender device excluded from its own echo: the originating session
	// must not receive message.created for its own send.
	mustAssertNoType(root, sender, v1.TypeMessageCreated, 1200*time.Millisecond)

	mustMarkReadREST(*httpURL, *student, "student", msg.ID, *timeout)

	mustAssertRead(root, sender, msg.ConversationID, msg.ID, *student, *timeout)

	fmt.Printf("OK: conv_id=%s msg_id=%s seq=%d sender_session=%s recipient_session=%s\n",
		msg.ConversationID, msg.ID, msg.Seq, sender.sessionID, recipient.sessionID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, userID, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	h.Set(headerUser, userID)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: userID,
		conn:   conn,
		inbox:  make(chan v1.Envelope, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()

	hello := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		ID:      fmt.Sprintf("%s-hello", name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.HelloPayload{ClientName: "ws-smoke"}),
	}
	mustWriteWithTimeout(parent, conn, hello, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello.ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello.ack missing session_id (%s)", name)
	}
	c.sessionID = p.SessionID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustSendREST(baseURL, userID, role, sessionID, recipientID, content string, stepTimeout time.Duration) v1.Message {
	body := mustJSON(map[string]string{
		"recipient_id": recipientID,
		"content":      content,
	})

	req, err := http.NewRequest(http.MethodPost, baseURL+"/api/chat/messages", bytes.NewReader(body))
	if err != nil {
		fatalf("build send request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerUser, userID)
	req.Header.Set(headerRole, role)
	req.Header.Set(headerSession, sessionID)

	resp := mustDo(req, stepTimeout)
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		fatalf("send: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var msg v1.Message
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		fatalf("decode send response: %v", err)
	}
	if strings.TrimSpace(msg.ID) == "" || msg.Seq <= 0 {
		fatalf("send response missing id/seq: id=%q seq=%d", msg.ID, msg.Seq)
	}
	return msg
}

func mustMarkReadREST(baseURL, userID, role, messageID string, stepTimeout time.Duration) {
	req, err := http.NewRequest(http.MethodPost, baseURL+"/api/chat/messages/"+messageID+"/read", nil)
	if err != nil {
		fatalf("build read request: %v", err)
	}
	req.Header.Set(headerUser, userID)
	req.Header.Set(headerRole, role)

	resp := mustDo(req, stepTimeout)
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusNoContent {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		fatalf("mark read: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
}

func mustDo(req *http.Request, stepTimeout time.Duration) *http.Response {
	client := &http.Client{Timeout: stepTimeout}
	resp, err := client.Do(req)
	if err != nil {
		fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	return resp
}

func mustAssertCreated(parent context.Context, c *smokeClient, msgID, senderID, recipientID, content string, stepTimeout time.Duration) v1.Message {
	env := c.mustReadUntilType(parent, v1.TypeMessageCreated, stepTimeout)

	var p v1.MessageCreatedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal message.created payload (%s): %v", c.name, err)
	}

	m := p.Message
	if m.ID != msgID {
		fatalf("created id mismatch (%s): got=%q want=%q", c.name, m.ID, msgID)
	}
	if m.Sender != senderID {
		fatalf("created sender mismatch (%s): got=%q want=%q", c.name, m.Sender, senderID)
	}
	if m.Recipient != recipientID {
		fatalf("created recipient mismatch (%s): got=%q want=%q", c.name, m.Recipient, recipientID)
	}
	if m.Content != content {
		fatalf("created content mismatch (%s): got=%q want=%q", c.name, m.Content, content)
	}
	if m.CreatedAt.IsZero() {
		fatalf("created created_at missing/zero (%s)", c.name)
	}
	return m
}

func mustAssertRead(parent context.Context, c *smokeClient, convID, msgID, readerID string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeMessageRead, stepTimeout)

	var p v1.MessageReadPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal message.read payload (%s): %v", c.name, err)
	}

	if p.ConversationID != convID {
		fatalf("read conv_id mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
	if p.ReaderID != readerID {
		fatalf("read reader mismatch (%s): got=%q want=%q", c.name, p.ReaderID, readerID)
	}
	found := false
	for _, id := range p.MessageIDs {
		if id == msgID {
			found = true
			break
		}
	}
	if !found {
		fatalf("read missing message id (%s): want=%q got=%v", c.name, msgID, p.MessageIDs)
	}
	if p.ReadAt.IsZero() {
		fatalf("read read_at missing/zero (%s)", c.name)
	}
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			// Push-only socket: tolerate unrelated pushes while waiting.
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
