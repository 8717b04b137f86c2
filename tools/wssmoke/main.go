// Command wssmoke is a CI-friendly end-to-end check against a running Huddle server.
//
// Two clients authenticate with v4.public tokens minted from the dev secret
// key, join one room, exchange a message, read it back through history and
// retry the send with the same client_msg_id to confirm it is not re-broadcast.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	paseto "aidanwoods.dev/go-paseto"
	"github.com/coder/websocket"

	v1 "huddle/contracts/realtime/v1"
)

const maxReadBytes = 1 << 20

type smokeClient struct {
	name   string
	userID string
	conn   *websocket.Conn

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL     = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin    = flag.String("origin", "http://localhost", "Origin header to send")
		roomID    = flag.String("room", "smoke", "Room to join (must exist or HUDDLE_ROOMS_AUTOCREATE=true)")
		text      = flag.String("text", "hello huddle", "Message text to send")
		secretHex = flag.String("paseto-secret-hex", os.Getenv("HUDDLE_PASETO_V4_SECRET_KEY_HEX"), "v4.public secret key used to mint tokens")
		issuer    = flag.String("issuer", "huddle", "Token issuer")
		userA     = flag.String("user-a", "u-alice", "Subject for client A (must exist, see HUDDLE_DEV_USERS)")
		userB     = flag.String("user-b", "u-bob", "Subject for client B")
		timeout   = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose   = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	key, err := paseto.NewV4AsymmetricSecretKeyFromHex(strings.TrimSpace(*secretHex))
	if err != nil {
		fatalf("invalid -paseto-secret-hex: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", *userA, *wsURL, *origin, mintToken(key, *issuer, *userA), *timeout)
	defer closeWS(a.conn)
	b := mustConnect(root, "B", *userB, *wsURL, *origin, mintToken(key, *issuer, *userB), *timeout)
	defer closeWS(b.conn)

	mustJoin(root, a, *roomID, *timeout)
	mustJoin(root, b, *roomID, *timeout)

	clientMsgID := fmt.Sprintf("smoke-%d", time.Now().UnixNano())
	ack := mustSend(root, a, *roomID, clientMsgID, *text, *timeout)
	if ack.Duplicated {
		fatalf("first send acknowledged as duplicate")
	}

	var got v1.MessagePayload
	decode(b.mustReadUntilType(root, v1.TypeMessageNew, *timeout), &got)
	if got.ID != ack.ID || got.Seq != ack.Seq || got.Content == nil || *got.Content != *text {
		fatalf("B received unexpected message: %+v", got)
	}
	if got.Sender == nil || got.Sender.ID != a.userID {
		fatalf("B received wrong sender: %+v", got.Sender)
	}

	chunk := mustHistory(root, b, *roomID, nil, *timeout)
	if !containsMessage(chunk, ack.ID) {
		fatalf("history missing message %s", ack.ID)
	}
	after := ack.Seq
	if chunk := mustHistory(root, b, *roomID, &after, *timeout); len(chunk.Messages) != 0 {
		fatalf("history after seq %d not empty: %d messages", after, len(chunk.Messages))
	}

	retry := mustSend(root, a, *roomID, clientMsgID, *text, *timeout)
	if !retry.Duplicated || retry.ID != ack.ID || retry.Seq != ack.Seq {
		fatalf("retry not deduplicated: first=%+v retry=%+v", ack, retry)
	}
	mustAssertNoType(root, b, v1.TypeMessageNew, 1200*time.Millisecond)

	if *verbose {
		fmt.Printf("A=%s B=%s message=%s\n", a.userID, b.userID, ack.ID)
	}
	fmt.Printf("OK: room=%s seq=%d id=%s\n", *roomID, ack.Seq, ack.ID)
}

func mintToken(key paseto.V4AsymmetricSecretKey, issuer, subject string) string {
	now := time.Now().UTC()
	tok := paseto.NewToken()
	tok.SetIssuer(issuer)
	tok.SetSubject(subject)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(now.Add(5 * time.Minute))
	return tok.V4Sign(key, nil)
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
	return nil
}

func mustConnect(parent context.Context, name, userID, wsURL, origin, token string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	h.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		fatalf("connect %s: status=%d err=%v", name, status, err)
	}
	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		fatalf("subprotocol mismatch (%s): got=%q", name, sp)
	}
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: userID,
		conn:   conn,
		inbox:  make(chan v1.Envelope, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()

	mustWrite(parent, conn, request(v1.TypeHello, name+"-hello", v1.HelloPayload{}), stepTimeout)
	var ack v1.HelloAckPayload
	decode(c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout), &ack)
	if ack.UserID != userID || ack.SessionID == "" {
		fatalf("hello.ack mismatch (%s): %+v", name, ack)
	}
	return c
}

func (c *smokeClient) startReadLoop() {
	fail := func(err error) {
		select {
		case c.errCh <- err:
		default:
		}
	}
	go func() {
		defer close(c.inbox)
		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				fail(err)
				return
			}
			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				fail(fmt.Errorf("bad json: %w", err))
				return
			}
			select {
			case c.inbox <- env:
			default:
				fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func mustJoin(parent context.Context, c *smokeClient, roomID string, stepTimeout time.Duration) {
	mustWrite(parent, c.conn, request(v1.TypeRoomJoin, c.name+"-join", v1.RoomJoinPayload{RoomID: roomID}), stepTimeout)
	for {
		var p v1.RoomEventPayload
		decode(c.mustReadUntilType(parent, v1.TypeRoomJoined, stepTimeout), &p)
		if p.RoomID == roomID && p.UserID == c.userID {
			return
		}
	}
}

func mustSend(parent context.Context, c *smokeClient, roomID, clientMsgID, text string, stepTimeout time.Duration) v1.MessageAckPayload {
	payload := v1.MessageSendPayload{RoomID: roomID, Content: &text, ClientMsgID: clientMsgID}
	mustWrite(parent, c.conn, request(v1.TypeMessageSend, c.name+"-send", payload), stepTimeout)

	var ack v1.MessageAckPayload
	decode(c.mustReadUntilType(parent, v1.TypeMessageAck, stepTimeout), &ack)
	if ack.RoomID != roomID || ack.ClientMsgID != clientMsgID || ack.ID == "" || ack.Seq <= 0 {
		fatalf("unexpected ack (%s): %+v", c.name, ack)
	}
	return ack
}

func mustHistory(parent context.Context, c *smokeClient, roomID string, afterSeq *int64, stepTimeout time.Duration) v1.RoomHistoryChunkPayload {
	payload := v1.RoomHistoryPayload{RoomID: roomID, AfterSeq: afterSeq, Limit: 50}
	mustWrite(parent, c.conn, request(v1.TypeRoomHistory, c.name+"-history", payload), stepTimeout)

	var chunk v1.RoomHistoryChunkPayload
	decode(c.mustReadUntilType(parent, v1.TypeRoomHistoryChunk, stepTimeout), &chunk)
	if chunk.RoomID != roomID {
		fatalf("history room mismatch (%s): %q", c.name, chunk.RoomID)
	}
	return chunk
}

func containsMessage(chunk v1.RoomHistoryChunkPayload, id string) bool {
	for _, m := range chunk.Messages {
		if m.ID == id {
			return true
		}
	}
	return false
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbidden string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == forbidden {
				fatalf("unexpected %s received (%s)", forbidden, c.name)
			}
		}
	}
}

// mustReadUntilType skips room announcements and other broadcast noise but
// fails fast on error envelopes.
func (c *smokeClient) mustReadUntilType(parent context.Context, want string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s)", want, c.name)
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", want, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", want, c.name)
			}
			if env.Type == want {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
		}
	}
}

func request(typ, id string, payload any) v1.Envelope {
	b, err := json.Marshal(payload)
	if err != nil {
		fatalf("marshal %s: %v", typ, err)
	}
	return v1.Envelope{V: v1.Version, Type: typ, ID: id, TS: time.Now().UTC(), Payload: b}
}

func decode(env v1.Envelope, dst any) {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		fatalf("unmarshal %s payload: %v", env.Type, err)
	}
}

func mustWrite(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
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

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
