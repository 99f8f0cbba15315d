// Command envelope-probe is a smoke client for a running node. It dials
// the WebSocket endpoint, sends s.ping and waits for the pong,
// optionally subscribes to one channel, then prints every frame until
// interrupted.
//
//	envelope-probe -url ws://127.0.0.1:3002/ws -token $JWT -subscribe user:7
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// frame is the client side of the wire envelope. Keys the client leaves
// unset read as null on the server.
type frame struct {
	T string `json:"t"`
	P any    `json:"p,omitempty"`
	I string `json:"i,omitempty"`
	S string `json:"s,omitempty"`
	L string `json:"l,omitempty"`
}

type channelRef struct {
	Pk          int64  `json:"pk"`
	ChannelType string `json:"channel_type"`
}

func main() {
	var (
		rawURL    = flag.String("url", "ws://127.0.0.1:3002/ws", "WebSocket endpoint")
		token     = flag.String("token", "", "JWT passed as the token query parameter")
		lang      = flag.String("lang", "", "session language (lang query parameter)")
		subscribe = flag.String("subscribe", "", "channel to subscribe to, as type:pk (e.g. user:7)")
		timeout   = flag.Duration("timeout", 10*time.Second, "dial and pong deadline")
	)
	flag.Parse()
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	target, err := buildURL(*rawURL, *token, *lang)
	if err != nil {
		log.Fatalf("bad url: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	conn, _, _, err := ws.Dial(ctx, target)
	cancel()
	if err != nil {
		log.Fatalf("dial %s: %v", *rawURL, err)
	}
	defer conn.Close()
	log.Printf("connected to %s", *rawURL)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("interrupted, closing")
		conn.Close()
	}()

	send := func(f frame) {
		raw, err := json.Marshal(f)
		if err != nil {
			log.Fatalf("marshal %s: %v", f.T, err)
		}
		if err := wsutil.WriteClientText(conn, raw); err != nil {
			log.Fatalf("send %s: %v", f.T, err)
		}
		log.Printf("-> %s", raw)
	}

	send(frame{T: "s.ping", I: "probe-ping"})
	if err := conn.SetReadDeadline(time.Now().Add(*timeout)); err != nil {
		log.Fatalf("set deadline: %v", err)
	}
	pong, err := readFrame(conn)
	if err != nil {
		log.Fatalf("waiting for pong: %v", err)
	}
	if pong.T != "s.pong" {
		log.Fatalf("expected s.pong, got %s", pong.T)
	}
	log.Println("pong received, node is alive")

	if *subscribe != "" {
		ref, err := parseChannel(*subscribe)
		if err != nil {
			log.Fatalf("bad -subscribe: %v", err)
		}
		send(frame{T: "channel.subscribe", P: ref, I: "probe-sub"})
	}

	// Print whatever arrives until the socket goes away.
	_ = conn.SetReadDeadline(time.Time{})
	for {
		data, op, err := wsutil.ReadServerData(conn)
		if err != nil {
			log.Printf("connection closed: %v", err)
			return
		}
		if op != ws.OpText {
			continue
		}
		log.Printf("<- %s", data)
	}
}

// readFrame reads data frames until one decodes as an envelope.
// Control frames are answered inside ReadServerData.
func readFrame(conn net.Conn) (*frame, error) {
	for {
		data, op, err := wsutil.ReadServerData(conn)
		if err != nil {
			return nil, err
		}
		if op != ws.OpText {
			continue
		}
		log.Printf("<- %s", data)
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode frame: %w", err)
		}
		return &f, nil
	}
}

func buildURL(raw, token, lang string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("scheme must be ws or wss, got %q", u.Scheme)
	}
	q := u.Query()
	if token != "" {
		q.Set("token", token)
	}
	if lang != "" {
		q.Set("lang", lang)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func parseChannel(s string) (channelRef, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return channelRef{}, fmt.Errorf("want type:pk, got %q", s)
	}
	pk, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return channelRef{}, fmt.Errorf("pk %q is not a number", parts[1])
	}
	return channelRef{Pk: pk, ChannelType: parts[0]}, nil
}
