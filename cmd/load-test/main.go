package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	flags "github.com/jessevdk/go-flags"
	"github.com/sugawarayuuta/sonnet"

	"whale-backend/internal/auth"
)

type options struct {
	Clients       int           `long:"clients" default:"1000" description:"Number of concurrent WebSocket clients"`
	Duration      time.Duration `long:"duration" default:"60s" description:"Test duration"`
	URL           string        `long:"url" default:"ws://localhost:8080/ws" description:"WebSocket server URL"`
	RampUp        time.Duration `long:"rampup" default:"10s" description:"Time to ramp up all clients"`
	PrintInterval time.Duration `long:"print" default:"5s" description:"Statistics print interval"`
	Token         string        `long:"token" env:"WHALE_TOKEN" description:"Subscriber token; minted per client from --secret when empty"`
	Secret        string        `long:"secret" env:"TOKEN_SECRET" description:"Token signing secret"`
	Channels      string        `long:"channels" default:"transactions,alerts,netflow" description:"Comma separated channels to subscribe to"`
}

type Stats struct {
	connected     int64
	disconnected  int64
	authenticated int64
	messages      int64
	errors        int64
	authFailures  int64

	mu     sync.Mutex
	byType map[string]int64
}

func (s *Stats) count(kind string) {
	s.mu.Lock()
	s.byType[kind]++
	s.mu.Unlock()
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}
	if opts.Token == "" && opts.Secret == "" {
		log.Fatalf("either --token or --secret is required")
	}
	var signer *auth.Signer
	if opts.Token == "" {
		var err error
		if signer, err = auth.NewSigner([]byte(opts.Secret)); err != nil {
			log.Fatalf("Invalid secret: %v", err)
		}
	}
	subscribe, err := sonnet.Marshal(map[string]interface{}{
		"type":     "subscribe",
		"channels": strings.Split(opts.Channels, ","),
	})
	if err != nil {
		log.Fatalf("Invalid channels: %v", err)
	}

	fmt.Printf("🐋 Whale Broadcast Load Test\n")
	fmt.Printf("   Clients: %d\n", opts.Clients)
	fmt.Printf("   Duration: %v\n", opts.Duration)
	fmt.Printf("   Server: %s\n", opts.URL)
	fmt.Printf("   Ramp-up: %v\n", opts.RampUp)
	fmt.Printf("   Channels: %s\n\n", opts.Channels)

	ctx, cancel := context.WithTimeout(context.Background(), opts.Duration)
	defer cancel()

	stats := &Stats{byType: make(map[string]int64)}
	var wg sync.WaitGroup

	go reportStats(ctx, stats, opts.PrintInterval)

	clientInterval := opts.RampUp / time.Duration(max(opts.Clients, 1))
	for i := 0; i < opts.Clients; i++ {
		token := opts.Token
		if signer != nil {
			if token, err = signer.Mint(fmt.Sprintf("load-%d", i), []auth.Permission{auth.PermRead}, opts.Duration+time.Minute); err != nil {
				log.Fatalf("Mint token: %v", err)
			}
		}
		wg.Add(1)
		go startClient(ctx, &wg, opts.URL, token, subscribe, stats)

		if clientInterval > 0 {
			time.Sleep(clientInterval)
		}
		if (i+1)%100 == 0 {
			fmt.Printf("   Started %d/%d clients...\n", i+1, opts.Clients)
		}
	}
	fmt.Printf("✅ All %d clients started\n", opts.Clients)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-ctx.Done():
		fmt.Printf("\n⏰ Test duration completed\n")
	case <-sigChan:
		fmt.Printf("\n🛑 Interrupted by user\n")
		cancel()
	}

	fmt.Printf("⏳ Waiting for clients to disconnect...\n")
	wg.Wait()

	fmt.Printf("\n📈 Final Statistics:\n")
	fmt.Printf("   Connected: %d\n", atomic.LoadInt64(&stats.connected))
	fmt.Printf("   Authenticated: %d\n", atomic.LoadInt64(&stats.authenticated))
	fmt.Printf("   Auth failures: %d\n", atomic.LoadInt64(&stats.authFailures))
	fmt.Printf("   Total Messages: %d\n", atomic.LoadInt64(&stats.messages))
	fmt.Printf("   Total Errors: %d\n", atomic.LoadInt64(&stats.errors))
	stats.mu.Lock()
	for kind, n := range stats.byType {
		fmt.Printf("   %s: %d\n", kind, n)
	}
	stats.mu.Unlock()
}

type frame struct {
	Type string `json:"type"`
}

func startClient(ctx context.Context, wg *sync.WaitGroup, url, token string, subscribe []byte, stats *Stats) {
	defer wg.Done()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		atomic.AddInt64(&stats.errors, 1)
		return
	}
	atomic.AddInt64(&stats.connected, 1)
	defer atomic.AddInt64(&stats.disconnected, 1)

	var writeMu sync.Mutex
	send := func(data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	authMsg, _ := sonnet.Marshal(map[string]string{"type": "auth", "token": token})
	if err := send(authMsg); err != nil {
		atomic.AddInt64(&stats.errors, 1)
		conn.Close()
		return
	}

	go func() {
		<-ctx.Done()
		writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		writeMu.Unlock()
		conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				atomic.AddInt64(&stats.errors, 1)
			}
			return
		}
		atomic.AddInt64(&stats.messages, 1)

		var f frame
		if err := sonnet.Unmarshal(message, &f); err != nil {
			atomic.AddInt64(&stats.errors, 1)
			continue
		}
		stats.count(f.Type)

		switch f.Type {
		case "auth_success":
			atomic.AddInt64(&stats.authenticated, 1)
			if err := send(subscribe); err != nil {
				atomic.AddInt64(&stats.errors, 1)
				return
			}
		case "auth_failed":
			atomic.AddInt64(&stats.authFailures, 1)
		case "ping":
			if err := send([]byte(`{"type":"pong"}`)); err != nil {
				atomic.AddInt64(&stats.errors, 1)
				return
			}
		}
	}
}

func reportStats(ctx context.Context, stats *Stats, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastMessages int64
	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			connected := atomic.LoadInt64(&stats.connected)
			disconnected := atomic.LoadInt64(&stats.disconnected)
			messages := atomic.LoadInt64(&stats.messages)
			errors := atomic.LoadInt64(&stats.errors)

			messagesThisInterval := messages - lastMessages
			messageRate := float64(messagesThisInterval) / interval.Seconds()
			totalRate := float64(messages) / time.Since(startTime).Seconds()

			fmt.Printf("📊 [STATS] Active: %d | Authenticated: %d | Messages: %d (+%d) | Rate: %.1f/s (avg: %.1f/s) | Errors: %d\n",
				connected-disconnected, atomic.LoadInt64(&stats.authenticated),
				messages, messagesThisInterval, messageRate, totalRate, errors)

			lastMessages = messages
		}
	}
}
