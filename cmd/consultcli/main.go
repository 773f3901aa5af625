package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/consultlink/go-consult/internal/booking"
	"github.com/consultlink/go-consult/internal/client"
	"github.com/consultlink/go-consult/internal/config"
	"github.com/consultlink/go-consult/internal/logger"
	"github.com/consultlink/go-consult/internal/reconnect"
	"github.com/consultlink/go-consult/internal/rest"
	"github.com/consultlink/go-consult/internal/retry"
	"github.com/consultlink/go-consult/internal/stats"
	"github.com/consultlink/go-consult/internal/transport"
	"github.com/consultlink/go-consult/internal/types"
)

var (
	wsURL     string
	restURL   string
	token     string
	principal string
	role      string
	chatId    string
	bookingId string
)

func main() {
	flag.StringVar(&wsURL, "ws-url", "", "live channel URL (overrides WS_URL)")
	flag.StringVar(&restURL, "rest-url", "", "REST API base URL (overrides REST_URL)")
	flag.StringVar(&token, "token", "", "bearer token for the session")
	flag.StringVar(&principal, "principal", "", "principal id")
	flag.StringVar(&role, "role", "professional", "principal role")
	flag.StringVar(&chatId, "chat", "", "chat id to join")
	flag.StringVar(&bookingId, "booking", "", "booking id to join")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		if wsURL == "" || restURL == "" {
			log.Fatalf("load config: %v", err)
		}
		cfg = &config.Config{}
	}
	if wsURL != "" {
		cfg.WSURL = wsURL
	}
	if restURL != "" {
		cfg.RESTURL = restURL
	}

	zlog, err := logger.New(cfg.IsProduction())
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer zlog.Sync()

	sess := types.Session{
		AuthToken:     token,
		PrincipalId:   principal,
		PrincipalRole: role,
	}

	su := stats.NewStatsUpdater(nil)
	su.Run()
	defer su.Stop()

	conn := transport.NewConn(cfg.WSURL, su, zlog)
	api := rest.NewClient(cfg.RESTURL, func() types.Session { return sess }, zlog)
	engine := client.NewConsultClient(cfg, conn, api, su, types.SenderProfessional, zlog)
	defer engine.Close()

	broker := booking.NewBroker(api, conn, su, zlog)
	defer broker.Close()

	sup := reconnect.NewSupervisor(conn, retry.Policy{
		MaxAttempts: cfg.ReconnectMaxAttempts,
		BaseDelay:   cfg.ReconnectBaseDelay,
		MaxDelay:    cfg.ReconnectMaxDelay,
		Exponential: true,
	}, su, zlog)
	defer sup.Stop()

	sup.OnRecovered(func(ctx context.Context, outage time.Duration) {
		engine.Resync(ctx, outage)
		if _, err := broker.Refresh(ctx); err != nil {
			zlog.Warn("booking refresh after recovery failed", zap.Error(err))
		}
	})

	engine.Events().Subscribe(client.TopicTimeline, func(payload any) {
		update := payload.(client.TimelineUpdate)
		if n := len(update.Messages); n > 0 {
			last := update.Messages[n-1]
			fmt.Printf("[%s] %s: %s (%s)\n",
				update.RoomKey, last.SenderType, last.Body, last.DeliveryState)
		}
	})
	engine.Events().Subscribe(client.TopicTyping, func(payload any) {
		state := payload.(types.TypingState)
		if state.IsTyping {
			fmt.Printf("[%s] peer is typing...\n", state.RoomKey)
		}
	})
	engine.Events().Subscribe(client.TopicConnection, func(payload any) {
		sc := payload.(transport.StateChange)
		fmt.Printf("connection: %s\n", sc.State)
	})
	broker.Events().Subscribe(booking.TopicPending, func(payload any) {
		reqs := payload.([]types.BookingRequest)
		fmt.Printf("pending booking requests: %d\n", len(reqs))
	})

	if err := conn.Connect(sess); err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer conn.Disconnect()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		cancel()
	}()

	var roomKey string
	if chatId != "" || bookingId != "" {
		res := engine.JoinRoom(ctx, chatId, bookingId, client.JoinOptions{
			OnProgress: func(status string) { fmt.Println(status) },
		})
		roomKey = res.RoomKey
		if res.Err != nil {
			zlog.Warn("join failed, falling back to REST sends", zap.Error(res.Err))
		}
		if _, err := engine.LoadHistory(ctx, roomKey); err != nil {
			zlog.Warn("load history failed", zap.Error(err))
		}
	}

	if _, err := broker.Refresh(ctx); err != nil {
		zlog.Warn("booking refresh failed", zap.Error(err))
	}

	fmt.Println("type a message, or /accept <id>, /reject <id>, /quit")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return
		case strings.HasPrefix(line, "/accept "):
			id := strings.TrimPrefix(line, "/accept ")
			if err := broker.Accept(ctx, id); err != nil {
				fmt.Println("accept failed:", err)
			}
		case strings.HasPrefix(line, "/reject "):
			id := strings.TrimPrefix(line, "/reject ")
			if err := broker.Reject(ctx, id); err != nil {
				fmt.Println("reject failed:", err)
			}
		default:
			if roomKey == "" {
				fmt.Println("no room joined")
				continue
			}
			engine.SetTyping(roomKey, true)
			if _, err := engine.Send(ctx, roomKey, line); err != nil {
				fmt.Println("send failed:", err)
			}
		}
	}
}
