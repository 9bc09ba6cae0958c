package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"

	"radiolive/internal/api"
	"radiolive/internal/broadcast"
	"radiolive/internal/config"
	"radiolive/internal/signaling"
	"radiolive/pkg/telemetry"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("application failure: %v", err)
	}
}

// signalBridge forwards session descriptions and candidates from the
// broadcast session over the signaling channel.
type signalBridge struct {
	channel *signaling.Channel
}

func (b *signalBridge) SendOffer(sdp string) bool {
	return b.channel.Send(signaling.TypeOffer, map[string]string{"sdp": sdp})
}

func (b *signalBridge) SendCandidate(candidate webrtc.ICECandidateInit) bool {
	return b.channel.Send(signaling.TypeICECandidate, candidate)
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}

	// 2. Setup Telemetry
	tracerProvider, err := telemetry.InitTracer(ctx, cfg.TelemetryEndpoint)
	if err != nil {
		return fmt.Errorf("telemetry init failed: %w", err)
	}
	if tracerProvider != nil {
		defer func() {
			if err := tracerProvider.Shutdown(context.Background()); err != nil {
				log.Printf("Error shutting down tracer provider: %v", err)
			}
		}()
		log.Printf("Telemetry enabled with endpoint: %s", cfg.TelemetryEndpoint)
	} else {
		log.Println("Telemetry disabled (no endpoint configured)")
	}

	// 3. Signaling channel and broadcast session
	channel := signaling.NewChannel(cfg, signaling.DialWebSocket)
	session := broadcast.NewSession(cfg, &signalBridge{channel: channel})
	defer session.StopStream()
	defer channel.Disconnect()

	wireSignaling(channel, session)

	if cfg.StationID != "" {
		channel.Connect(cfg.StationID, cfg.AuthToken)
		log.Printf("Connecting signaling for station %s at %s", cfg.StationID, cfg.SignalingURL)
	}

	// 4. Setup HTTP Server
	apiHandler := api.NewHandler(cfg, channel, session)
	mux := http.NewServeMux()
	apiHandler.RegisterRoutes(mux)

	// Serve static files
	mux.Handle("/", http.FileServer(http.Dir("./static")))

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: mux,
	}

	// 5. Start Server in goroutine
	srvErr := make(chan error, 1)
	go func() {
		log.Printf("Starting HTTP server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- fmt.Errorf("http server failed: %w", err)
		}
	}()

	// 6. Wait for signal or error
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-srvErr:
		return err
	case <-stop:
		log.Println("Shutting down...")
	}

	// 7. Graceful Shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	return nil
}

// wireSignaling routes inbound negotiation messages into the session and
// logs channel lifecycle transitions.
func wireSignaling(channel *signaling.Channel, session *broadcast.Session) {
	channel.Subscribe(signaling.TypeAnswer, func(ev signaling.Event) {
		var msg struct {
			SDP string `json:"sdp"`
		}
		if err := json.Unmarshal(ev.Message.Payload, &msg); err != nil {
			log.Printf("Malformed answer payload: %v", err)
			return
		}
		if err := session.HandleAnswer(msg.SDP); err != nil {
			log.Printf("Failed to apply answer: %v", err)
		}
	})

	channel.Subscribe(signaling.TypeICECandidate, func(ev signaling.Event) {
		var candidate webrtc.ICECandidateInit
		if err := json.Unmarshal(ev.Message.Payload, &candidate); err != nil {
			log.Printf("Malformed candidate payload: %v", err)
			return
		}
		if err := session.AddRemoteCandidate(candidate); err != nil {
			log.Printf("Failed to add remote candidate: %v", err)
		}
	})

	channel.Subscribe(signaling.EventConnected, func(signaling.Event) {
		log.Println("Signaling connected")
	})
	channel.Subscribe(signaling.EventDisconnected, func(signaling.Event) {
		log.Println("Signaling disconnected")
	})
	channel.Subscribe(signaling.EventReconnectFailed, func(signaling.Event) {
		log.Println("Signaling reconnect budget exhausted; manual reconnect required")
	})
}
