// ABOUTME: Minimal probe agent for end-to-end testing; holds a WebSocket to the gateway and answers jobs.
// ABOUTME: Usage: probe-agent [-url ws://localhost:8080/ws/node] [-name probe-node-1] [-heartbeat 10s]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/probeops/probeops-gateway/internal/protocol"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/ws/node", "gateway agent socket URL")
	name := flag.String("name", "probe-node-1", "node name to register under")
	heartbeat := flag.Duration("heartbeat", 10*time.Second, "heartbeat interval")
	delay := flag.Duration("delay", 0, "artificial delay before answering a job")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a := &probeAgent{url: *url, name: *name, heartbeat: *heartbeat, delay: *delay}
	if err := a.runForever(ctx); err != nil {
		log.Fatal(err)
	}
}

type probeAgent struct {
	url       string
	name      string
	heartbeat time.Duration
	delay     time.Duration
}

// runForever reconnects with capped backoff until ctx is cancelled.
func (a *probeAgent) runForever(ctx context.Context) error {
	backoff := time.Second
	for {
		err := a.run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		log.Printf("connection lost: %v (retrying in %s)", err, backoff)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 30*time.Second)
	}
}

func (a *probeAgent) run(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	// Unblock ReadJSON on shutdown.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	var writeMu sync.Mutex
	send := func(msg *protocol.Message) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(msg)
	}

	if err := send(&protocol.Message{Action: protocol.ActionRegister, NodeName: a.name}); err != nil {
		return fmt.Errorf("failed to register: %w", err)
	}

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go a.sendHeartbeats(hbCtx, send)

	for {
		var msg protocol.Message
		if err := conn.ReadJSON(&msg); err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
				return errors.New("gateway closed the connection")
			}
			return fmt.Errorf("recv error: %w", err)
		}

		switch {
		case msg.Message != "":
			fmt.Fprintf(os.Stderr, "%s\n", msg.Message)
		case msg.Error != "":
			log.Printf("gateway error: %s", msg.Error)
		case msg.Action == protocol.ActionJob:
			log.Printf("received job [%s]: %s %s", msg.JobID, msg.JobType, msg.Target)
			go func(job protocol.Message) {
				if a.delay > 0 {
					time.Sleep(a.delay)
				}
				output, ok := cannedOutput(&job)
				if err := send(protocol.NewResult(job.JobID, output, ok)); err != nil {
					log.Printf("send result error: %v", err)
				}
			}(msg)
		}
	}
}

func (a *probeAgent) sendHeartbeats(ctx context.Context, send func(*protocol.Message) error) {
	ticker := time.NewTicker(a.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := send(&protocol.Message{Action: protocol.ActionHeartbeat, NodeName: a.name, Status: "ok"}); err != nil {
				log.Printf("heartbeat error: %v", err)
				return
			}
		}
	}
}

// cannedOutput fakes tool output; no commands are executed.
func cannedOutput(job *protocol.Message) (string, bool) {
	switch job.JobType {
	case "ping":
		return fmt.Sprintf("PING %s: 4 packets transmitted, 4 received, 0%% packet loss", job.Target), true
	case "traceroute":
		return fmt.Sprintf("traceroute to %s, 30 hops max\n 1  10.0.0.1  0.4 ms\n 2  %s  8.1 ms", job.Target, job.Target), true
	case "curl":
		return "HTTP/1.1 200 OK\r\nContent-Type: text/html\r\n", true
	case protocol.JobTypePortCheck:
		if job.Port == nil {
			return "Missing 'port' argument for port_check", false
		}
		return fmt.Sprintf("Port %d open:\nConnection to %s %d port succeeded!", *job.Port, job.Target, *job.Port), true
	case "nmap":
		ports := "1-1024"
		if p, ok := job.Params["ports"].(string); ok && p != "" {
			ports = p
		}
		return fmt.Sprintf("Nmap scan report for %s (ports %s)\n80/tcp open http", job.Target, ports), true
	case "dns":
		return "93.184.216.34", true
	case "rdns":
		return fmt.Sprintf("%s\tname = host.example.net.", job.Target), true
	case "whois":
		return fmt.Sprintf("Domain Name: %s\nRegistrar: Example Registrar", job.Target), true
	default:
		return fmt.Sprintf("Unknown job_type: %s", job.JobType), false
	}
}
