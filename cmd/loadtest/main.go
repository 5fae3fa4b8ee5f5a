package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aeolun/chatrelay/pkg/protocol"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat."

var loremWords = strings.Fields(loremIpsum)

type stats struct {
	sent     atomic.Int64
	received atomic.Int64
	errors   atomic.Int64
}

func main() {
	var (
		addr          = flag.String("addr", "localhost:3000", "server address")
		clients       = flag.Int("clients", 10, "number of concurrent clients")
		rate          = flag.Duration("rate", 200*time.Millisecond, "delay between messages per client")
		duration      = flag.Duration("duration", 30*time.Second, "test duration")
		adminPassword = flag.String("admin-password", "", "admin password used to create the test channel")
	)
	flag.Parse()

	st := &stats{}

	channelID, err := setupChannel(*addr, *adminPassword)
	if err != nil {
		log.Fatalf("Failed to set up test channel: %v", err)
	}
	log.Printf("Test channel created (id=%d)", channelID)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			runClient(*addr, channelID, n, *rate, stop, st)
		}(i)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	start := time.Now()
	select {
	case <-time.After(*duration):
	case <-sig:
	}
	close(stop)
	wg.Wait()

	elapsed := time.Since(start).Seconds()
	sent := st.sent.Load()
	received := st.received.Load()
	fmt.Printf("\nsent:     %d (%.1f msg/s)\n", sent, float64(sent)/elapsed)
	fmt.Printf("received: %d (%.1f msg/s)\n", received, float64(received)/elapsed)
	fmt.Printf("errors:   %d\n", st.errors.Load())
}

// setupChannel connects as admin and creates the channel the load clients
// will hammer.
func setupChannel(addr, adminPassword string) (uint32, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	connect := protocol.ConnectRequest{Username: "loadadmin", Password: adminPassword, HasPassword: adminPassword != ""}
	if err := sendRequest(conn, 1, protocol.TypeSvrConnect, &connect); err != nil {
		return 0, err
	}
	if _, err := expectFrame(conn, protocol.TypeSvrConnect); err != nil {
		return 0, err
	}

	create := protocol.CreateChannelRequest{Secret: false, Name: "loadtest"}
	if err := sendRequest(conn, 2, protocol.TypeChCreate, &create); err != nil {
		return 0, err
	}
	frame, err := expectFrame(conn, protocol.TypeChCreate)
	if err != nil {
		return 0, err
	}

	var info protocol.ChannelInfo
	if err := info.Decode(frame.Payload); err != nil {
		return 0, err
	}
	return info.ID, nil
}

func runClient(addr string, channelID uint32, n int, rate time.Duration, stop <-chan struct{}, st *stats) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		st.errors.Add(1)
		return
	}
	defer conn.Close()

	connect := protocol.ConnectRequest{Username: fmt.Sprintf("load%d", n)}
	if err := sendRequest(conn, 1, protocol.TypeSvrConnect, &connect); err != nil {
		st.errors.Add(1)
		return
	}
	if _, err := expectFrame(conn, protocol.TypeSvrConnect); err != nil {
		st.errors.Add(1)
		return
	}

	join := protocol.JoinRequest{ChannelID: channelID}
	if err := sendRequest(conn, 2, protocol.TypeChJoin, &join); err != nil {
		st.errors.Add(1)
		return
	}
	if _, err := expectFrame(conn, protocol.TypeChJoin); err != nil {
		st.errors.Add(1)
		return
	}

	// reader counts incoming broadcasts until the connection closes
	go func() {
		for {
			frame, err := protocol.ReadFrame(conn)
			if err != nil {
				return
			}
			if frame.Type == protocol.TypeChMessage {
				st.received.Add(1)
			}
		}
	}()

	id := int32(3)
	ticker := time.NewTicker(rate)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			text := loremWords[rand.Intn(len(loremWords))]
			msg := protocol.MessagePost{ChannelID: channelID, Text: []byte(text)}
			if err := sendRequest(conn, id, protocol.TypeChMessage, &msg); err != nil {
				st.errors.Add(1)
				return
			}
			st.sent.Add(1)
			id++
		}
	}
}

func sendRequest(conn net.Conn, id int32, packetType uint32, msg protocol.PayloadMessage) error {
	payload, err := msg.Encode()
	if err != nil {
		return err
	}
	resp := protocol.NewResponse(id, packetType, payload)
	_, err = conn.Write(resp.Data)
	return err
}

// expectFrame reads frames until one of the wanted type arrives, skipping
// broadcast traffic.
func expectFrame(conn net.Conn, packetType uint32) (protocol.Frame, error) {
	for {
		frame, err := protocol.ReadFrame(conn)
		if err != nil {
			return protocol.Frame{}, err
		}
		if frame.Type == packetType {
			if frame.ID == -1 {
				return frame, fmt.Errorf("request failed: %s", string(frame.Payload))
			}
			return frame, nil
		}
	}
}
