package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/hypebeast/go-osc/osc"
)

// osc-listen binds a UDP port and prints every OSC message it receives,
// one line per message with bundles flattened. Useful for checking what
// remote-wheel-sender (or any other OSC speaker) is emitting.
func main() {
	var (
		address = flag.String("address", "127.0.0.1:19794", "UDP address to listen on")
		quiet   = flag.Bool("quiet", false, "Count messages without printing them")
	)
	flag.Parse()

	addr, err := net.ResolveUDPAddr("udp", *address)
	if err != nil {
		log.Fatalf("invalid address: %v", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		log.Fatalf("failed to listen: %v", err)
	}
	defer conn.Close()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		<-sigc
		close(done)
		conn.Close()
	}()

	log.Printf("listening on %s (press Ctrl+C to exit)", *address)

	var packets, messages int
	buf := make([]byte, 16384)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-done:
				log.Printf("received %d packets, %d messages", packets, messages)
				return
			default:
				log.Fatalf("read failed: %v", err)
			}
		}

		pkt, err := osc.ParsePacket(string(buf[:n]))
		if err != nil {
			log.Printf("%s: malformed packet (%d bytes): %v", from, n, err)
			continue
		}

		packets++
		messages += printPacket(pkt, *quiet, from.String())
	}
}

// printPacket prints one packet's leaf messages and returns how many there
// were.
func printPacket(pkt osc.Packet, quiet bool, from string) int {
	switch p := pkt.(type) {
	case *osc.Message:
		if !quiet {
			fmt.Printf("%-21s %s\n", from, p.String())
		}
		return 1

	case *osc.Bundle:
		n := 0
		for _, m := range p.Messages {
			n += printPacket(m, quiet, from)
		}
		for _, b := range p.Bundles {
			n += printPacket(b, quiet, from)
		}
		return n
	}
	return 0
}
