// Command coap-client sends periodic GET requests through a CoAP forward
// proxy, round-robining across a small set of resource paths, mirroring the
// Proxy-Uri forward-proxy pattern (RFC 7252 §5.7.2).
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net"
	"time"

	"github.com/jroosing/coapfwd/internal/coaptransport"
	"github.com/jroosing/coapfwd/internal/proxy"
)

var resourcePaths = []string{
	"/sensors/temperature",
	"/sensors/humidity",
	"/.well-known/core",
}

func main() {
	var (
		proxyAddr = flag.String("proxy", "127.0.0.1:5683", "CoAP forward proxy HOST:PORT")
		originURI = flag.String("origin", "coap://[127.0.0.1]:5684", "Origin server base URI, used to build Proxy-Uri")
		interval  = flag.Duration("interval", 10*time.Second, "Interval between requests")
		timeout   = flag.Duration("timeout", 5*time.Second, "Per-request timeout")
		once      = flag.Bool("once", false, "Send a single request and exit")
	)
	flag.Parse()

	raddr, err := net.ResolveUDPAddr("udp", *proxyAddr)
	if err != nil {
		log.Fatalf("resolve proxy address: %v", err)
	}

	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		log.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	pathIdx := 0
	sendOne := func() {
		path := resourcePaths[pathIdx]
		pathIdx = (pathIdx + 1) % len(resourcePaths)

		mid := uint16(rand.Intn(1 << 16))
		token := make([]byte, 4)
		rand.Read(token)

		req := proxy.Message{
			Type:     proxy.TypeCON,
			Code:     proxy.CodeGET,
			MID:      mid,
			Token:    token,
			ProxyUri: *originURI + path,
		}

		data, err := coaptransport.EncodeMessage(req)
		if err != nil {
			log.Printf("encode request for %s: %v", path, err)
			return
		}

		if err := conn.SetDeadline(time.Now().Add(*timeout)); err != nil {
			log.Printf("set deadline: %v", err)
			return
		}

		fmt.Printf("sending a request: %s\n", path)
		if _, err := conn.Write(data); err != nil {
			log.Printf("write request for %s: %v", path, err)
			return
		}

		buf := make([]byte, 2048)
		n, err := conn.Read(buf)
		if err != nil {
			fmt.Println("request timed out")
			return
		}

		resp, err := coaptransport.DecodeMessage(buf[:n])
		if err != nil {
			log.Printf("decode response for %s: %v", path, err)
			return
		}

		fmt.Printf("|%s\n\ndone with the request.\n", resp.Payload)
	}

	sendOne()
	if *once {
		return
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for range ticker.C {
		fmt.Println("timer triggered a request.")
		sendOne()
	}
}
