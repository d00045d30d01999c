// Command humidity-resource is a minimal origin CoAP server exposing a
// simulated, periodically-changing humidity reading as JSON — a stand-in
// origin for exercising the forward proxy's caching and Max-Age behavior.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net"
	"strings"

	"github.com/jroosing/coapfwd/internal/coaptransport"
	"github.com/jroosing/coapfwd/internal/proxy"
)

func main() {
	var (
		addr   = flag.String("addr", "127.0.0.1:5684", "HOST:PORT to listen on")
		maxAge = flag.Uint("max-age", 5, "Max-Age (seconds) advertised on responses")
	)
	flag.Parse()

	laddr, err := net.ResolveUDPAddr("udp", *addr)
	if err != nil {
		log.Fatalf("resolve listen address: %v", err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	defer conn.Close()

	log.Printf("humidity resource listening on %s", conn.LocalAddr())

	buf := make([]byte, 2048)
	for {
		n, raddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			log.Printf("read: %v", err)
			continue
		}

		req, err := coaptransport.DecodeMessage(buf[:n])
		if err != nil {
			log.Printf("decode request from %s: %v", raddr, err)
			continue
		}

		resp := handleRequest(req, uint32(*maxAge))

		data, err := coaptransport.EncodeMessage(resp)
		if err != nil {
			log.Printf("encode response: %v", err)
			continue
		}
		if _, err := conn.WriteToUDP(data, raddr); err != nil {
			log.Printf("write response to %s: %v", raddr, err)
		}
	}
}

func handleRequest(req proxy.Message, maxAge uint32) proxy.Message {
	respType := proxy.TypeNON
	if req.Type == proxy.TypeCON {
		respType = proxy.TypeACK
	}

	if req.Code != proxy.CodeGET {
		return proxy.Message{
			Type:  respType,
			Code:  0xA5, // 5.05 Not Implemented
			MID:   req.MID,
			Token: req.Token,
		}
	}

	path := req.UriPath
	if path == "" {
		path = req.ProxyUri
	}

	var payload string
	switch {
	case strings.Contains(path, "humidity"):
		payload = fmt.Sprintf(`{"humidity": "%.2f"}`, readHumidity())
	case strings.Contains(path, "temperature"):
		payload = fmt.Sprintf(`{"temperature": "%.2f"}`, readTemperature())
	default:
		payload = `</sensors/temperature>;rt="temperature",</sensors/humidity>;rt="humidity"`
	}

	return proxy.Message{
		Type:             respType,
		Code:             proxy.CodeContent,
		MID:              req.MID,
		Token:            req.Token,
		ContentFormat:    proxy.ContentFormatJSON,
		ContentFormatSet: true,
		MaxAge:           maxAge,
		MaxAgeSet:        true,
		Payload:          []byte(payload),
	}
}

// readHumidity simulates a relative-humidity sensor: each call returns an
// independent random reading in [40, 60).
func readHumidity() float64 {
	return 40.0 + rand.Float64()*20.0
}

func readTemperature() float64 {
	return 18.0 + rand.Float64()*10.0
}
