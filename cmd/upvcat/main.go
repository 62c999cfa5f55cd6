// upvcat is a command-line demonstration of the analyzer driver: it
// enumerates attached devices, opens one, starts a capture, and
// pretty-prints reconstructed packet records to stdout until
// interrupted.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/UsbPacketViewer/usbpv-api/internal/config"
	"github.com/UsbPacketViewer/usbpv-api/internal/device"
	"github.com/UsbPacketViewer/usbpv-api/internal/sink"
	"github.com/UsbPacketViewer/usbpv-api/internal/transport"
)

var (
	configPath = flag.String("config", "", "path to a YAML configuration file (optional)")
	serial     = flag.String("serial", "", "serial number of the device to open (empty = first match)")
	firmware   = flag.String("firmware", "", "path to the firmware image pushed during open")
	rawOut     = flag.String("rawout", "", "optional path to tee raw capture buffers to")
	fast       = flag.Bool("fast", false, "bypass wall-clock timestamp reconstruction")
	list       = flag.Bool("list", false, "list attached devices and exit")
)

func main() {
	flag.Parse()

	if *list {
		runList()
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("upvcat: failed to load configuration: %v", err)
	}
	if *serial != "" {
		cfg.Serial = *serial
	}
	if *firmware != "" {
		cfg.Firmware = *firmware
	}
	if *rawOut != "" {
		cfg.RawOut = *rawOut
	}
	if *fast {
		cfg.Fast = true
	}

	if cfg.Firmware == "" {
		log.Fatalf("upvcat: -firmware is required (the vendor payload pushed during open)")
	}
	fw, err := os.ReadFile(cfg.Firmware)
	if err != nil {
		log.Fatalf("upvcat: failed to read firmware image %q: %v", cfg.Firmware, err)
	}

	opt := cfg.ToDeviceOptions()

	h, err := device.Open(opt, fw)
	if err != nil {
		log.Fatalf("upvcat: open failed: %v", err)
	}
	defer h.Close()
	model := "high-speed"
	if h.SuperSpeedMonitor() {
		model = "super-speed"
	}
	log.Printf("upvcat: device opened (serial=%q speed=%d model=%s)", opt.Serial, opt.Speed, model)

	var rawSink sink.RawSink = sink.Noop
	if cfg.RawOut != "" {
		f, err := os.Create(cfg.RawOut)
		if err != nil {
			log.Fatalf("upvcat: failed to create raw output file %q: %v", cfg.RawOut, err)
		}
		defer f.Close()
		rawSink = sink.RawSinkFunc(func(buf []byte) {
			if _, werr := f.Write(buf); werr != nil {
				log.Printf("upvcat: raw tee write failed: %v", werr)
			}
		})
	}

	var count uint64
	handler := func(sec int64, nsec uint32, payload []byte, status uint32) int {
		count++
		ts := time.Unix(sec, int64(nsec))
		fmt.Printf("%s status=%#04x len=%d %s\n", ts.Format("15:04:05.000000000"), status, len(payload), hex.EncodeToString(payload))
		return 0
	}

	if err := h.Capture(device.CaptureOptions{Handler: handler, Sink: rawSink, Fast: cfg.Fast}); err != nil {
		log.Fatalf("upvcat: capture failed to start: %v", err)
	}
	log.Printf("upvcat: capture running, press Ctrl-C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Printf("upvcat: stopping capture (%d packets recorded)...", count)
	if err := h.StopCapture(5 * time.Second); err != nil {
		log.Printf("upvcat: stop capture error: %v", err)
	}
}

func runList() {
	serials, err := transport.Enumerate()
	if err != nil {
		log.Fatalf("upvcat: enumerate failed: %v", err)
	}
	if len(serials) == 0 {
		fmt.Println("no devices found")
		return
	}
	for _, s := range serials {
		fmt.Println(s)
	}
}
