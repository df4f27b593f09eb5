// command fidmon is the internal tool for monitoring and exercising a
// flame-ionization analyzer over a serial connection.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fidlink.dev/bytestream"
	"fidlink.dev/devicea"
	"fidlink.dev/deviceb"
	"fidlink.dev/event"
)

var (
	serialDev    = flag.String("device", "", "serial device")
	baud         = flag.Int("baud", 9600, "serial baud rate")
	protocol     = flag.String("protocol", "a", "protocol engine: 'a' or 'b'")
	pollInterval = flag.Duration("poll", time.Second, "status poll interval (Device-A only)")
	ignite       = flag.Bool("ignite", false, "ignite on startup")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if *serialDev == "" {
		return errors.New("specify -device")
	}

	rwc, err := bytestream.OpenSerial(*serialDev, *baud)
	if err != nil {
		return fmt.Errorf("opening %s: %w", *serialDev, err)
	}
	defer rwc.Close()
	stream := bytestream.Open(rwc)

	sink := event.Funcs{
		OnDataPolled: func(d event.DataPolled) {
			fmt.Printf("reading: ppm=%v %v\n", d.PPM, d.Properties)
		},
		OnError: func(f *event.Fault) {
			fmt.Fprintf(os.Stderr, "fault: %v\n", f)
		},
		OnCommandError: func(c event.CommandError) {
			fmt.Fprintf(os.Stderr, "device: %v\n", c)
		},
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	switch *protocol {
	case "a":
		return runDeviceA(stream, sink, quit)
	case "b":
		return runDeviceB(stream, sink, quit)
	default:
		return fmt.Errorf("-protocol must be 'a' or 'b'")
	}
}

func runDeviceA(stream bytestream.Stream, sink event.Sink, quit chan os.Signal) error {
	e, err := devicea.New(stream, sink)
	if err != nil {
		return fmt.Errorf("initializing device: %w", err)
	}
	defer e.Shutdown()

	if *ignite {
		if err := e.Ignite(); err != nil {
			return fmt.Errorf("ignite: %w", err)
		}
	}
	e.StartPollingData(*pollInterval)

	<-quit
	signal.Reset(os.Interrupt, syscall.SIGTERM)
	return nil
}

func runDeviceB(stream bytestream.Stream, sink event.Sink, quit chan os.Signal) error {
	e, err := deviceb.New(stream, sink)
	if err != nil {
		return fmt.Errorf("initializing device: %w", err)
	}
	defer e.Shutdown()

	if err := e.StartPollingData(); err != nil {
		return fmt.Errorf("start polling: %w", err)
	}
	if *ignite {
		if err := e.Ignite(); err != nil {
			return fmt.Errorf("ignite: %w", err)
		}
	}

	<-quit
	signal.Reset(os.Interrupt, syscall.SIGTERM)
	return nil
}
