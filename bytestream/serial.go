package bytestream

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/tarm/serial"
)

// OpenSerial opens a blocking serial connection to a device exposing a
// Bluetooth SPP or USB-serial link as a local port, e.g. "/dev/rfcomm0"
// on Linux or "COM5" on Windows. The read deadline keeps the underlying
// Read from blocking forever, letting an engine's receiver worker
// notice a shutdown request between bytes.
//
// Grounded on driver/mjolnir's Open: a single hardware-parameter
// serial.Config opened with github.com/tarm/serial.
func OpenSerial(dev string, baud int) (io.ReadWriteCloser, error) {
	if dev == "" {
		return nil, errors.New("bytestream: no device specified")
	}
	c := &serial.Config{
		Name:        dev,
		Baud:        baud,
		ReadTimeout: time.Second,
	}
	s, err := serial.OpenPort(c)
	if err != nil {
		return nil, fmt.Errorf("bytestream: open %s: %w", dev, err)
	}
	return s, nil
}
