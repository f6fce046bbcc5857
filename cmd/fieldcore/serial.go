package main

import (
	"fmt"
	"log"

	"go.bug.st/serial"

	"github.com/banshee-data/presence.field/internal/serialmux"
)

type serialPort = serial.Port

// openSerial opens the touch-array controller and sends its start-up
// commands.
func openSerial(opts options) (*serialmux.SerialMux[serialPort], error) {
	portOpts, err := serialmux.ParsePortOptions(opts.SerialOptions)
	if err != nil {
		return nil, err
	}
	mux, err := serialmux.NewRealSerialMux(opts.SerialPort, portOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", opts.SerialPort, err)
	}
	if err := mux.Initialize(opts.SerialInit...); err != nil {
		mux.Close()
		return nil, fmt.Errorf("failed to initialize controller on %s: %w", opts.SerialPort, err)
	}
	log.Printf("serial controller on %s at %d baud", opts.SerialPort, portOpts.BaudRate)
	return mux, nil
}
