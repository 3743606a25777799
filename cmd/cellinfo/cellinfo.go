// SPDX-License-Identifier: MIT

// cellinfo collects and displays the modem identity, registration state
// and radio environment.
//
// This serves as an example of how to interact with the modem, as well as
// providing information which may be useful for debugging.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/umodem/cellular/at"
	"github.com/umodem/cellular/ctrl"
	"github.com/umodem/cellular/serial"
	"github.com/umodem/cellular/trace"
)

var version = "undefined"

func main() {
	dev := flag.String("d", "/dev/ttyUSB0", "path to modem device")
	baud := flag.Int("b", 115200, "baud rate")
	timeout := flag.Duration("t", 5*time.Second, "command timeout period")
	apn := flag.String("a", "", "APN to attach with, if not already registered")
	verbose := flag.Bool("v", false, "log modem interactions")
	vsn := flag.Bool("version", false, "report version and exit")
	flag.Parse()
	if *vsn {
		fmt.Printf("%s %s\n", os.Args[0], version)
		os.Exit(0)
	}
	m, err := serial.New(serial.WithPort(*dev), serial.WithBaud(*baud))
	if err != nil {
		log.Println(err)
		return
	}
	defer m.Close()
	var mio io.ReadWriter = m
	if *verbose {
		mio = trace.New(m, log.New(os.Stdout, "", log.LstdFlags))
	}
	a := at.New(mio, at.WithTimeout(*timeout))
	c := ctrl.New(a)
	if err = c.Init(); err != nil {
		log.Println(err)
		return
	}
	defer c.Deinit()
	if *apn != "" && !c.IsRegistered() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		err = c.Connect(ctx, *apn)
		cancel()
		if err != nil {
			log.Println(err)
			return
		}
	}

	report("Manufacturer", c.Manufacturer)
	report("Model", c.Model)
	report("Firmware", c.FirmwareVersion)
	report("IMEI", c.IMEI)
	report("IMSI", c.IMSI)
	report("ICCID", c.ICCID)

	fmt.Printf("%-14s: %v\n", "Registered", c.IsRegistered())
	if rat, err := c.ActiveRat(); err == nil {
		fmt.Printf("%-14s: %s\n", "RAT", rat)
	}
	report("Operator", c.Operator)
	if mcc, mnc, err := c.MccMnc(); err == nil {
		fmt.Printf("%-14s: %03d/%02d\n", "MCC/MNC", mcc, mnc)
	}
	report("IP address", c.IPAddress)
	report("APN", c.APN)
	if t, err := c.TimeUTC(); err == nil {
		fmt.Printf("%-14s: %s\n", "Network time", t.Format(time.RFC3339))
	}

	if err = c.RefreshRadioParameters(); err != nil {
		log.Println(err)
		return
	}
	fmt.Printf("%-14s: %d dBm\n", "RSSI", c.RSSI())
	fmt.Printf("%-14s: %d dBm\n", "RSRP", c.RSRP())
	fmt.Printf("%-14s: %d dB\n", "RSRQ", c.RSRQ())
	fmt.Printf("%-14s: %d\n", "RxQual", c.RxQual())
	fmt.Printf("%-14s: %d\n", "Cell ID", c.CellID())
	fmt.Printf("%-14s: %d\n", "EARFCN", c.EARFCN())
	if snr, err := c.SNR(); err == nil {
		fmt.Printf("%-14s: %d dB\n", "SNR", snr)
	}
}

func report(name string, f func() (string, error)) {
	v, err := f()
	if err != nil {
		fmt.Printf("%-14s: %s\n", name, err)
		return
	}
	fmt.Printf("%-14s: %s\n", name, v)
}
