// SPDX-License-Identifier: MIT

// smswatch waits for SMSs to be received by the modem, and dumps them to
// stdout.
//
// Multi-part SMSs are reassembled into a complete message prior to
// display.  The signal quality is polled in parallel to demonstrate
// separate goroutines sharing the modem.
package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"time"

	"github.com/warthog618/sms/encoding/tpdu"
	"github.com/warthog618/sms/ms/message"
	"github.com/warthog618/sms/ms/pdumode"
	"github.com/warthog618/sms/ms/sar"

	"github.com/umodem/cellular/at"
	"github.com/umodem/cellular/ctrl"
	"github.com/umodem/cellular/serial"
	"github.com/umodem/cellular/trace"
)

func main() {
	dev := flag.String("d", "/dev/ttyUSB2", "path to modem device")
	baud := flag.Int("b", 115200, "baud rate")
	period := flag.Duration("p", 10*time.Minute, "period to wait")
	timeout := flag.Duration("t", 5*time.Second, "command timeout period")
	verbose := flag.Bool("v", false, "log modem interactions")
	hex := flag.Bool("x", false, "hex dump modem responses")
	flag.Parse()
	m, err := serial.New(serial.WithPort(*dev), serial.WithBaud(*baud))
	if err != nil {
		log.Println(err)
		return
	}
	defer m.Close()
	var mio io.ReadWriter = m
	if *hex {
		mio = trace.New(m, log.New(os.Stdout, "", log.LstdFlags),
			trace.ReadFormat("r: %v"))
	} else if *verbose {
		mio = trace.New(m, log.New(os.Stdout, "", log.LstdFlags))
	}
	a := at.New(mio, at.WithTimeout(*timeout))
	c := ctrl.New(a)
	if err = c.Init(); err != nil {
		log.Println(err)
		return
	}
	defer c.Deinit()

	ctx, cancel := context.WithTimeout(context.Background(), *period)
	defer cancel()
	go pollSignalQuality(ctx, c)
	if err = waitForSMSs(ctx, c); err != nil {
		log.Println(err)
	}
}

// pollSignalQuality reads the signal quality every minute.
func pollSignalQuality(ctx context.Context, c *ctrl.Ctrl) {
	for {
		select {
		case <-time.After(time.Minute):
			if err := c.RefreshRadioParameters(); err != nil {
				log.Println(err)
				continue
			}
			log.Printf("RSSI: %d dBm\n", c.RSSI())
		case <-ctx.Done():
			return
		}
	}
}

// waitForSMSs hooks SMS delivery and prints each reassembled message.
func waitForSMSs(ctx context.Context, c *ctrl.Ctrl) error {
	pd := pdumode.Decoder{}
	asyncError := func(err error) {
		log.Printf("reassembly error: %v", err)
	}
	udd, err := tpdu.NewUDDecoder()
	if err != nil {
		return err
	}
	udd.AddAllCharsets()
	sc := sar.NewCollector(time.Hour, asyncError)
	reassembler := message.NewReassembler(udd, sc)
	defer reassembler.Close()

	pdus := make(chan string, 4)
	err = c.OnMessage(func(pdu string) {
		pdus <- pdu
	})
	if err != nil {
		return err
	}
	defer c.OffMessage()
	for {
		select {
		case <-ctx.Done():
			log.Println("exiting...")
			return nil
		case p := <-pdus:
			_, pdu, err := pd.DecodeString(p)
			if err != nil {
				log.Printf("err: %v\n", err)
				continue
			}
			m, err := reassembler.Reassemble(pdu)
			if err != nil {
				log.Printf("err: %v\n", err)
				continue
			}
			if m != nil {
				log.Printf("%s: %s\n", m.Number, m.Msg)
			}
		}
	}
}
