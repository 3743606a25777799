// SPDX-License-Identifier: MIT

// mqttpub publishes a single message through the MQTT client embedded in
// the modem and waits for the broker to accept it.
package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"time"

	"github.com/umodem/cellular/at"
	"github.com/umodem/cellular/ctrl"
	"github.com/umodem/cellular/mqtt"
	"github.com/umodem/cellular/serial"
	"github.com/umodem/cellular/trace"
)

func main() {
	dev := flag.String("d", "/dev/ttyUSB0", "path to modem device")
	baud := flag.Int("b", 115200, "baud rate")
	timeout := flag.Duration("t", 5*time.Second, "command timeout period")
	apn := flag.String("a", "", "APN to attach with, if not already registered")
	server := flag.String("s", "", "broker address, host or host:port")
	port := flag.Int("port", 0, "broker port, if not the default")
	clientID := flag.String("i", "mqttpub", "client ID")
	user := flag.String("u", "", "user name")
	password := flag.String("P", "", "password")
	topic := flag.String("topic", "test", "topic to publish to")
	qos := flag.Int("q", 1, "QoS to publish with")
	retain := flag.Bool("r", false, "retain the message on the broker")
	msg := flag.String("m", "hello", "message to publish")
	verbose := flag.Bool("v", false, "log modem interactions")
	flag.Parse()
	if *server == "" {
		log.Println("broker address required")
		flag.Usage()
		os.Exit(1)
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
	if !c.IsRegistered() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		err = c.Connect(ctx, *apn)
		cancel()
		if err != nil {
			log.Println(err)
			return
		}
	}

	cfg := mqtt.Config{
		ClientID: *clientID,
		Server:   *server,
		Port:     *port,
		User:     *user,
		Password: *password,
	}
	mq, err := mqtt.New(a, cfg)
	if err != nil {
		log.Println(err)
		return
	}
	defer mq.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err = mq.Connect(ctx); err != nil {
		log.Println(err)
		return
	}
	defer mq.Disconnect(ctx)
	err = mq.Publish(ctx, *topic, mqtt.QoS(*qos), *retain, []byte(*msg))
	if err != nil {
		log.Println(err)
		return
	}
	log.Printf("published %d bytes to %s\n", len(*msg), *topic)
}
