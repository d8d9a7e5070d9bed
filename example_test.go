package shs_test

import (
	"io"
	"log"

	"github.com/mjl-/shs"
)

func ExampleDial() {
	// Connecting with the default "+fs+known" policy. Requires having a ".shs"
	// directory with "known_hosts" and "identity" files, and a known_hosts
	// entry for the dial address: the client must know the server identity
	// before the handshake can start.
	config := &shs.Config{}
	conn, err := shs.Dial("tcp", "localhost:8008", config)
	if err != nil {
		log.Fatalf("dial: %s", err)
	}
	// Handshake was completed, remote is authenticated.

	conn.Close()
}

func ExampleDial_keys() {
	// Connecting with an address that includes an identity seed & the server's
	// public key.
	address := "localhost:8008+9Raaywe4hLyJT7olZjwbjuGShPmqV0YD6aiX9r2uwps+nwpSVXwaGB5EpsRQvNyAzG1CYAGdJr5MrDhAvsdTyCs"
	config := &shs.Config{}
	conn, err := shs.Dial("tcp", address, config)
	if err != nil {
		log.Fatalf("dial: %s", err)
	}
	// Handshake was completed, remote is authenticated.

	conn.Close()
}

func ExampleListen() {
	// Use defaults "+fs+known" to make server read ".shs/identity" and ".shs/known_hosts".
	address := "localhost:8008"

	config := &shs.Config{}
	l, err := shs.Listen("tcp", address, config)
	if err != nil {
		log.Fatalf("listen: %s", err)
	}

	log.Printf("listening on %s, local identity public key %s\n", config.Address, config.LocalPublic())

	serve := func(conn *shs.Conn) {
		defer conn.Close()
		io.Copy(conn, conn)
	}

	for {
		conn, err := l.Accept()
		if err != nil {
			log.Fatalf("accept: %s", err)
		}

		go serve(conn.(*shs.Conn))
	}
}

func ExampleConnect() {
	// Drive a connection from events instead of blocking reads: the factory is
	// called once the handshake completed, decrypted messages arrive at the
	// handler.
	config := &shs.Config{}
	_, completion := shs.Connect("tcp", "localhost:8008", config, func(send func([]byte) error, goodbye func()) shs.Handler {
		return &printHandler{send: send}
	})
	if err := completion.Await(); err != nil {
		log.Fatalf("connect: %s", err)
	}
}

type printHandler struct {
	send func([]byte) error
}

func (h *printHandler) HandleMessage(msg []byte) {
	log.Printf("received %d bytes", len(msg))
}

func (h *printHandler) HandleClosed() {
	log.Printf("connection closed")
}
