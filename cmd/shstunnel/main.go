/*
Shstunnel forwards incoming plain TCP connections over a secret-handshake
connection to a remote, and vice versa.

In forward mode (the default), programs that do not speak the protocol connect
to the local plain listener and reach the remote over an encrypted,
authenticated connection. In listen mode, shstunnel accepts secret-handshake
connections and forwards the decrypted stream to a plain TCP address, putting
a protocol front on an existing plain server.

Shs addresses are created using "fs" for the local specifier and "known" for
remote. You can override these values with the -local and -remote flags.

Example:

	$ shs init
	$ shstunnel -verbose localhost:8000 localhost:8008

	$ echo hi | nc localhost 8000
*/
package main

import (
	"flag"
	"io"
	"log"
	"net"
	"os"
	"strings"

	"github.com/mjl-/shs"
)

func check(err error, action string) {
	if err != nil {
		log.Fatalf("%s: %s\n", action, err)
	}
}

var local = flag.String("local", "fs", "specifier for local identity to use for shs addresses")
var remote = flag.String("remote", "known", "specifier for trusting remote to use for shs addresses")
var listenMode = flag.Bool("listen", false, "accept shs connections and forward to a plain tcp address, instead of the reverse")
var verbose = flag.Bool("verbose", false, "print connections to stderr")

func main() {
	log.SetFlags(0)
	flag.Usage = func() {
		log.Println("usage: shstunnel [flags] listen-addr dial-addr")
		flag.PrintDefaults()
	}
	flag.Parse()
	args := flag.Args()
	if len(args) != 2 {
		flag.Usage()
		os.Exit(2)
	}
	listenAddr, dialAddr := args[0], args[1]

	_, err := shs.NearestShsDir()
	check(err, "finding nearest shs directory")

	if *listenMode {
		serveShs(listenAddr, dialAddr)
	} else {
		servePlain(listenAddr, dialAddr)
	}
}

// servePlain accepts plain connections and forwards each over a new shs
// connection to dialAddr.
func servePlain(listenAddr, dialAddr string) {
	l, err := net.Listen("tcp", listenAddr)
	check(err, "listen")
	log.Printf("forwarding plain connections on %s to shs %s", listenAddr, dialAddr)

	if !strings.Contains(dialAddr, "+") {
		dialAddr += "+" + *local + "+" + *remote
	}

	for {
		conn, err := l.Accept()
		check(err, "accept")
		go func() {
			config := &shs.Config{}
			sconn, err := shs.Dial("tcp", dialAddr, config)
			if err != nil {
				log.Printf("dial %s: %s", config.Address, err)
				conn.Close()
				return
			}
			if *verbose {
				remoteKey, _ := sconn.RemoteStatic()
				log.Printf("%s -> %s (%s)", conn.RemoteAddr(), config.Address, remoteKey)
			}
			forward(conn, sconn)
		}()
	}
}

// serveShs accepts shs connections and forwards the decrypted stream to a
// plain tcp dialAddr.
func serveShs(listenAddr, dialAddr string) {
	if !strings.Contains(listenAddr, "+") {
		listenAddr += "+" + *local + "+" + *remote
	}

	config := &shs.Config{}
	l, err := shs.Listen("tcp", listenAddr, config)
	check(err, "listen")
	log.Printf("forwarding shs connections on %s to plain %s, local identity public key %s", config.Address, dialAddr, config.LocalPublic())

	for {
		conn, err := l.Accept()
		check(err, "accept")
		go func() {
			sconn := conn.(*shs.Conn)
			remoteKey, err := sconn.RemoteStatic()
			if err != nil {
				log.Printf("handshake with %s: %s", sconn.RemoteAddr(), err)
				sconn.Close()
				return
			}
			pconn, err := net.Dial("tcp", dialAddr)
			if err != nil {
				log.Printf("dial %s: %s", dialAddr, err)
				sconn.Close()
				return
			}
			if *verbose {
				log.Printf("%s (%s) -> %s", sconn.RemoteAddr(), remoteKey, dialAddr)
			}
			forward(pconn, sconn)
		}()
	}
}

// forward copies both ways and closes both connections when either side ends.
func forward(plain net.Conn, secure *shs.Conn) {
	done := make(chan struct{}, 2)
	go func() {
		_, err := io.Copy(secure, plain)
		if err != nil {
			log.Printf("copy to secure connection: %s", err)
		}
		secure.CloseWrite()
		done <- struct{}{}
	}()
	go func() {
		_, err := io.Copy(plain, secure)
		if err != nil {
			log.Printf("copy from secure connection: %s", err)
		}
		done <- struct{}{}
	}()
	<-done
	<-done
	plain.Close()
	secure.Close()
}
