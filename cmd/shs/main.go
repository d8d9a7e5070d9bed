/*
Shs is a tool for making secret-handshake connections.

	$ shs
	usage: shs { init | seed | pubkey | genkeys | listen | dial }

In the example below, we will create ".shs" directories with "shs init". Then
start a server with "shs listen" and make a connection with "shs dial".

# Init

Make two directories, one for the client and one for the server, and run "shs
init":

	$ cd client
	client$ shs init
	init: created .shs/identity
	init: created .shs/known_hosts

	$ cd server
	server$ shs init
	init: created .shs/identity
	init: created .shs/known_hosts

# Pubkey

Both sides need to trust the other's public key. The client must know the
server identity before it can even start a handshake, so add the server's key
to the client's ".shs/known_hosts" under the dial address. A line requires
three space-separated fields: "shs1" (protocol version), address, public key:

	server$ shs pubkey < .shs/identity
	dveY0PXJfUQn84FOdV3MCCCRz6Na7SccQH_Shcj-Qg4

	client$ echo 'shs1 localhost:8008 dveY0PXJfUQn84FOdV3MCCCRz6Na7SccQH_Shcj-Qg4' >>.shs/known_hosts

The server checks client identities after the handshake revealed them. Add the
client's key under "*" (any network address), or start the server with "tofu"
to record client keys on first use:

	client$ shs pubkey < .shs/identity
	byX6M3L2qCU4yAFotRhI1dKOffrU7drs4W7-iIY-1Qc

	server$ echo 'shs1 * byX6M3L2qCU4yAFotRhI1dKOffrU7drs4W7-iIY-1Qc' >>.shs/known_hosts

# Listen

Start a server that just echoes back everything it reads:

	server$ shs listen localhost:8008 cat
	listen: listening on localhost:8008, local identity public key dveY0PXJfUQn84FOdV3MCCCRz6Na7SccQH_Shcj-Qg4

Because of the default shs address policy "+fs+known", the server found
".shs/identity". For incoming connections it will check the
".shs/known_hosts".

# Dial

Connect to the server:

	client$ shs dial localhost:8008
	dial: connected to localhost:8008, identity public key local byX6M3L2qCU4yAFotRhI1dKOffrU7drs4W7-iIY-1Qc, remote dveY0PXJfUQn84FOdV3MCCCRz6Na7SccQH_Shcj-Qg4

Now type anything and you'll see it echoed back to you by the server.

# Seed

Command seed prints a new identity seed to stdout.

	$ shs seed
	gIJoUNK0wVl1ASAZstVR2KAoIREkLduv29TMW0X_HGU

# Genkeys

Command genkeys prints two identities and example shs addresses. These can be
used to quickly set up a connection without the use for a ".shs" directory:

	$ shs genkeys
	[...]
	local to remote: localhost:8008+sF8XgswdnBscEhCL24m3dgiQw7HEH0ezt_tq3jbKOr4+YNrfnE9BMY0jZEq-KI8p-CkGlI0nQ-Q9I8Uf7-kRjw4
	remote to local: localhost:8008+Pv1yEwpRnbwNc9O-CCPseDN96Fb7DSKllpBs0DyhDxU+Q3gfkda4WVqhDAD7ypqLHVVknJSFxIUHAfIJBchFfi8

Start the listener:

	$ shs listen localhost:8008+sF8XgswdnBscEhCL24m3dgiQw7HEH0ezt_tq3jbKOr4+YNrfnE9BMY0jZEq-KI8p-CkGlI0nQ-Q9I8Uf7-kRjw4 cat

And connect:

	$ shs dial localhost:8008+Pv1yEwpRnbwNc9O-CCPseDN96Fb7DSKllpBs0DyhDxU+Q3gfkda4WVqhDAD7ypqLHVVknJSFxIUHAfIJBchFfi8
*/
package main

import (
	"encoding/base64"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"

	"github.com/mjl-/shs"
)

func check(err error, action string) {
	if err != nil {
		log.Fatalf("%s: %s\n", action, err)
	}
}

func main() {
	log.SetFlags(0)

	usage := func() {
		log.Printf("usage: shs { init | seed | pubkey | genkeys | listen | dial }\n")
		os.Exit(2)
	}
	if len(os.Args) < 2 {
		usage()
	}

	args := os.Args[1:]
	switch os.Args[1] {
	case "init":
		init0(args)
	case "seed":
		seed(args)
	case "pubkey":
		pubkey(args)
	case "genkeys":
		genkeys(args)
	case "listen":
		listen(args)
	case "dial":
		dial(args)
	default:
		usage()
	}
}

func init0(args []string) {
	log.SetPrefix("init: ")

	if len(args) != 1 {
		log.Fatalln("usage: shs init")
	}

	key, err := shs.GenerateKeyPair(nil)
	check(err, "generating identity")

	os.MkdirAll(".shs", 0750)

	f, err := os.OpenFile(".shs/identity", os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	check(err, "creating identity file")
	_, err = fmt.Fprintf(f, "%s\n", base64.RawURLEncoding.EncodeToString(key.Seed()))
	check(err, "writing identity file")
	err = f.Close()
	check(err, "closing identity file")
	log.Println("created .shs/identity")

	f, err = os.OpenFile(".shs/known_hosts", os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	check(err, "creating known hosts file")
	err = f.Close()
	check(err, "closing known hosts file")
	log.Println("created .shs/known_hosts")
}

func seed(args []string) {
	log.SetPrefix("seed: ")

	if len(args) != 1 {
		log.Fatalln("usage: shs seed >.shs/identity")
	}

	key, err := shs.GenerateKeyPair(nil)
	check(err, "generating identity")
	_, err = fmt.Printf("%s\n", base64.RawURLEncoding.EncodeToString(key.Seed()))
	check(err, "write")
}

func pubkey(args []string) {
	log.SetPrefix("pubkey: ")

	flagset := flag.NewFlagSet(args[0], flag.ExitOnError)
	flagset.Usage = func() {
		log.Println("usage: shs pubkey < .shs/identity")
		flagset.PrintDefaults()
	}
	flagset.Parse(args[1:])
	args = flagset.Args()
	if len(args) != 0 {
		flagset.Usage()
		os.Exit(2)
	}

	buf, err := io.ReadAll(base64.NewDecoder(base64.RawURLEncoding, os.Stdin))
	check(err, "reading identity seed")

	key, err := shs.KeyPairFromSeed(buf)
	check(err, "parsing identity seed")

	_, err = fmt.Printf("%s\n", key.Public)
	check(err, "write")
}

func genkeys(args []string) {
	log.SetPrefix("genkeys: ")

	flagset := flag.NewFlagSet(args[0], flag.ExitOnError)
	var address = flagset.String("address", "localhost:8008", "shs address to serve on")
	flagset.Usage = func() {
		log.Println("usage: shs genkeys [flags]")
		flagset.PrintDefaults()
	}
	flagset.Parse(args[1:])
	args = flagset.Args()
	if len(args) != 0 {
		flagset.Usage()
		os.Exit(2)
	}

	localKey, err := shs.GenerateKeyPair(nil)
	check(err, "generating local identity")
	remoteKey, err := shs.GenerateKeyPair(nil)
	check(err, "generating remote identity")

	localSeed := base64.RawURLEncoding.EncodeToString(localKey.Seed())
	remoteSeed := base64.RawURLEncoding.EncodeToString(remoteKey.Seed())

	fmt.Println("local public:", localKey.Public)
	fmt.Println("local seed:", localSeed)
	fmt.Printf("local to remote: %s+%s+%s\n", *address, localSeed, remoteKey.Public)

	fmt.Println("")
	fmt.Println("remote public:", remoteKey.Public)
	fmt.Println("remote seed:", remoteSeed)
	fmt.Printf("remote to local: %s+%s+%s\n", *address, remoteSeed, localKey.Public)
}

func listen(args []string) {
	log.SetPrefix("listen: ")

	flagset := flag.NewFlagSet(args[0], flag.ExitOnError)
	flagset.Usage = func() {
		log.Println("usage: shs listen [flags] ext-addr [cmd ...]")
		flagset.PrintDefaults()
	}
	flagset.Parse(args[1:])
	args = flagset.Args()
	if len(args) < 1 {
		flagset.Usage()
		os.Exit(2)
	}

	config := &shs.Config{}
	l, err := shs.Listen("tcp", args[0], config)
	check(err, "listen")

	log.Printf("listening on %s, local identity public key %s\n", config.Address, config.LocalPublic())

	argv := args[1:]

	input := make(chan []byte)
	if len(argv) == 0 {
		go func() {
			for {
				buf := make([]byte, 128)
				n, err := os.Stdin.Read(buf)
				if err != nil && err != io.EOF {
					check(err, "read from stdin")
				}
				input <- buf[:n]
			}
		}()
	}

	for {
		conn, err := l.Accept()
		check(err, "accept")

		if len(argv) == 0 {
			stdConn(conn.(*shs.Conn), config, input)
		} else {
			go cmdConn(conn.(*shs.Conn), config, argv)
		}
	}
}

func stdConn(conn *shs.Conn, config *shs.Config, input chan []byte) {
	defer conn.Close()

	remote, err := conn.RemoteStatic()
	if err != nil {
		log.Printf("RemoteStatic: %s\n", err)
		return
	}

	log.Printf("remote identity public key %s\n", remote)

	stop := make(chan struct{}, 1)
	go func() {
		_, err := io.Copy(os.Stdout, conn)
		if err != nil {
			log.Printf("copy from connection: %s", err)
		} else {
			log.Printf("eof from remote")
		}
		stop <- struct{}{}
	}()
	for {
		select {
		case buf := <-input:
			_, err = conn.Write(buf)
			if err != nil {
				log.Printf("write to connection: %s", err)
				return
			}
		case <-stop:
			conn.CloseWrite()
			return
		}
	}
}

func cmdConn(conn *shs.Conn, config *shs.Config, argv []string) {
	defer conn.Close()

	lcheck, handle := errorHandler(func(err error) {
		log.Printf("connection finished: %s\n", err)
	})
	defer handle()

	log.Printf("new connection from %s\n", conn.RemoteAddr())

	remote, err := conn.RemoteStatic()
	if err != nil {
		log.Printf("RemoteStatic: %s\n", err)
		return
	}

	log.Printf("remote identity public key %s\n", remote)

	cmd := exec.Command(argv[0], argv[1:]...)
	stdin, err := cmd.StdinPipe()
	lcheck(err, "stdin")
	stdout, err := cmd.StdoutPipe()
	lcheck(err, "stdout")
	defer stdout.Close()
	cmd.Stderr = os.Stderr

	go func() {
		_, err := io.Copy(stdin, conn)
		if err != nil {
			log.Printf("copy from connection: %s\n", err)
		}
		stdin.Close()
	}()

	go func() {
		_, err := io.Copy(conn, stdout)
		if err != nil {
			log.Printf("copy to connection: %s\n", err)
		}
		conn.CloseWrite()
		conn.Close()
	}()

	err = cmd.Run()
	lcheck(err, "run")
}

func dial(args []string) {
	log.SetPrefix("dial: ")

	flagset := flag.NewFlagSet(args[0], flag.ExitOnError)
	flagset.Usage = func() {
		log.Println("usage: shs dial [flags] ext-addr [cmd ...]")
		flagset.PrintDefaults()
	}
	flagset.Parse(args[1:])
	args = flagset.Args()
	if len(args) < 1 {
		flagset.Usage()
		os.Exit(2)
	}

	config := &shs.Config{}
	conn, err := shs.Dial("tcp", args[0], config)
	check(err, "dial")

	remote, err := conn.RemoteStatic()
	check(err, "RemoteStatic")
	log.Printf("connected to %s, identity public key local %s, remote %s\n", config.Address, config.LocalPublic(), remote)

	if len(args) == 1 {
		go func() {
			_, err := io.Copy(os.Stdout, conn)
			check(err, "copy")
		}()
		_, err = io.Copy(conn, os.Stdin)
		check(err, "copy")
		conn.CloseWrite()
		return
	}

	argv := args[1:]
	cmd := exec.Command(argv[0], argv[1:]...)
	stdin, err := cmd.StdinPipe()
	check(err, "stdin pipe")
	stdout, err := cmd.StdoutPipe()
	check(err, "stdout pipe")
	cmd.Stderr = os.Stderr

	go func() {
		_, err := io.Copy(stdin, conn)
		check(err, "copy from connection to command")
		stdin.Close()
	}()

	go func() {
		_, err := io.Copy(conn, stdout)
		check(err, "copy from command to connection")
		stdout.Close()
		conn.CloseWrite()
	}()

	err = cmd.Run()
	check(err, "run")
}
