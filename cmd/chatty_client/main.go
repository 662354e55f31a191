package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	chatterbox "github.com/federico-germinario/Chatterbox"
)

// Small interactive client used to poke a running server by hand.
//
//	register                 register and connect the nickname
//	connect                  connect an existing nickname
//	post <nick> <text>       send a text message
//	postall <text>           broadcast a text message
//	prev                     fetch the stored history
//	list                     list online users
//	unregister / disconnect  leave
func main() {
	path := flag.String("s", "/tmp/chatty_socket", "server socket path")
	name := flag.String("n", "", "nickname")
	flag.Parse()

	if *name == "" {
		fmt.Fprintln(os.Stderr, "a nickname is required (-n)")
		os.Exit(1)
	}

	client, err := chatterbox.Dial(*path, *name, 10, time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not reach the server at %v : %v\n", *path, err)
		os.Exit(1)
	}
	defer client.Close()

	scanner := bufio.NewScanner(os.Stdin)
	for fmt.Print("> "); scanner.Scan(); fmt.Print("> ") {
		fields := strings.SplitN(scanner.Text(), " ", 3)
		var reply *chatterbox.Message
		var err error
		switch fields[0] {
		case "register":
			reply, err = client.Register()
		case "connect":
			reply, err = client.Connect()
		case "post":
			if len(fields) < 3 {
				fmt.Println("usage: post <nick> <text>")
				continue
			}
			reply, err = client.PostTxt(fields[1], []byte(fields[2]))
		case "postall":
			if len(fields) < 2 {
				fmt.Println("usage: postall <text>")
				continue
			}
			reply, err = client.PostTxtAll([]byte(strings.Join(fields[1:], " ")))
		case "prev":
			msgs, err := client.GetPrevMsgs()
			if err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			for _, msg := range msgs {
				fmt.Printf("[%v] %s: %s\n", msg.Hdr.Op, msg.Hdr.Sender, msg.Data.Buf)
			}
			continue
		case "list":
			names, err := client.UsrList()
			if err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			fmt.Println(strings.Join(names, " "))
			continue
		case "unregister":
			reply, err = client.Unregister()
		case "disconnect":
			reply, err = client.Disconnect()
		case "":
			continue
		default:
			fmt.Println("unknown command")
			continue
		}
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		fmt.Printf("%v\n", reply.Hdr.Op)
	}
}
