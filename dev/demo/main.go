package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"time"

	"github.com/golang/glog"

	"github.com/mqy/minichat/chat"
)

// The demo bot logs in as a user of dev/demo/users.yaml and says hello to a peer
// on every tick, printing whatever lands in the conversation.
//
//	go run . --users-file dev/demo/users.yaml        # the server, from the repo root
//	go run ./dev/demo --token t-admin --to u1

var (
	flagServer = flag.String("server", "http://127.0.0.1:8000", "api server base url")
	flagWs     = flag.String("ws", "ws://127.0.0.1:8000/ws", "websocket url")
	flagToken  = flag.String("token", "t-admin", "credential token of the bot")
	flagTo     = flag.String("to", "u1", "the peer to chat with")
	flagTicker = flag.Duration("ticker-duration", 30*time.Second, "ticker duration")
)

func main() {
	flag.Parse()
	defer glog.Flush()

	ctx := context.Background()
	client := &http.Client{Timeout: 10 * time.Second}
	identity, err := chat.FetchIdentity(ctx, client, *flagServer, *flagToken)
	if err != nil {
		glog.Fatalf("login error: %v", err)
	}

	api := chat.NewAPIClient(*flagServer, client)
	sess := chat.NewSession(&chat.SessionCfg{
		Identity:  identity,
		Transport: chat.NewWSTransport(*flagWs, chat.Config{}),
		Directory: api,
		History:   api,
	})
	if err := sess.Start(ctx); err != nil {
		glog.Fatalf("start session error: %v", err)
	}
	defer sess.Stop()

	if err := sess.SelectConversation(ctx, *flagTo); err != nil {
		glog.Fatalf("open conversation with %s error: %v", *flagTo, err)
	}

	ticker := time.NewTicker(*flagTicker)
	defer ticker.Stop()

	var i int
	printed := 0
	for {
		select {
		case n := <-sess.Notices():
			glog.Infof("notice: state: %s, err: %v", n.State, n.Err)
		case <-ticker.C:
			if _, err := sess.ComposeAndSend(fmt.Sprintf("hello #%d from %s", i, identity.Id)); err != nil {
				glog.Errorf("send error: %v", err)
			}
			i++

			msgs := sess.ActiveConversation()
			for ; printed < len(msgs); printed++ {
				glog.Infof("%s", msgs[printed].String())
			}
		}
	}
}
