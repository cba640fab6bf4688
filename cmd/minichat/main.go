// Command minichat is a line oriented chat client for the minichat server.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang/glog"

	"github.com/mqy/minichat/chat"
)

const tokenEnv = "MINICHAT_TOKEN"

var (
	flagServer = flag.String("server", "http://127.0.0.1:8000", "api server base url")
	flagWs     = flag.String("ws", "", "websocket url, derived from --server if empty")
	flagToken  = flag.String("token", "", "credential token, falls back to $"+tokenEnv)
	flagConfig = flag.String("config", "", "optional yaml config of the session")
)

func main() {
	flag.Parse()

	// NOTE: os.Exit() does not call defers.
	os.Exit(run())
}

func run() int {
	defer glog.Flush()

	token := *flagToken
	if token == "" {
		token = os.Getenv(tokenEnv)
	}
	server := strings.TrimRight(*flagServer, "/")
	wsURL := *flagWs
	if wsURL == "" {
		wsURL = deriveWsURL(server)
	}

	var conf chat.Config
	if *flagConfig != "" {
		c, err := chat.LoadConfig(*flagConfig)
		if err != nil {
			return errorf("--config: %v", err)
		}
		conf = c
	}
	conf = conf.WithDefaults()

	ctx, cancel := context.WithTimeout(context.Background(), conf.DialTimeout)
	defer cancel()

	httpClient := &http.Client{Timeout: conf.DialTimeout}
	identity, err := chat.FetchIdentity(ctx, httpClient, server, token)
	if err != nil {
		if errors.Is(err, chat.ErrAuthMissing) {
			return errorf("no token: use --token or $%s", tokenEnv)
		}
		return errorf("login: %v", err)
	}

	api := chat.NewAPIClient(server, httpClient)
	sess := chat.NewSession(&chat.SessionCfg{
		Identity:  identity,
		Transport: chat.NewWSTransport(wsURL, conf),
		Directory: api,
		History:   api,
		Conf:      conf,
	})
	if err := sess.Start(ctx); err != nil {
		if !errors.Is(err, chat.ErrDirectoryUnavailable) {
			return errorf("start session: %v", err)
		}
		glog.Warningf("start session: %v, try /users later", err)
	}
	defer sess.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	con := newConsole(sess, os.Stdin, os.Stdout)
	done := make(chan struct{})
	go func() {
		con.run()
		close(done)
	}()

	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return 0
		case sig := <-sigCh:
			glog.Infof("received signal `%s` stopping", sig.String())
			return 0
		case n := <-sess.Notices():
			con.printNotice(n)
		case <-ticker.C:
			con.printNew()
		}
	}
}

func deriveWsURL(server string) string {
	switch {
	case strings.HasPrefix(server, "https://"):
		return "wss://" + strings.TrimPrefix(server, "https://") + "/ws"
	case strings.HasPrefix(server, "http://"):
		return "ws://" + strings.TrimPrefix(server, "http://") + "/ws"
	}
	return server + "/ws"
}

func errorf(fmt string, args ...interface{}) int {
	glog.Errorf(fmt, args...)
	return 1
}
